package builder

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

// SelectionKey returns the canonical "{strike}-{option_type}" key, e.g. "17900-CE".
func SelectionKey(strike float64, t models.OptionType) string {
	return FormatStrike(strike) + "-" + string(t)
}

// ParseSelectionKey splits a selection key back into strike and option type.
func ParseSelectionKey(key string) (float64, models.OptionType, error) {
	i := strings.LastIndex(key, "-")
	if i <= 0 {
		return 0, "", errors.NewInvalidInputError("selection_key", key, "expected STRIKE-TYPE")
	}
	strike, err := strconv.ParseFloat(key[:i], 64)
	if err != nil {
		return 0, "", errors.NewInvalidInputError("selection_key", key, "strike is not a number")
	}
	t := models.OptionType(key[i+1:])
	if !t.Valid() {
		return 0, "", errors.NewInvalidInputError("selection_key", key, "option type must be CE or PE")
	}
	return strike, t, nil
}

type selection struct {
	strike float64
	typ    models.OptionType
}

// SelectionSet tracks the user's toggled cells in the option chain.
// It never touches the strategy store.
type SelectionSet struct {
	mu    sync.RWMutex
	items map[string]selection
}

// NewSelectionSet creates an empty selection set.
func NewSelectionSet() *SelectionSet {
	return &SelectionSet{items: make(map[string]selection)}
}

// Toggle flips membership of (strike, t) and returns whether it is now selected.
func (s *SelectionSet) Toggle(strike float64, t models.OptionType) bool {
	key := SelectionKey(strike, t)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return false
	}
	s.items[key] = selection{strike: strike, typ: t}
	return true
}

// Has reports whether (strike, t) is selected.
func (s *SelectionSet) Has(strike float64, t models.OptionType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[SelectionKey(strike, t)]
	return ok
}

// Clear empties the set.
func (s *SelectionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]selection)
}

// Len returns the number of selected cells.
func (s *SelectionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Keys returns the selected keys ordered by strike, CE before PE.
func (s *SelectionSet) Keys() []string {
	sorted := s.sorted()
	keys := make([]string, len(sorted))
	for i, sel := range sorted {
		keys[i] = SelectionKey(sel.strike, sel.typ)
	}
	return keys
}

// Legs converts the selection into legs with a uniform side and quantity,
// suitable as input to BuildCustom.
func (s *SelectionSet) Legs(side models.OrderSide, quantity int) []models.Leg {
	sorted := s.sorted()
	legs := make([]models.Leg, len(sorted))
	for i, sel := range sorted {
		legs[i] = models.Leg{Strike: sel.strike, OptionType: sel.typ, Side: side, Quantity: quantity}
	}
	return legs
}

func (s *SelectionSet) sorted() []selection {
	s.mu.RLock()
	out := make([]selection, 0, len(s.items))
	for _, sel := range s.items {
		out = append(out, sel)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].strike != out[j].strike {
			return out[i].strike < out[j].strike
		}
		return out[i].typ < out[j].typ
	})
	return out
}
