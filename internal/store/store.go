// Package store holds the authoritative in-memory view of the user's strategies.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

// ChangeKind classifies a store mutation.
type ChangeKind string

const (
	ChangeLoaded  ChangeKind = "loaded"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change describes a completed mutation. Strategy is a copy of the record
// after the mutation and is zero for removals.
type Change struct {
	Kind       ChangeKind
	StrategyID string
	Strategy   models.Strategy
}

// Persister receives accepted mutations so the last known state survives restarts.
type Persister interface {
	SaveStrategy(ctx context.Context, s models.Strategy) error
	DeleteStrategy(ctx context.Context, id string) error
}

// StrategyStore is the only owner of strategy records. Load replaces a record
// wholesale; ApplyUpdate patches positions and total P&L only.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]models.Strategy
	order      []string

	listenersMu sync.RWMutex
	listeners   []func(Change)

	persister      Persister
	persistTimeout time.Duration
	logger         zerolog.Logger
}

// NewStrategyStore creates an empty store.
func NewStrategyStore(logger zerolog.Logger) *StrategyStore {
	return &StrategyStore{
		strategies:     make(map[string]models.Strategy),
		persistTimeout: 5 * time.Second,
		logger:         logger.With().Str("component", "store").Logger(),
	}
}

// SetPersister attaches a snapshot persister. Persistence failures are logged
// and never fail the in-memory mutation.
func (s *StrategyStore) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
}

// OnChange registers a listener called after every mutation, outside the store lock.
func (s *StrategyStore) OnChange(fn func(Change)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Load inserts or fully replaces a strategy. Used for creation responses and reloads.
// When the record carries no legs they are derived from its positions; a record
// with neither is rejected.
func (s *StrategyStore) Load(strategy models.Strategy) error {
	return s.load(strategy, true)
}

func (s *StrategyStore) loadWithoutPersist(strategy models.Strategy) error {
	return s.load(strategy, false)
}

func (s *StrategyStore) load(strategy models.Strategy, persist bool) error {
	if strategy.ID == "" {
		return errors.NewInvalidInputError("strategy_id", nil, "is required")
	}

	rec := strategy.Clone()
	if len(rec.Legs) == 0 {
		rec.Legs = models.LegsFromPositions(rec.Positions)
	}
	if len(rec.Legs) == 0 {
		return errors.NewInvalidInputError("legs", rec.ID, "strategy has no legs or positions")
	}

	s.mu.Lock()
	if _, exists := s.strategies[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.strategies[rec.ID] = rec
	p := s.persister
	s.mu.Unlock()

	if persist {
		s.persist(p, rec)
	}
	s.notify(Change{Kind: ChangeLoaded, StrategyID: rec.ID, Strategy: rec.Clone()})
	return nil
}

// LoadAll loads each strategy, skipping and reporting invalid records.
func (s *StrategyStore) LoadAll(strategies []models.Strategy) error {
	var errs []error
	for _, st := range strategies {
		if err := s.Load(st); err != nil {
			errs = append(errs, errors.Wrapf(err, "loading %s", st.ID))
		}
	}
	return errors.Join(errs...)
}

// ApplyUpdate patches positions and total P&L of a known strategy. It returns
// false and changes nothing when the strategy is unknown. Applying the same
// update twice yields the same state as applying it once.
func (s *StrategyStore) ApplyUpdate(update models.StrategyUpdate) bool {
	s.mu.Lock()
	rec, ok := s.strategies[update.StrategyID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec.Positions = append([]models.Position(nil), update.Positions...)
	rec.TotalPnL = update.TotalPnL
	s.strategies[update.StrategyID] = rec
	p := s.persister
	s.mu.Unlock()

	s.persist(p, rec)
	s.notify(Change{Kind: ChangeUpdated, StrategyID: rec.ID, Strategy: rec.Clone()})
	return true
}

// Remove deletes a strategy. Listeners use the removal to tear down subscriptions.
func (s *StrategyStore) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.strategies[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.strategies, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	p := s.persister
	s.mu.Unlock()

	if p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		if err := p.DeleteStrategy(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("strategy_id", id).Msg("Failed to delete strategy snapshot")
		}
		cancel()
	}
	s.notify(Change{Kind: ChangeRemoved, StrategyID: id})
	return true
}

// Get returns a copy of a strategy. It never blocks on I/O.
func (s *StrategyStore) Get(id string) (models.Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.strategies[id]
	if !ok {
		return models.Strategy{}, false
	}
	return rec.Clone(), true
}

// Has reports whether id is known.
func (s *StrategyStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.strategies[id]
	return ok
}

// All returns copies of all strategies in insertion order.
func (s *StrategyStore) All() []models.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Strategy, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.strategies[id].Clone())
	}
	return out
}

// IDs returns strategy IDs in insertion order.
func (s *StrategyStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of strategies.
func (s *StrategyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.strategies)
}

func (s *StrategyStore) persist(p Persister, rec models.Strategy) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := p.SaveStrategy(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("strategy_id", rec.ID).Msg("Failed to persist strategy snapshot")
	}
}

func (s *StrategyStore) notify(c Change) {
	s.listenersMu.RLock()
	listeners := make([]func(Change), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}
