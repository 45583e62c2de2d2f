package builder

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"strategy-builder/internal/models"
)

func TestSelectionSetToggle(t *testing.T) {
	s := NewSelectionSet()

	if !s.Toggle(17900, models.OptionTypeCall) {
		t.Fatal("first toggle should select")
	}
	if !s.Has(17900, models.OptionTypeCall) {
		t.Fatal("expected 17900-CE selected")
	}
	if s.Has(17900, models.OptionTypePut) {
		t.Fatal("17900-PE must not be selected")
	}
	if s.Toggle(17900, models.OptionTypeCall) {
		t.Fatal("second toggle should deselect")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestSelectionSetKeysAndLegs(t *testing.T) {
	s := NewSelectionSet()
	s.Toggle(18000, models.OptionTypePut)
	s.Toggle(17900, models.OptionTypePut)
	s.Toggle(17900, models.OptionTypeCall)

	want := []string{"17900-CE", "17900-PE", "18000-PE"}
	if got := s.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}

	legs := s.Legs(models.OrderSideSell, 2)
	if len(legs) != 3 {
		t.Fatalf("got %d legs", len(legs))
	}
	for _, leg := range legs {
		if leg.Side != models.OrderSideSell || leg.Quantity != 2 {
			t.Errorf("leg %+v should be SELL x2", leg)
		}
	}

	s.Clear()
	if s.Len() != 0 || len(s.Keys()) != 0 {
		t.Errorf("Clear left %v", s.Keys())
	}
}

func TestParseSelectionKey(t *testing.T) {
	strike, typ, err := ParseSelectionKey("17850.5-PE")
	if err != nil {
		t.Fatal(err)
	}
	if strike != 17850.5 || typ != models.OptionTypePut {
		t.Errorf("got %v %v", strike, typ)
	}

	for _, bad := range []string{"", "17900", "-CE", "abc-CE", "17900-XX"} {
		if _, _, err := ParseSelectionKey(bad); err == nil {
			t.Errorf("ParseSelectionKey(%q) expected error", bad)
		}
	}
}

// Property: For any selection set S and key k, toggling k twice leaves S unchanged.
func TestProperty_ToggleTwiceIsIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("double toggle restores prior content", prop.ForAll(
		func(initial []int, target int, put bool) bool {
			s := NewSelectionSet()
			for i, lots := range initial {
				typ := models.OptionTypeCall
				if i%2 == 1 {
					typ = models.OptionTypePut
				}
				s.Toggle(float64(lots)*50, typ)
			}
			before := s.Keys()

			typ := models.OptionTypeCall
			if put {
				typ = models.OptionTypePut
			}
			s.Toggle(float64(target)*50, typ)
			s.Toggle(float64(target)*50, typ)

			return reflect.DeepEqual(before, s.Keys())
		},
		gen.SliceOf(gen.IntRange(300, 400)),
		gen.IntRange(300, 400),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
