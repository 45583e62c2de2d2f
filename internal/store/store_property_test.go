package store

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"strategy-builder/internal/models"
)

func genUpdate(ids []string) gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(ids)-1),
		gen.Float64Range(-50000, 50000),
		gen.IntRange(0, 3),
	).Map(func(vals []interface{}) models.StrategyUpdate {
		id := ids[vals[0].(int)]
		n := vals[2].(int)
		positions := make([]models.Position, n)
		for i := range positions {
			positions[i] = models.Position{
				PositionID: id,
				OptionType: models.OptionTypeCall,
				Strike:     float64(17900 + i*50),
				Quantity:   50,
				Side:       models.OrderSideBuy,
				AvgPrice:   vals[1].(float64) / 100,
			}
		}
		return models.StrategyUpdate{StrategyID: id, Positions: positions, TotalPnL: vals[1].(float64)}
	})
}

// Property: For any strategy and update U, applying U twice yields the same state as applying it once.
func TestProperty_ApplyUpdateIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("double apply equals single apply", prop.ForAll(
		func(u models.StrategyUpdate) bool {
			once := NewStrategyStore(zerolog.Nop())
			twice := NewStrategyStore(zerolog.Nop())
			_ = once.Load(straddle("s1", 0))
			_ = twice.Load(straddle("s1", 0))

			once.ApplyUpdate(u)
			twice.ApplyUpdate(u)
			twice.ApplyUpdate(u)

			return reflect.DeepEqual(once.All(), twice.All())
		},
		genUpdate([]string{"s1"}),
	))

	properties.TestingRun(t)
}

// Property: For any update whose strategy_id is not in the store, the store is unchanged.
func TestProperty_UnknownUpdateIgnored(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("unknown id leaves store unchanged", prop.ForAll(
		func(u models.StrategyUpdate) bool {
			s := NewStrategyStore(zerolog.Nop())
			_ = s.Load(straddle("s1", 12.5))
			before := s.All()

			applied := s.ApplyUpdate(u)
			return !applied && reflect.DeepEqual(before, s.All())
		},
		genUpdate([]string{"ghost-1", "ghost-2"}),
	))

	properties.TestingRun(t)
}

// Property: For any sequence of updates, each strategy ends with the last update received for it.
func TestProperty_LastReceivedWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	ids := []string{"s1", "s2", "s3"}

	properties.Property("final state reflects last update per id", prop.ForAll(
		func(updates []models.StrategyUpdate) bool {
			s := NewStrategyStore(zerolog.Nop())
			for _, id := range ids {
				_ = s.Load(straddle(id, 0))
			}

			last := make(map[string]models.StrategyUpdate)
			for _, u := range updates {
				s.ApplyUpdate(u)
				last[u.StrategyID] = u
			}

			for id, u := range last {
				got, ok := s.Get(id)
				if !ok || got.TotalPnL != u.TotalPnL || len(got.Positions) != len(u.Positions) {
					return false
				}
				if len(got.Legs) != 2 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genUpdate(ids)),
	))

	properties.TestingRun(t)
}
