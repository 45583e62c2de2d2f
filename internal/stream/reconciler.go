package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"strategy-builder/internal/logging"
	"strategy-builder/internal/models"
)

// Outcome describes what the reconciler did with one update.
type Outcome int

const (
	// Applied means positions and total P&L were patched into the store.
	Applied Outcome = iota
	// DiscardedStale means the subscription that produced the update is gone.
	DiscardedStale
	// DiscardedUnknown means the store has no strategy with the update's id.
	DiscardedUnknown
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case DiscardedStale:
		return "discarded_stale"
	case DiscardedUnknown:
		return "discarded_unknown"
	}
	return "unknown"
}

// StrategyPatcher applies a partial update. It returns false when the id is unknown.
type StrategyPatcher interface {
	ApplyUpdate(update models.StrategyUpdate) bool
}

// Acceptor runs apply only while the subscription that dispatched an envelope
// is still current.
type Acceptor interface {
	ApplyIfAccepted(id string, generation uint64, apply func()) bool
}

// ReconcilerStats counts outcomes.
type ReconcilerStats struct {
	Applied          uint64
	DiscardedStale   uint64
	DiscardedUnknown uint64
}

// Reconciler merges pushed updates into the store. Updates are applied in the
// order received; there is no sequence number, so the last one received wins.
type Reconciler struct {
	store  StrategyPatcher
	filter Acceptor
	logger zerolog.Logger

	mu    sync.Mutex
	stats ReconcilerStats
}

// NewReconciler creates a reconciler. filter may be nil.
func NewReconciler(store StrategyPatcher, filter Acceptor, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		filter: filter,
		logger: logging.WithComponent(logger, "reconciler"),
	}
}

// Apply patches one update into the store. Unknown ids are discarded silently.
func (r *Reconciler) Apply(update models.StrategyUpdate) Outcome {
	outcome := DiscardedUnknown
	if r.store.ApplyUpdate(update) {
		outcome = Applied
	}
	r.record(update, outcome)
	return outcome
}

// ApplyEnvelope applies the envelope if the filter still accepts it. The check
// and the store patch happen as one step with respect to unsubscribe.
func (r *Reconciler) ApplyEnvelope(env Envelope) Outcome {
	if r.filter == nil {
		return r.Apply(env.Update)
	}
	outcome := DiscardedStale
	r.filter.ApplyIfAccepted(env.Update.StrategyID, env.Generation, func() {
		outcome = DiscardedUnknown
		if r.store.ApplyUpdate(env.Update) {
			outcome = Applied
		}
	})
	r.record(env.Update, outcome)
	return outcome
}

// Run applies envelopes until updates is closed or ctx is done.
func (r *Reconciler) Run(ctx context.Context, updates <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				return nil
			}
			r.ApplyEnvelope(env)
		}
	}
}

// Stats returns outcome counters.
func (r *Reconciler) Stats() ReconcilerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reconciler) record(update models.StrategyUpdate, outcome Outcome) {
	r.mu.Lock()
	switch outcome {
	case Applied:
		r.stats.Applied++
	case DiscardedStale:
		r.stats.DiscardedStale++
	case DiscardedUnknown:
		r.stats.DiscardedUnknown++
	}
	r.mu.Unlock()

	logging.LogStrategyUpdate(r.logger, update.StrategyID, update.TotalPnL, outcome.String())
}
