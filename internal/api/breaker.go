package api

import (
	"context"
	"sync"
	"time"

	"strategy-builder/internal/errors"
)

// BreakerState is the state of the service breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"    // requests flow
	BreakerOpen     BreakerState = "OPEN"      // failing fast
	BreakerHalfOpen BreakerState = "HALF_OPEN" // probing
)

// breaker stops calling the service after repeated outages. Only transport
// failures and 5xx responses count; a 4xx means the service is up.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probing     bool
	rejected    uint64
	transitions uint64
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// allow returns ErrServiceDown while the breaker is open. After the cooldown a
// single probe request is let through.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.rejected++
			return errors.ErrServiceDown
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			b.rejected++
			return errors.ErrServiceDown
		}
		b.probing = true
	}
	return nil
}

// record updates the breaker with the outcome of a request that allow admitted.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	outage := countsAsOutage(err)
	if b.state == BreakerHalfOpen {
		b.probing = false
		if outage {
			b.trip()
		} else {
			b.transition(BreakerClosed)
		}
		return
	}
	if !outage {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *breaker) trip() {
	b.transition(BreakerOpen)
	b.openedAt = b.now()
}

func (b *breaker) transition(state BreakerState) {
	if b.state != state {
		b.transitions++
	}
	b.state = state
	b.failures = 0
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func countsAsOutage(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *errors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return true
}

// BreakerStats reports the service breaker's state.
type BreakerStats struct {
	State       BreakerState
	Failures    int
	Rejected    uint64
	Transitions uint64
}

func (b *breaker) stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:       b.state,
		Failures:    b.failures,
		Rejected:    b.rejected,
		Transitions: b.transitions,
	}
}
