package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-builder/internal/errors"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.allow())
		b.record(fmt.Errorf("dial tcp: connection refused"))
	}
	assert.Equal(t, BreakerOpen, b.State())

	err := b.allow()
	assert.True(t, errors.Is(err, errors.ErrServiceDown))
	assert.Equal(t, uint64(1), b.stats().Rejected)
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	b := newBreaker(2, time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.allow())
		b.record(errors.NewAPIError(404, "GET", "/strategies/x", "not found"))
	}
	b.record(errors.NewAPIError(429, "GET", "/strategies", "slow down"))
	b.record(context.Canceled)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.stats().Failures)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := newBreaker(2, time.Minute)
	b.record(errors.NewAPIError(502, "GET", "/strategies", ""))
	b.record(nil)
	b.record(errors.NewAPIError(502, "GET", "/strategies", ""))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2024, 12, 26, 10, 0, 0, 0, time.UTC)
	b := newBreaker(1, 30*time.Second)
	b.now = func() time.Time { return now }

	require.NoError(t, b.allow())
	b.record(errors.NewAPIError(503, "GET", "/strategies", ""))
	require.Equal(t, BreakerOpen, b.State())

	now = now.Add(31 * time.Second)
	require.NoError(t, b.allow(), "probe after cooldown")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.Error(t, b.allow(), "only one probe at a time")

	b.record(errors.NewAPIError(503, "GET", "/strategies", ""))
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(31 * time.Second)
	require.NoError(t, b.allow())
	b.record(nil)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, uint64(5), b.stats().Transitions)
}

func TestClientFailsFastWhenServiceIsDown(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	client.breaker = newBreaker(2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := client.ListStrategies(context.Background())
		require.Error(t, err)
	}
	// MaxRetries is 2, so each call made three attempts.
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))

	_, err := client.ListStrategies(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceDown))
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))
	assert.Equal(t, BreakerOpen, client.BreakerStats().State)
}
