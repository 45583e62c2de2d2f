package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

func TestSubscribeBeforeConnectIsSentOnConnect(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, testConfig(), zerolog.Nop())
	t.Cleanup(m.Shutdown)

	require.NoError(t, m.Subscribe("s1"))
	assert.Equal(t, StateConnecting, m.State("s1"))

	require.NoError(t, m.Start(context.Background()))
	conn := tr.next(t)
	conn.waitWritten(t, FrameSubscribe, "s1")

	conn.push(t, ack("s1"))
	require.Eventually(t, func() bool { return m.State("s1") == StateOpen }, waitFor, tick)
	conn.waitWritten(t, FrameGetPnL, "s1")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	m, _, conn := startManager(t, testConfig())

	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Subscribe("s1"))
	assert.Equal(t, 1, conn.count(FrameSubscribe, "s1"))

	conn.push(t, ack("s1"))
	require.Eventually(t, func() bool { return m.State("s1") == StateOpen }, waitFor, tick)

	require.NoError(t, m.Subscribe("s1"))
	assert.Equal(t, 1, conn.count(FrameSubscribe, "s1"))
	assert.Len(t, m.Handles(), 1)
}

func TestSubscribeRejectsEmptyID(t *testing.T) {
	m := NewManager(newFakeTransport(), testConfig(), zerolog.Nop())
	defer m.Shutdown()
	assert.True(t, errors.Is(m.Subscribe(""), errors.ErrInvalidInput))
}

func TestUpdatesAreDemultiplexedInArrivalOrder(t *testing.T) {
	m, _, conn := startManager(t, testConfig())
	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Subscribe("s2"))

	conn.push(t, strategyData("s1", 100))
	conn.push(t, strategyData("unwatched", 5))
	conn.push(t, strategyData("s2", 200))
	conn.push(t, map[string]any{
		"type":        FrameStrategyPnL,
		"strategy_id": "s1",
		"result": map[string]any{"type": "success", "strategy": map[string]any{
			"strategy_id": "s1", "positions": []any{}, "total_pnl": 150.0,
		}},
	})

	first := nextEnvelope(t, m)
	second := nextEnvelope(t, m)
	third := nextEnvelope(t, m)

	assert.Equal(t, "s1", first.Update.StrategyID)
	assert.Equal(t, 100.0, first.Update.TotalPnL)
	assert.Equal(t, "s2", second.Update.StrategyID)
	assert.Equal(t, "s1", third.Update.StrategyID)
	assert.Equal(t, 150.0, third.Update.TotalPnL)

	assert.True(t, m.Accepts("s1", first.Generation))
	assert.Equal(t, StateOpen, m.State("s1"), "first update implies acknowledgement")

	require.Eventually(t, func() bool { return m.Metrics().UpdatesDispatched == 3 }, waitFor, tick)
	metrics := m.Metrics()
	assert.Equal(t, uint64(1), metrics.UpdatesDropped)
	assert.Equal(t, uint64(4), metrics.FramesReceived)
	assert.Equal(t, 2, metrics.Handles)
}

func TestUnsubscribeDiscardsQueuedUpdates(t *testing.T) {
	m, _, conn := startManager(t, testConfig())
	st := newTestStore(t, testStrategy("s1", 100))
	rec := NewReconciler(st, m, zerolog.Nop())

	require.NoError(t, m.Subscribe("s1"))
	conn.push(t, strategyData("s1", 250))
	require.Eventually(t, func() bool { return m.Metrics().UpdatesDispatched == 1 }, waitFor, tick)

	assert.True(t, m.Unsubscribe("s1"))
	assert.False(t, m.Unsubscribe("s1"))
	assert.Equal(t, StateClosed, m.State("s1"))

	env := nextEnvelope(t, m)
	assert.Equal(t, DiscardedStale, rec.ApplyEnvelope(env))

	got, ok := st.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 100.0, got.TotalPnL)

	// Updates arriving after the unsubscribe are dropped at dispatch.
	conn.push(t, strategyData("s1", 300))
	require.Eventually(t, func() bool { return m.Metrics().UpdatesDropped == 1 }, waitFor, tick)
	got, _ = st.Get("s1")
	assert.Equal(t, 100.0, got.TotalPnL)
}

func TestResubscribeStartsNewGeneration(t *testing.T) {
	m, _, conn := startManager(t, testConfig())
	require.NoError(t, m.Subscribe("s1"))
	conn.push(t, strategyData("s1", 1))
	old := nextEnvelope(t, m)

	m.Unsubscribe("s1")
	require.NoError(t, m.Subscribe("s1"))
	assert.False(t, m.Accepts("s1", old.Generation))
	assert.Equal(t, 2, conn.count(FrameSubscribe, "s1"))
}

func TestReconnectResubscribesOpenHandles(t *testing.T) {
	cfg := testConfig()
	tr := newFakeTransport()
	m := NewManager(tr, cfg, zerolog.Nop())
	t.Cleanup(m.Shutdown)

	var mu sync.Mutex
	var statuses []Status
	m.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Subscribe("s2"))
	require.NoError(t, m.Start(context.Background()))

	first := tr.next(t)
	first.waitWritten(t, FrameSubscribe, "s1")
	first.push(t, ack("s1"))
	require.Eventually(t, func() bool { return m.State("s1") == StateOpen }, waitFor, tick)

	first.fail(fmt.Errorf("connection reset by peer"))

	second := tr.next(t)
	second.waitWritten(t, FrameSubscribe, "s1")
	second.waitWritten(t, FrameSubscribe, "s2")
	require.Eventually(t, func() bool { return m.Status().Connected }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	var sawFailure bool
	for _, s := range statuses {
		if !s.Connected && errors.Is(s.LastError, errors.ErrChannel) {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure, "status listeners should see the channel failure")
	assert.Equal(t, uint64(1), m.Metrics().Reconnects)
}

func TestReconnectBudgetExhaustedLeavesHandlesErrored(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	tr := newFakeTransport()
	tr.setDialErr(fmt.Errorf("connection refused"))
	m := NewManager(tr, cfg, zerolog.Nop())
	t.Cleanup(m.Shutdown)

	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return tr.dialCount() == 3 }, waitFor, tick)
	assert.Never(t, func() bool { return tr.dialCount() > 3 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateErrored, m.State("s1"))

	status := m.Status()
	assert.False(t, status.Connected)
	assert.True(t, errors.Is(status.LastError, errors.ErrChannel))

	// A new watch call redials with a fresh budget.
	require.NoError(t, m.Subscribe("s1"))
	require.Eventually(t, func() bool { return tr.dialCount() == 6 }, waitFor, tick)
	assert.Never(t, func() bool { return tr.dialCount() > 6 }, 50*time.Millisecond, tick)
	require.Eventually(t, func() bool { return m.State("s1") == StateErrored }, waitFor, tick)
}

func TestResubscribeAfterGivingUpRedials(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	tr := newFakeTransport()
	tr.setDialErr(fmt.Errorf("connection refused"))
	m := NewManager(tr, cfg, zerolog.Nop())
	t.Cleanup(m.Shutdown)

	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return tr.dialCount() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return m.State("s1") == StateErrored }, waitFor, tick)

	tr.setDialErr(nil)
	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Start(context.Background()))

	conn := tr.next(t)
	require.Eventually(t, func() bool { return m.Status().Connected }, waitFor, tick)
	conn.waitWritten(t, FrameSubscribe, "s1")
	conn.push(t, ack("s1"))
	require.Eventually(t, func() bool { return m.State("s1") == StateOpen }, waitFor, tick)
	assert.Equal(t, 3, tr.dialCount())
}

func TestStartAfterGivingUpRedials(t *testing.T) {
	m, tr, conn := startManager(t, testConfig())
	require.NoError(t, m.Subscribe("s1"))
	conn.fail(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "restart"})
	require.Eventually(t, func() bool { return m.State("s1") == StateErrored }, waitFor, tick)
	assert.Never(t, func() bool { return tr.dialCount() > 1 }, 50*time.Millisecond, tick)

	require.NoError(t, m.Start(context.Background()))
	tr.next(t)
	require.Eventually(t, func() bool { return m.Status().Connected }, waitFor, tick)
	assert.Equal(t, 2, tr.dialCount())
	// Handles errored by the clean close stay terminal.
	assert.Equal(t, StateErrored, m.State("s1"))
}

func TestSubscribeAfterContextCancelReportsNotConnected(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, testConfig(), zerolog.Nop())
	t.Cleanup(m.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	tr.next(t)
	cancel()

	err := m.Subscribe("s1")
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.Equal(t, StateErrored, m.State("s1"))
}

func TestCleanServerCloseDoesNotReconnect(t *testing.T) {
	m, tr, conn := startManager(t, testConfig())
	require.NoError(t, m.Subscribe("s1"))

	conn.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"})

	require.Eventually(t, func() bool { return m.State("s1") == StateErrored }, waitFor, tick)
	assert.Never(t, func() bool { return tr.dialCount() > 1 }, 50*time.Millisecond, tick)
	assert.False(t, m.Status().Connected)
}

func TestServerErrorFrameErrorsOneHandle(t *testing.T) {
	m, _, conn := startManager(t, testConfig())
	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Subscribe("s2"))
	conn.push(t, ack("s1"))
	conn.push(t, ack("s2"))
	require.Eventually(t, func() bool { return m.State("s2") == StateOpen }, waitFor, tick)

	conn.push(t, map[string]any{"type": "error", "strategy_id": "s1", "message": "strategy not found"})
	require.Eventually(t, func() bool { return m.State("s1") == StateErrored }, waitFor, tick)
	assert.Equal(t, StateOpen, m.State("s2"))
	assert.True(t, m.Status().Connected)

	require.NoError(t, m.Subscribe("s1"))
	assert.Equal(t, 2, conn.count(FrameSubscribe, "s1"))
}

func TestRejectedSubscription(t *testing.T) {
	m, _, conn := startManager(t, testConfig())
	require.NoError(t, m.Subscribe("s1"))
	conn.push(t, map[string]any{
		"type": FrameSubscriptionResult, "strategy_id": "s1",
		"result": map[string]any{"type": "error", "message": "not yours"},
	})
	require.Eventually(t, func() bool { return m.State("s1") == StateErrored }, waitFor, tick)
	assert.Equal(t, 0, conn.count(FrameGetPnL, "s1"))
}

func TestMarketDataHandler(t *testing.T) {
	m, _, conn := startManager(t, testConfig())

	got := make(chan models.MarketData, 1)
	m.OnMarketData(func(md models.MarketData) { got <- md })

	conn.push(t, map[string]any{"type": FrameMarketData, "data": map[string]any{"stock_name": "NIFTY", "LTP": 17931.5}})

	select {
	case md := <-got:
		assert.Equal(t, "NIFTY", md.Symbol)
		assert.Equal(t, 17931.5, md.LTP)
	case <-time.After(waitFor):
		t.Fatal("market data not delivered")
	}
}

func TestRequestSnapshot(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, testConfig(), zerolog.Nop())
	t.Cleanup(m.Shutdown)

	assert.True(t, errors.Is(m.RequestSnapshot("s1"), errors.ErrStrategyNotFound))
	require.NoError(t, m.Subscribe("s1"))
	assert.True(t, errors.Is(m.RequestSnapshot("s1"), errors.ErrNotConnected))

	require.NoError(t, m.Start(context.Background()))
	conn := tr.next(t)
	require.Eventually(t, func() bool { return m.Status().Connected }, waitFor, tick)

	require.NoError(t, m.RequestSnapshot("s1"))
	conn.waitWritten(t, FrameGetPnL, "s1")
}

func TestKeepalivePings(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	_, _, conn := startManager(t, cfg)
	conn.waitWritten(t, FramePing, "")
}

func TestShutdownIsIdempotent(t *testing.T) {
	m, _, conn := startManager(t, testConfig())
	require.NoError(t, m.Subscribe("s1"))

	m.Shutdown()
	m.Shutdown()

	_, open := <-m.Updates()
	assert.False(t, open)
	assert.False(t, m.Status().Connected)
	assert.Empty(t, m.Handles())
	assert.True(t, errors.Is(m.Subscribe("s1"), errors.ErrManagerClosed))
	assert.True(t, errors.Is(m.Start(context.Background()), errors.ErrManagerClosed))

	select {
	case <-conn.closed:
	default:
		t.Error("connection should be closed")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	m := NewManager(newFakeTransport(), testConfig(), zerolog.Nop())
	m.Shutdown()
	m.Shutdown()
	_, open := <-m.Updates()
	assert.False(t, open)
}

func TestShutdownFromErroredState(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	tr := newFakeTransport()
	tr.setDialErr(fmt.Errorf("no route to host"))
	m := NewManager(tr, cfg, zerolog.Nop())

	require.NoError(t, m.Subscribe("s1"))
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State("s1") == StateErrored }, waitFor, tick)

	assert.NotPanics(t, func() {
		m.Shutdown()
		m.Shutdown()
	})
}

func TestHandleStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "errored", StateErrored.String())
}
