package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"strategy-builder/internal/models"
	"strategy-builder/internal/store"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeConn is an in-memory Conn. Frames pushed by the test are read in order.
type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written []ClientFrame
	err     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return fmt.Errorf("write on closed connection")
	default:
	}
	frame, ok := v.(ClientFrame)
	if !ok {
		return fmt.Errorf("unexpected frame %T", v)
	}
	c.mu.Lock()
	c.written = append(c.written, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.fail(fmt.Errorf("use of closed network connection"))
	return nil
}

// fail makes the pending and all future reads return err.
func (c *fakeConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) count(frameType, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.written {
		if f.Type == frameType && f.StrategyID == id {
			n++
		}
	}
	return n
}

func (c *fakeConn) waitWritten(t *testing.T, frameType, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count(frameType, id) > 0 }, waitFor, tick,
		"expected %s frame for %q", frameType, id)
}

// fakeTransport hands out fakeConns and records dial attempts.
type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	conns   chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) setDialErr(err error) {
	t.mu.Lock()
	t.dialErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) next(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(waitFor):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

func testConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		UpdateBuffer:         16,
	}
}

// startManager starts a manager on a fake transport and waits for the first connection.
func startManager(t *testing.T, cfg Config) (*Manager, *fakeTransport, *fakeConn) {
	t.Helper()
	tr := newFakeTransport()
	m := NewManager(tr, cfg, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Shutdown)

	conn := tr.next(t)
	require.Eventually(t, func() bool { return m.Status().Connected }, waitFor, tick)
	return m, tr, conn
}

func ack(id string) map[string]any {
	return map[string]any{
		"type":        FrameSubscriptionResult,
		"strategy_id": id,
		"result":      map[string]any{"type": "success", "message": "subscribed"},
	}
}

func strategyData(id string, pnl float64) map[string]any {
	return map[string]any{
		"type": FrameStrategyData,
		"data": map[string]any{
			"strategy_id": id,
			"total_pnl":   pnl,
			"positions": []map[string]any{{
				"position_id": "p1", "instrument_id": 35000, "instrument_name": "NIFTY 17900 CE",
				"option_type": "CE", "strike": 17900, "quantity": 50, "side": "BUY",
				"avg_price": 110, "current_price": 110 + pnl/50,
			}},
		},
	}
}

func nextEnvelope(t *testing.T, m *Manager) Envelope {
	t.Helper()
	select {
	case env, ok := <-m.Updates():
		require.True(t, ok, "updates closed")
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for update")
		return Envelope{}
	}
}

func testStrategy(id string, pnl float64) models.Strategy {
	return models.Strategy{
		ID:         id,
		Name:       "NIFTY Straddle 17900",
		Underlying: "NIFTY",
		ExpiryDate: "Dec 26 2024",
		Type:       models.StrategyStraddle,
		Legs: []models.Leg{
			{Strike: 17900, OptionType: models.OptionTypeCall, Side: models.OrderSideBuy, Quantity: 50},
			{Strike: 17900, OptionType: models.OptionTypePut, Side: models.OrderSideBuy, Quantity: 50},
		},
		TotalPnL: pnl,
	}
}

func newTestStore(t testing.TB, strategies ...models.Strategy) *store.StrategyStore {
	t.Helper()
	s := store.NewStrategyStore(zerolog.Nop())
	for _, st := range strategies {
		require.NoError(t, s.Load(st))
	}
	return s
}
