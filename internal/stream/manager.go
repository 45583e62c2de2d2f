// Package stream maintains the push channel to the strategy service and delivers
// per-strategy updates to the reconciler.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/logging"
	"strategy-builder/internal/models"
	"strategy-builder/pkg/utils"
)

// HandleState is the lifecycle state of one strategy subscription.
type HandleState int

const (
	StateConnecting HandleState = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s HandleState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Config holds manager configuration.
type Config struct {
	// MaxReconnectAttempts is the number of redials after a channel failure.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
	// UpdateBuffer bounds the queue between the read loop and the reconciler.
	UpdateBuffer int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		PingInterval:         30 * time.Second,
		UpdateBuffer:         256,
	}
}

// Envelope carries an update together with the generation of the handle that
// was active when it was dispatched.
type Envelope struct {
	Update     models.StrategyUpdate
	Generation uint64
}

// Status is the connectivity signal exposed to the presentation layer.
type Status struct {
	Connected bool
	LastError error
	Since     time.Time
}

// HandleInfo is a read-only view of a subscription handle.
type HandleInfo struct {
	StrategyID string
	State      HandleState
	Since      time.Time
}

// Metrics contains manager counters.
type Metrics struct {
	FramesReceived    uint64
	UpdatesDispatched uint64
	UpdatesDropped    uint64
	Reconnects        uint64
	Handles           int
}

type handle struct {
	id         string
	state      HandleState
	generation uint64
	since      time.Time
	// resume marks errored handles that are re-subscribed on the next connect.
	resume bool
}

// Manager multiplexes strategy subscriptions over one push channel.
type Manager struct {
	config    Config
	transport Transport
	logger    zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*handle
	// applyMu is held for reading while an accepted update is applied and for
	// writing while a handle is torn down.
	applyMu sync.RWMutex
	nextGen uint64
	conn    Conn
	status  Status
	started bool
	closed  bool
	// running is true while a run loop is dialing or connected.
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc

	statusListeners []func(Status)
	onMarket        func(models.MarketData)

	updates   chan Envelope
	wg        sync.WaitGroup
	closeOnce sync.Once

	framesReceived    uint64
	updatesDispatched uint64
	updatesDropped    uint64
	reconnects        uint64
	metricsMu         sync.RWMutex
}

// NewManager creates a manager. Nothing is dialed until Start.
func NewManager(transport Transport, cfg Config, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = def.UpdateBuffer
	}

	return &Manager{
		config:    cfg,
		transport: transport,
		logger:    logging.WithComponent(logger, "stream"),
		handles:   make(map[string]*handle),
		updates:   make(chan Envelope, cfg.UpdateBuffer),
	}
}

// Start begins dialing in the background and returns immediately. Channel
// failures are reported through Status, never returned. Calling Start after
// the run loop gave up redials with a fresh attempt budget.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrManagerClosed
	}
	if !m.started {
		m.started = true
		m.runCtx, m.cancel = context.WithCancel(ctx)
	}
	m.relaunchLocked()
	return nil
}

// relaunchLocked starts a run loop unless one is alive. It reports false when
// the manager's context is already done. m.mu must be held.
func (m *Manager) relaunchLocked() bool {
	if m.runCtx.Err() != nil {
		return false
	}
	if m.running {
		return true
	}
	m.running = true
	m.wg.Add(1)
	go m.run(m.runCtx)
	return true
}

// Shutdown closes the channel, tears down every handle and closes Updates.
// It is safe to call more than once and in any state.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		m.applyMu.Lock()
		m.mu.Lock()
		m.closed = true
		if m.cancel != nil {
			m.cancel()
		}
		conn := m.conn
		m.conn = nil
		for id := range m.handles {
			delete(m.handles, id)
		}
		m.mu.Unlock()
		m.applyMu.Unlock()

		if conn != nil {
			conn.Close()
		}
		m.wg.Wait()
		close(m.updates)

		m.setStatus(false, nil)
		m.logger.Debug().Msg("subscription manager stopped")
	})
}

// Updates returns the queue consumed by the reconciler. It is closed by Shutdown.
func (m *Manager) Updates() <-chan Envelope {
	return m.updates
}

// OnStatus registers a connectivity listener. Listeners run on the manager's
// goroutines and must not block.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	m.statusListeners = append(m.statusListeners, fn)
	m.mu.Unlock()
}

// OnMarketData registers a handler for underlying quotes.
func (m *Manager) OnMarketData(fn func(models.MarketData)) {
	m.mu.Lock()
	m.onMarket = fn
	m.mu.Unlock()
}

// Status returns the current connectivity signal.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe starts watching id. It is a no-op while a handle for id is
// connecting or open, and returns before the service acknowledges.
func (m *Manager) Subscribe(id string) error {
	if id == "" {
		return errors.NewInvalidInputError("strategy_id", id, "strategy id is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.ErrManagerClosed
	}
	if h, ok := m.handles[id]; ok && (h.state == StateConnecting || h.state == StateOpen) {
		m.mu.Unlock()
		return nil
	}
	from := StateClosed
	if h, ok := m.handles[id]; ok {
		from = h.state
	}
	m.nextGen++
	h := &handle{id: id, state: StateConnecting, generation: m.nextGen, since: time.Now()}
	m.handles[id] = h
	conn := m.conn
	// A run loop that gave up is restarted so the new handle gets a dial.
	if m.started && !m.relaunchLocked() {
		h.state = StateErrored
	}
	to := h.state
	m.mu.Unlock()

	logging.LogSubscription(m.logger, id, from.String(), to.String())
	if to == StateErrored {
		return errors.ErrNotConnected
	}

	if conn != nil {
		m.send(conn, subscribeFrame(id))
	}
	return nil
}

// Unsubscribe tears down the handle for id. It waits for an update for id that
// is being applied; updates still queued are discarded at apply time. The
// channel stays open.
func (m *Manager) Unsubscribe(id string) bool {
	m.applyMu.Lock()
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
	}
	m.mu.Unlock()
	m.applyMu.Unlock()

	if ok {
		logging.LogSubscription(m.logger, id, h.state.String(), StateClosed.String())
	}
	return ok
}

// RequestSnapshot asks the service to push the current P&L for id.
func (m *Manager) RequestSnapshot(id string) error {
	m.mu.RLock()
	_, ok := m.handles[id]
	conn := m.conn
	m.mu.RUnlock()

	if !ok {
		return errors.Wrapf(errors.ErrStrategyNotFound, "no subscription for %s", id)
	}
	if conn == nil {
		return errors.ErrNotConnected
	}
	if err := conn.WriteJSON(snapshotFrame(id)); err != nil {
		return errors.NewChannelError("write", err)
	}
	return nil
}

// Accepts reports whether an envelope dispatched under generation may still be
// applied for id.
func (m *Manager) Accepts(id string, generation uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return ok && h.generation == generation
}

// ApplyIfAccepted runs apply if an envelope dispatched under generation may
// still be applied for id, and reports whether it ran. The handle cannot be
// torn down while apply runs, so apply must not unsubscribe.
func (m *Manager) ApplyIfAccepted(id string, generation uint64, apply func()) bool {
	m.applyMu.RLock()
	defer m.applyMu.RUnlock()
	if !m.Accepts(id, generation) {
		return false
	}
	apply()
	return true
}

// State returns the state of the handle for id. Ids without a handle are closed.
func (m *Manager) State(id string) HandleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.handles[id]; ok {
		return h.state
	}
	return StateClosed
}

// Handles returns all live handles ordered by strategy id.
func (m *Manager) Handles() []HandleInfo {
	m.mu.RLock()
	out := make([]HandleInfo, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, HandleInfo{StrategyID: h.id, State: h.state, Since: h.since})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// Metrics returns manager counters.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	handles := len(m.handles)
	m.mu.RUnlock()

	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return Metrics{
		FramesReceived:    m.framesReceived,
		UpdatesDispatched: m.updatesDispatched,
		UpdatesDropped:    m.updatesDropped,
		Reconnects:        m.reconnects,
		Handles:           handles,
	}
}

// run dials, reads until the channel fails, and redials with exponential backoff.
// Each run starts with the full attempt budget.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	attempt := 0
	for {
		conn, err := m.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.channelFailed(errors.NewChannelError("dial", err))
		} else {
			attempt = 0
			if !m.connected(ctx, conn) {
				conn.Close()
				return
			}
			err = m.readLoop(ctx, conn)
			m.disconnected(conn)
			if ctx.Err() != nil {
				return
			}
			m.channelFailed(errors.NewChannelError("read", err))
			if IsCleanClose(err) {
				m.logger.Info().Err(err).Msg("server closed update channel")
				if m.giveUp() {
					return
				}
			}
		}

		if attempt >= m.config.MaxReconnectAttempts {
			m.logger.Warn().Int("attempts", attempt).Msg("max reconnection attempts reached")
			if m.giveUp() {
				return
			}
			attempt = 0
		}
		delay := utils.CalculateBackoff(attempt, m.config.ReconnectBaseDelay, m.config.ReconnectMaxDelay, 2)
		attempt++
		m.logger.Info().Int("attempt", attempt).Int("max", m.config.MaxReconnectAttempts).
			Dur("delay", delay).Msg("reconnecting update channel")
		if err := utils.Sleep(ctx, delay); err != nil {
			return
		}
		m.metricsMu.Lock()
		m.reconnects++
		m.metricsMu.Unlock()
	}
}

// connected installs conn and re-issues subscribe frames for every handle that
// is waiting for one. It returns false if the manager was shut down meanwhile.
func (m *Manager) connected(ctx context.Context, conn Conn) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	var pending []string
	for id, h := range m.handles {
		switch {
		case h.state == StateConnecting:
			pending = append(pending, id)
		case h.state == StateErrored && h.resume:
			h.state = StateConnecting
			h.resume = false
			h.since = time.Now()
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()

	m.setStatus(true, nil)
	m.logger.Info().Int("subscriptions", len(pending)).Msg("update channel connected")

	sort.Strings(pending)
	for _, id := range pending {
		m.send(conn, subscribeFrame(id))
	}

	if m.config.PingInterval > 0 {
		m.wg.Add(1)
		go m.keepalive(ctx, conn)
	}
	return true
}

func (m *Manager) disconnected(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

// channelFailed moves open and connecting handles to errored and marks them for
// resubscription.
func (m *Manager) channelFailed(err error) {
	m.mu.Lock()
	var moved []*handle
	for _, h := range m.handles {
		if h.state == StateOpen || h.state == StateConnecting {
			moved = append(moved, &handle{id: h.id, state: h.state})
			h.state = StateErrored
			h.resume = true
			h.since = time.Now()
		}
	}
	m.mu.Unlock()

	for _, h := range moved {
		logging.LogSubscription(m.logger, h.id, h.state.String(), StateErrored.String())
	}
	m.logger.Warn().Err(err).Msg("update channel failed")
	m.setStatus(false, err)
}

// giveUp leaves every errored handle terminal and marks the run loop as exited.
// It returns false when a handle was subscribed after the channel failed; that
// handle is owed a dial, so the loop keeps going with a fresh budget.
func (m *Manager) giveUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		if h.state == StateConnecting {
			return false
		}
	}
	for _, h := range m.handles {
		h.resume = false
	}
	m.running = false
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.metricsMu.Lock()
		m.framesReceived++
		m.metricsMu.Unlock()

		frame, err := DecodeFrame(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		m.handleFrame(ctx, conn, frame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, conn Conn, frame Frame) {
	switch frame.Type {
	case FrameConnected, FramePong:
		m.logger.Debug().Str("type", frame.Type).Str("message", frame.Message).Msg("control frame")

	case FrameSubscriptionResult:
		m.acknowledge(conn, frame)

	case FrameStrategyPnL, FrameStrategyData:
		if frame.Update == nil || frame.Update.StrategyID == "" {
			m.logger.Debug().Str("type", frame.Type).Msg("update frame without strategy")
			return
		}
		m.dispatch(ctx, *frame.Update)

	case FrameMarketData:
		m.mu.RLock()
		fn := m.onMarket
		m.mu.RUnlock()
		if fn != nil && frame.Market != nil {
			fn(*frame.Market)
		}

	case FrameError:
		m.serverError(frame)

	default:
		m.logger.Debug().Str("type", frame.Type).Msg("unhandled frame")
	}
}

// acknowledge opens the handle named by the frame, or every connecting handle
// when the service omits the id.
func (m *Manager) acknowledge(conn Conn, frame Frame) {
	m.mu.Lock()
	var targets []*handle
	if frame.StrategyID != "" {
		if h, ok := m.handles[frame.StrategyID]; ok && h.state == StateConnecting {
			targets = append(targets, h)
		}
	} else {
		for _, h := range m.handles {
			if h.state == StateConnecting {
				targets = append(targets, h)
			}
		}
	}
	to := StateOpen
	if !frame.Acknowledged {
		to = StateErrored
	}
	ids := make([]string, 0, len(targets))
	for _, h := range targets {
		h.state = to
		h.resume = false
		h.since = time.Now()
		ids = append(ids, h.id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		logging.LogSubscription(m.logger, id, StateConnecting.String(), to.String())
		if to == StateOpen {
			m.send(conn, snapshotFrame(id))
		}
	}
	if !frame.Acknowledged {
		m.logger.Warn().Str("strategy_id", frame.StrategyID).Str("message", frame.Message).Msg("subscription rejected")
	}
}

// dispatch hands an update to the reconciler queue. Updates for ids without a
// handle are dropped here; the send blocks when the queue is full.
func (m *Manager) dispatch(ctx context.Context, update models.StrategyUpdate) {
	m.mu.Lock()
	h, ok := m.handles[update.StrategyID]
	if !ok {
		m.mu.Unlock()
		m.metricsMu.Lock()
		m.updatesDropped++
		m.metricsMu.Unlock()
		m.logger.Debug().Str("strategy_id", update.StrategyID).Msg("dropping update for unwatched strategy")
		return
	}
	promoted := false
	if h.state == StateConnecting {
		h.state = StateOpen
		h.since = time.Now()
		promoted = true
	}
	gen := h.generation
	m.mu.Unlock()

	if promoted {
		logging.LogSubscription(m.logger, update.StrategyID, StateConnecting.String(), StateOpen.String())
	}

	select {
	case m.updates <- Envelope{Update: update, Generation: gen}:
		m.metricsMu.Lock()
		m.updatesDispatched++
		m.metricsMu.Unlock()
	case <-ctx.Done():
	}
}

func (m *Manager) serverError(frame Frame) {
	err := errors.NewChannelError("server", errors.New(frame.Message))
	if frame.StrategyID == "" {
		m.logger.Warn().Err(err).Msg("server error frame")
		m.mu.RLock()
		connected := m.status.Connected
		m.mu.RUnlock()
		m.setStatus(connected, err)
		return
	}

	m.mu.Lock()
	h, ok := m.handles[frame.StrategyID]
	from := StateClosed
	if ok {
		from = h.state
		h.state = StateErrored
		h.resume = false
		h.since = time.Now()
	}
	m.mu.Unlock()

	if ok {
		logging.LogSubscription(m.logger, frame.StrategyID, from.String(), StateErrored.String())
	}
	log := logging.WithStrategy(m.logger, frame.StrategyID)
	log.Warn().Err(err).Msg("server error frame")
}

func (m *Manager) keepalive(ctx context.Context, conn Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			current := m.conn == conn
			m.mu.RUnlock()
			if !current {
				return
			}
			if err := conn.WriteJSON(pingFrame()); err != nil {
				m.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (m *Manager) send(conn Conn, frame ClientFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		m.logger.Warn().Err(err).Str("type", frame.Type).Str("strategy_id", frame.StrategyID).Msg("write failed")
	}
}

func (m *Manager) setStatus(connected bool, err error) {
	m.mu.Lock()
	changed := m.status.Connected != connected || m.status.LastError != err
	if !changed {
		m.mu.Unlock()
		return
	}
	m.status = Status{Connected: connected, LastError: err, Since: time.Now()}
	status := m.status
	listeners := make([]func(Status), len(m.statusListeners))
	copy(listeners, m.statusListeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}
