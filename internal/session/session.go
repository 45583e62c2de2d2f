// Package session wires the builder, the strategy store, the strategy service and
// the subscription manager into the operations the CLI exposes.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"strategy-builder/internal/builder"
	"strategy-builder/internal/errors"
	"strategy-builder/internal/logging"
	"strategy-builder/internal/models"
	"strategy-builder/internal/store"
	"strategy-builder/internal/stream"
)

// Service is the part of the strategy service client the session uses.
type Service interface {
	ListUnderlyings(ctx context.Context, segment models.ExchangeSegment) ([]models.Underlying, error)
	ExpiryDates(ctx context.Context, underlying string, segment models.ExchangeSegment, series string) ([]models.ExpiryDate, error)
	OptionChain(ctx context.Context, underlying, expiryDate string) (*models.OptionChain, error)

	CreateStrategy(ctx context.Context, req models.StrategyRequest) (models.Strategy, error)
	CreateStraddle(ctx context.Context, req models.StrategyRequest) (models.Strategy, error)
	CreateStrangle(ctx context.Context, req models.StrategyRequest) (models.Strategy, error)

	GetStrategy(ctx context.Context, id string) (models.Strategy, error)
	ListStrategies(ctx context.Context) ([]models.Strategy, error)
	AddPosition(ctx context.Context, id string, req models.AddPositionRequest) (models.Strategy, error)
	RemovePosition(ctx context.Context, id, positionID string) error
	SubscribeStrategy(ctx context.Context, id string) error
	DeleteStrategy(ctx context.Context, id string) error
}

// Subscriber is the part of the subscription manager the session uses.
type Subscriber interface {
	Subscribe(id string) error
	Unsubscribe(id string) bool
	Status() stream.Status
}

// Config holds session defaults.
type Config struct {
	Segment         models.ExchangeSegment
	DefaultQuantity int
}

// PositionParams describes a single contract to add to an existing strategy.
// Price defaults to the chain's last traded price.
type PositionParams struct {
	Strike     float64
	OptionType models.OptionType
	Side       models.OrderSide
	Quantity   int
	Price      float64
}

// Session holds the state of one user session: reference data, the current
// chain, the selection set and the strategy store.
type Session struct {
	service   Service
	store     *store.StrategyStore
	subs      Subscriber
	selection *builder.SelectionSet
	config    Config
	logger    zerolog.Logger

	mu          sync.RWMutex
	underlyings []models.Underlying
	expiries    []models.ExpiryDate
	chain       *models.OptionChain
}

// New creates a session. subs may be nil, in which case live updates are off.
func New(service Service, st *store.StrategyStore, subs Subscriber, cfg Config, logger zerolog.Logger) *Session {
	if cfg.Segment == "" {
		cfg.Segment = models.SegmentNSEFO
	}
	if cfg.DefaultQuantity <= 0 {
		cfg.DefaultQuantity = 1
	}

	s := &Session{
		service:   service,
		store:     st,
		subs:      subs,
		selection: builder.NewSelectionSet(),
		config:    cfg,
		logger:    logging.WithComponent(logger, "session"),
	}

	// Removing a strategy tears down its subscription.
	st.OnChange(func(c store.Change) {
		if c.Kind == store.ChangeRemoved && s.subs != nil {
			s.subs.Unsubscribe(c.StrategyID)
		}
	})
	return s
}

// Start loads the underlying list and the user's strategies concurrently. A
// failure in one does not prevent the other; both are reported.
func (s *Session) Start(ctx context.Context) error {
	var mu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		underlyings, err := s.service.ListUnderlyings(gctx, s.config.Segment)
		if err != nil {
			mu.Lock()
			errs = append(errs, errors.Wrap(err, "loading underlyings"))
			mu.Unlock()
			return nil
		}
		s.mu.Lock()
		s.underlyings = underlyings
		s.mu.Unlock()
		return nil
	})

	g.Go(func() error {
		if _, err := s.ReloadAll(gctx); err != nil {
			mu.Lock()
			errs = append(errs, errors.Wrap(err, "loading strategies"))
			mu.Unlock()
		}
		return nil
	})

	g.Wait()
	return errors.Join(errs...)
}

// Store returns the strategy store.
func (s *Session) Store() *store.StrategyStore {
	return s.store
}

// Selection returns the selection set for the current chain.
func (s *Session) Selection() *builder.SelectionSet {
	return s.selection
}

// Underlyings returns the cached underlying list.
func (s *Session) Underlyings() []models.Underlying {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Underlying(nil), s.underlyings...)
}

// SelectUnderlying drops the held chain and loads the expiries for symbol.
func (s *Session) SelectUnderlying(ctx context.Context, symbol string) ([]models.ExpiryDate, error) {
	if symbol == "" {
		return nil, errors.NewInvalidInputError("underlying", symbol, "is required")
	}

	s.mu.Lock()
	s.chain = nil
	s.expiries = nil
	s.mu.Unlock()
	s.selection.Clear()

	expiries, err := s.service.ExpiryDates(ctx, symbol, s.config.Segment, "")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.expiries = expiries
	s.mu.Unlock()
	return expiries, nil
}

// LoadChain fetches a fresh chain and replaces the held one. The selection set
// refers to cells of the old chain and is cleared.
func (s *Session) LoadChain(ctx context.Context, underlying, expiry string) (*models.OptionChain, error) {
	chain, err := s.service.OptionChain(ctx, underlying, expiry)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.chain = chain
	s.mu.Unlock()
	s.selection.Clear()
	return chain, nil
}

// Chain returns the held chain, or nil.
func (s *Session) Chain() *models.OptionChain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain
}

// chainFor returns the held chain when it matches, else fetches a new one.
func (s *Session) chainFor(ctx context.Context, underlying, expiry string) (*models.OptionChain, error) {
	s.mu.RLock()
	chain := s.chain
	s.mu.RUnlock()
	if chain != nil && chain.Underlying == underlying && chain.ExpiryDate == expiry {
		return chain, nil
	}
	return s.LoadChain(ctx, underlying, expiry)
}

// CreateStraddle builds an at-the-money straddle from the chain and creates it.
func (s *Session) CreateStraddle(ctx context.Context, p builder.StraddleParams) (models.Strategy, error) {
	if p.Quantity == 0 {
		p.Quantity = s.config.DefaultQuantity
	}
	if p.Underlying == "" || p.ExpiryDate == "" {
		return models.Strategy{}, errors.NewInvalidInputError("contract", p.Underlying+" "+p.ExpiryDate, "underlying and expiry are required")
	}
	chain, err := s.chainFor(ctx, p.Underlying, p.ExpiryDate)
	if err != nil {
		return models.Strategy{}, errors.NewCreationFailedError(string(models.StrategyStraddle), "loading option chain", err)
	}

	req, err := builder.BuildStraddle(chain, p)
	if err != nil {
		return models.Strategy{}, err
	}
	created, err := s.service.CreateStraddle(ctx, req)
	if err != nil {
		return models.Strategy{}, err
	}
	return s.finishCreate(ctx, req, created)
}

// CreateStrangle creates a strangle at explicit strikes.
func (s *Session) CreateStrangle(ctx context.Context, p builder.StrangleParams) (models.Strategy, error) {
	if p.Quantity == 0 {
		p.Quantity = s.config.DefaultQuantity
	}
	req, err := builder.BuildStrangle(p)
	if err != nil {
		return models.Strategy{}, err
	}
	created, err := s.service.CreateStrangle(ctx, req)
	if err != nil {
		return models.Strategy{}, err
	}
	return s.finishCreate(ctx, req, created)
}

// CreateCustom creates an empty strategy and adds one position per leg, priced
// from the chain. If any position fails the server strategy is deleted and
// nothing is stored.
func (s *Session) CreateCustom(ctx context.Context, p builder.CustomParams) (models.Strategy, error) {
	req, err := builder.BuildCustom(p)
	if err != nil {
		return models.Strategy{}, err
	}

	chain, err := s.chainFor(ctx, req.Underlying, req.ExpiryDate)
	if err != nil {
		return models.Strategy{}, errors.NewCreationFailedError(string(models.StrategyCustom), "loading option chain", err)
	}
	positions := make([]models.AddPositionRequest, 0, len(req.Legs))
	for _, leg := range req.Legs {
		pos, err := positionRequest(chain, PositionParams{
			Strike:     leg.Strike,
			OptionType: leg.OptionType,
			Side:       leg.Side,
			Quantity:   leg.Quantity,
		})
		if err != nil {
			return models.Strategy{}, err
		}
		positions = append(positions, pos)
	}

	created, err := s.service.CreateStrategy(ctx, req)
	if err != nil {
		return models.Strategy{}, err
	}

	log := logging.WithStrategy(s.logger, created.ID)
	current := created
	for _, pos := range positions {
		current, err = s.service.AddPosition(ctx, created.ID, pos)
		if err != nil {
			if delErr := s.service.DeleteStrategy(context.WithoutCancel(ctx), created.ID); delErr != nil {
				log.Warn().Err(delErr).Msg("Failed to delete partially created strategy")
			}
			return models.Strategy{}, errors.NewCreationFailedError(string(models.StrategyCustom),
				"adding position "+pos.InstrumentName, err)
		}
	}
	return s.finishCreate(ctx, req, current)
}

// finishCreate stores the created strategy, clears the selection and starts
// watching it. Watch failures do not fail creation.
func (s *Session) finishCreate(ctx context.Context, req models.StrategyRequest, created models.Strategy) (models.Strategy, error) {
	if len(created.Legs) == 0 {
		created.Legs = append([]models.Leg(nil), req.Legs...)
	}
	if created.Name == "" {
		created.Name = req.Name
	}
	if created.Underlying == "" {
		created.Underlying = req.Underlying
	}
	if created.ExpiryDate == "" {
		created.ExpiryDate = req.ExpiryDate
	}
	if created.Type == "" {
		created.Type = req.Type
	}

	if err := s.store.Load(created); err != nil {
		return models.Strategy{}, errors.NewCreationFailedError(string(req.Type), "storing created strategy", err)
	}
	s.selection.Clear()
	logging.LogStrategyCreated(s.logger, created.ID, string(created.Type), created.Underlying, len(created.Legs))

	if err := s.Watch(ctx, created.ID); err != nil {
		log := logging.WithStrategy(s.logger, created.ID)
		log.Warn().Err(err).Msg("Live updates unavailable")
	}

	stored, _ := s.store.Get(created.ID)
	return stored, nil
}

// Watch subscribes to live updates for a stored strategy. The REST subscribe
// call is best effort.
func (s *Session) Watch(ctx context.Context, id string) error {
	if !s.store.Has(id) {
		return errors.Wrapf(errors.ErrStrategyNotFound, "watch %s", id)
	}
	if s.subs == nil {
		return errors.ErrNotConnected
	}
	if err := s.subs.Subscribe(id); err != nil {
		return err
	}
	if err := s.service.SubscribeStrategy(ctx, id); err != nil {
		log := logging.WithStrategy(s.logger, id)
		log.Warn().Err(err).Msg("Subscribe request failed")
	}
	return nil
}

// Unwatch stops live updates for id.
func (s *Session) Unwatch(id string) bool {
	if s.subs == nil {
		return false
	}
	return s.subs.Unsubscribe(id)
}

// Connectivity returns the live update status.
func (s *Session) Connectivity() stream.Status {
	if s.subs == nil {
		return stream.Status{LastError: errors.ErrNotConnected}
	}
	return s.subs.Status()
}

// Strategy returns a stored strategy.
func (s *Session) Strategy(id string) (models.Strategy, bool) {
	return s.store.Get(id)
}

// Strategies returns all stored strategies in insertion order.
func (s *Session) Strategies() []models.Strategy {
	return s.store.All()
}

// Reload replaces one strategy with the server record.
func (s *Session) Reload(ctx context.Context, id string) (models.Strategy, error) {
	st, err := s.service.GetStrategy(ctx, id)
	if err != nil {
		return models.Strategy{}, err
	}
	if err := s.store.Load(st); err != nil {
		return models.Strategy{}, err
	}
	stored, _ := s.store.Get(id)
	return stored, nil
}

// ReloadAll replaces the store contents with the server list and returns the
// number of strategies loaded. Local strategies the server no longer has are removed.
func (s *Session) ReloadAll(ctx context.Context) (int, error) {
	list, err := s.service.ListStrategies(ctx)
	if err != nil {
		return 0, err
	}

	keep := make(map[string]struct{}, len(list))
	for _, st := range list {
		keep[st.ID] = struct{}{}
	}
	for _, id := range s.store.IDs() {
		if _, ok := keep[id]; !ok {
			s.store.Remove(id)
		}
	}

	loadErr := s.store.LoadAll(list)
	if loadErr != nil {
		s.logger.Warn().Err(loadErr).Msg("Some strategies could not be loaded")
	}
	return s.store.Len(), loadErr
}

// AddPosition adds a contract to an existing strategy, priced from the chain.
func (s *Session) AddPosition(ctx context.Context, id string, p PositionParams) (models.Strategy, error) {
	if p.Quantity == 0 {
		p.Quantity = s.config.DefaultQuantity
	}
	if p.Side == "" {
		p.Side = models.OrderSideBuy
	}
	if err := builder.ValidateLeg(models.Leg{Strike: p.Strike, OptionType: p.OptionType, Side: p.Side, Quantity: p.Quantity}); err != nil {
		return models.Strategy{}, err
	}

	current, err := s.lookup(ctx, id)
	if err != nil {
		return models.Strategy{}, err
	}
	chain, err := s.chainFor(ctx, current.Underlying, current.ExpiryDate)
	if err != nil {
		return models.Strategy{}, err
	}
	req, err := positionRequest(chain, p)
	if err != nil {
		return models.Strategy{}, err
	}

	updated, err := s.service.AddPosition(ctx, id, req)
	if err != nil {
		return models.Strategy{}, err
	}
	if len(updated.Legs) == 0 && len(updated.Positions) == 0 {
		return s.Reload(ctx, id)
	}
	if err := s.store.Load(updated); err != nil {
		return models.Strategy{}, err
	}
	stored, _ := s.store.Get(id)
	return stored, nil
}

// RemovePosition removes one position. A strategy must keep at least one leg,
// so removing the last position is refused; delete the strategy instead.
func (s *Session) RemovePosition(ctx context.Context, id, positionID string) (models.Strategy, error) {
	current, err := s.lookup(ctx, id)
	if err != nil {
		return models.Strategy{}, err
	}

	found := false
	for _, p := range current.Positions {
		if p.PositionID == positionID {
			found = true
			break
		}
	}
	if !found {
		return models.Strategy{}, errors.NewInvalidInputError("position_id", positionID, "no such position in strategy "+id)
	}
	if len(current.Positions) == 1 {
		return models.Strategy{}, errors.NewInvalidInputError("position_id", positionID,
			"cannot remove the last position; delete the strategy instead")
	}

	if err := s.service.RemovePosition(ctx, id, positionID); err != nil {
		return models.Strategy{}, err
	}
	// The service does not return the strategy after a removal.
	return s.Reload(ctx, id)
}

// DeleteStrategy deletes a strategy on the service and removes it locally. A
// strategy the service no longer knows is still removed locally.
func (s *Session) DeleteStrategy(ctx context.Context, id string) error {
	err := s.service.DeleteStrategy(ctx, id)
	if err != nil && !errors.Is(err, errors.ErrStrategyNotFound) {
		return err
	}
	if !s.store.Remove(id) && err != nil {
		return err
	}
	return nil
}

// lookup returns the stored strategy, fetching it from the service if needed.
func (s *Session) lookup(ctx context.Context, id string) (models.Strategy, error) {
	if st, ok := s.store.Get(id); ok {
		return st, nil
	}
	return s.Reload(ctx, id)
}

func positionRequest(chain *models.OptionChain, p PositionParams) (models.AddPositionRequest, error) {
	quote, ok := chain.Quote(p.Strike, p.OptionType)
	if !ok {
		return models.AddPositionRequest{}, errors.NewInvalidInputError("strike", builder.SelectionKey(p.Strike, p.OptionType),
			"no quote in the option chain for "+chain.Underlying+" "+chain.ExpiryDate)
	}
	price := p.Price
	if price <= 0 {
		price = quote.LTP
	}
	return models.AddPositionRequest{
		InstrumentID:   quote.InstrumentID,
		InstrumentName: quote.Name,
		OptionType:     p.OptionType,
		Strike:         p.Strike,
		Quantity:       p.Quantity,
		Side:           p.Side,
		AvgPrice:       price,
	}, nil
}
