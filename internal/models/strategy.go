package models

// Leg is one option contract in a strategy. Quantity is a positive lot
// multiple; Side carries the direction.
type Leg struct {
	Strike     float64    `json:"strike"`
	OptionType OptionType `json:"option_type"`
	Side       OrderSide  `json:"side"`
	Quantity   int        `json:"quantity"`
}

// SignedQuantity returns Quantity negated for SELL legs.
func (l Leg) SignedQuantity() int {
	if l.Side == OrderSideSell {
		return -l.Quantity
	}
	return l.Quantity
}

// Position is a server-reported holding within a strategy.
type Position struct {
	PositionID     string       `json:"position_id,omitempty"`
	InstrumentID   InstrumentID `json:"instrument_id"`
	InstrumentName string       `json:"instrument_name"`
	OptionType     OptionType   `json:"option_type"`
	Strike         float64      `json:"strike"`
	Quantity       int          `json:"quantity"`
	Side           OrderSide    `json:"side"`
	AvgPrice       float64      `json:"avg_price"`
	CurrentPrice   float64      `json:"current_price,omitempty"`
	UnrealizedPnL  float64      `json:"unrealized_pnl,omitempty"`
	RealizedPnL    float64      `json:"realized_pnl,omitempty"`
}

// Strategy is a named collection of legs tracked against one underlying and expiry.
// ID is assigned by the strategy service and never generated locally.
type Strategy struct {
	ID         string       `json:"strategy_id"`
	Name       string       `json:"strategy_name"`
	Underlying string       `json:"underlying"`
	ExpiryDate string       `json:"expiry_date"`
	Type       StrategyType `json:"strategy_type"`
	Legs       []Leg        `json:"legs,omitempty"`
	Positions  []Position   `json:"positions"`
	TotalPnL   float64      `json:"total_pnl"`
	CreatedAt  string       `json:"created_at,omitempty"`
	UpdatedAt  string       `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of s.
func (s Strategy) Clone() Strategy {
	out := s
	if s.Legs != nil {
		out.Legs = append([]Leg(nil), s.Legs...)
	}
	if s.Positions != nil {
		out.Positions = append([]Position(nil), s.Positions...)
	}
	return out
}

// LegsFromPositions derives one leg per non-empty position.
func LegsFromPositions(positions []Position) []Leg {
	legs := make([]Leg, 0, len(positions))
	for _, p := range positions {
		qty := p.Quantity
		side := p.Side
		if qty < 0 {
			qty = -qty
			side = OrderSideSell
		}
		if qty == 0 {
			continue
		}
		if !side.Valid() {
			side = OrderSideBuy
		}
		legs = append(legs, Leg{
			Strike:     p.Strike,
			OptionType: p.OptionType,
			Side:       side,
			Quantity:   qty,
		})
	}
	return legs
}

// StrategyUpdate is a pushed delta for a single strategy. Only positions and
// total P&L are ever carried.
type StrategyUpdate struct {
	StrategyID string     `json:"strategy_id"`
	Positions  []Position `json:"positions"`
	TotalPnL   float64    `json:"total_pnl"`
}

// StrategyRequest is a fully validated creation request produced by the builder.
type StrategyRequest struct {
	Name       string       `json:"strategy_name"`
	Underlying string       `json:"underlying"`
	ExpiryDate string       `json:"expiry_date"`
	Type       StrategyType `json:"strategy_type"`
	Legs       []Leg        `json:"legs"`
	Quantity   int          `json:"quantity,omitempty"`
	Strike     float64      `json:"strike,omitempty"`
	CEStrike   float64      `json:"ce_strike,omitempty"`
	PEStrike   float64      `json:"pe_strike,omitempty"`
}

// AddPositionRequest adds a single contract to an existing strategy.
type AddPositionRequest struct {
	InstrumentID   InstrumentID `json:"instrument_id"`
	InstrumentName string       `json:"instrument_name"`
	OptionType     OptionType   `json:"option_type"`
	Strike         float64      `json:"strike"`
	Quantity       int          `json:"quantity"`
	Side           OrderSide    `json:"side"`
	AvgPrice       float64      `json:"avg_price"`
}

// MarketData is a pushed underlying quote.
type MarketData struct {
	Symbol        string  `json:"stock_name"`
	LTP           float64 `json:"LTP,omitempty"`
	High          float64 `json:"High,omitempty"`
	Low           float64 `json:"Low,omitempty"`
	Bid           float64 `json:"Bid,omitempty"`
	Ask           float64 `json:"Ask,omitempty"`
	Volume        int64   `json:"Volume,omitempty"`
	Change        float64 `json:"Change,omitempty"`
	ChangePercent float64 `json:"ChangePercent,omitempty"`
}
