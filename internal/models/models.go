// Package models provides domain models for the strategy builder.
package models

import "strings"

// ExchangeSegment identifies the exchange segment an underlying trades on.
type ExchangeSegment string

const (
	SegmentNSEFO ExchangeSegment = "NSEFO" // NSE F&O
	SegmentBSEFO ExchangeSegment = "BSEFO" // BSE F&O
)

// OptionType is the option right of a contract.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// Valid reports whether t is CE or PE.
func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// ParseOptionType parses CE/PE, case-insensitive. CALL and PUT are accepted too.
func ParseOptionType(s string) (OptionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CE", "CALL", "C":
		return OptionTypeCall, true
	case "PE", "PUT", "P":
		return OptionTypePut, true
	default:
		return "", false
	}
}

// OrderSide represents the direction of a leg.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// ParseOrderSide parses BUY/SELL, case-insensitive.
func ParseOrderSide(s string) (OrderSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "LONG":
		return OrderSideBuy, true
	case "SELL", "S", "SHORT":
		return OrderSideSell, true
	default:
		return "", false
	}
}

// StrategyType is the server-side classification of a strategy.
type StrategyType string

const (
	StrategyStraddle   StrategyType = "straddle"
	StrategyStrangle   StrategyType = "strangle"
	StrategyIronCondor StrategyType = "iron_condor"
	StrategyButterfly  StrategyType = "butterfly"
	StrategyCustom     StrategyType = "custom"
)

// Valid reports whether t is a known strategy type.
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyStraddle, StrategyStrangle, StrategyIronCondor, StrategyButterfly, StrategyCustom:
		return true
	}
	return false
}

// Underlying is an instrument options are written on.
type Underlying struct {
	Symbol          string          `json:"underlying"`
	ExchangeSegment ExchangeSegment `json:"exchange_segment"`
}

// ExpiryDate is an exchange-formatted expiry such as "Dec 26 2024".
type ExpiryDate struct {
	ExpiryDate string `json:"expiry_date"`
}

// String returns the raw expiry string.
func (e ExpiryDate) String() string {
	return e.ExpiryDate
}
