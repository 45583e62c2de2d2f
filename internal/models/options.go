package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OptionChain is a snapshot of all strikes for one underlying and expiry.
// Chains are replaced wholesale on reload, never patched.
type OptionChain struct {
	Type       string         `json:"type,omitempty"`
	Underlying string         `json:"underlying"`
	ExpiryDate string         `json:"expiry_date,omitempty"`
	SpotPrice  float64        `json:"spot_price"`
	Strikes    []OptionStrike `json:"option_chain"`
}

// OptionStrike is a single row in the option chain.
type OptionStrike struct {
	Strike float64      `json:"strike"`
	Call   *OptionQuote `json:"ce,omitempty"`
	Put    *OptionQuote `json:"pe,omitempty"`
}

// OptionQuote is the market data for one contract. The core treats it as opaque.
type OptionQuote struct {
	InstrumentID  InstrumentID `json:"ExchangeInstrumentID"`
	Name          string       `json:"Name"`
	LTP           float64      `json:"LTP,omitempty"`
	Bid           float64      `json:"Bid,omitempty"`
	Ask           float64      `json:"Ask,omitempty"`
	High          float64      `json:"High,omitempty"`
	Low           float64      `json:"Low,omitempty"`
	Volume        int64        `json:"Volume,omitempty"`
	OpenInterest  int64        `json:"OpenInterest,omitempty"`
	Change        float64      `json:"Change,omitempty"`
	ChangePercent float64      `json:"ChangePercent,omitempty"`
	IV            float64      `json:"IV,omitempty"`
}

// Normalize sorts strikes ascending and rejects duplicate strike prices.
func (c *OptionChain) Normalize() error {
	sort.SliceStable(c.Strikes, func(i, j int) bool {
		return c.Strikes[i].Strike < c.Strikes[j].Strike
	})
	for i := 1; i < len(c.Strikes); i++ {
		if c.Strikes[i].Strike == c.Strikes[i-1].Strike {
			return fmt.Errorf("duplicate strike %v in option chain", c.Strikes[i].Strike)
		}
	}
	return nil
}

// IsEmpty reports whether the chain has no strikes.
func (c *OptionChain) IsEmpty() bool {
	return c == nil || len(c.Strikes) == 0
}

// Strike looks up a row by strike price. Strikes must be normalized.
func (c *OptionChain) Strike(price float64) (OptionStrike, bool) {
	if c == nil {
		return OptionStrike{}, false
	}
	i := sort.Search(len(c.Strikes), func(i int) bool {
		return c.Strikes[i].Strike >= price
	})
	if i < len(c.Strikes) && c.Strikes[i].Strike == price {
		return c.Strikes[i], true
	}
	return OptionStrike{}, false
}

// Quote returns the quote for a strike and option type, if listed.
func (c *OptionChain) Quote(price float64, t OptionType) (*OptionQuote, bool) {
	row, ok := c.Strike(price)
	if !ok {
		return nil, false
	}
	var q *OptionQuote
	switch t {
	case OptionTypeCall:
		q = row.Call
	case OptionTypePut:
		q = row.Put
	}
	return q, q != nil
}

// StrikePrices returns all strike prices in chain order.
func (c *OptionChain) StrikePrices() []float64 {
	if c == nil {
		return nil
	}
	prices := make([]float64, len(c.Strikes))
	for i, s := range c.Strikes {
		prices[i] = s.Strike
	}
	return prices
}

// Window returns up to n strikes on each side of center, inclusive.
func (c *OptionChain) Window(center float64, n int) []OptionStrike {
	if c == nil || len(c.Strikes) == 0 {
		return nil
	}
	if n <= 0 {
		return c.Strikes
	}
	idx := sort.Search(len(c.Strikes), func(i int) bool {
		return c.Strikes[i].Strike >= center
	})
	lo := idx - n
	if lo < 0 {
		lo = 0
	}
	hi := idx + n + 1
	if hi > len(c.Strikes) {
		hi = len(c.Strikes)
	}
	return c.Strikes[lo:hi]
}

// InstrumentID is an exchange instrument identifier. The service sends it
// either as a JSON number or as a numeric string.
type InstrumentID int64

// UnmarshalJSON accepts 123, "123", null and "".
func (id *InstrumentID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("instrument id %s: %w", string(b), err)
	}
	*id = InstrumentID(n)
	return nil
}
