// Package builder turns user intent into validated strategy creation requests.
// Builders are pure: they never perform I/O and never touch the strategy store.
package builder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

// StraddleParams are the inputs for BuildStraddle. Underlying and ExpiryDate
// default to the chain's when empty.
type StraddleParams struct {
	Name       string
	Underlying string
	ExpiryDate string
	Quantity   int
}

// StrangleParams are the inputs for BuildStrangle.
type StrangleParams struct {
	Name       string
	Underlying string
	ExpiryDate string
	CEStrike   float64
	PEStrike   float64
	Quantity   int
}

// CustomParams are the inputs for BuildCustom.
type CustomParams struct {
	Name       string
	Underlying string
	ExpiryDate string
	Legs       []models.Leg
}

// FormatStrike renders a strike without float noise: 17900 -> "17900", 17850.5 -> "17850.5".
func FormatStrike(strike float64) string {
	return decimal.NewFromFloat(strike).String()
}

// ATMStrike returns the listed strike closest to the chain's spot price.
// Exact ties resolve to the lower strike.
func ATMStrike(chain *models.OptionChain) (float64, error) {
	if chain.IsEmpty() {
		return 0, errors.NewInvalidInputError("option_chain", nil, "option chain is empty")
	}

	spot := decimal.NewFromFloat(chain.SpotPrice)
	best := chain.Strikes[0].Strike
	bestDist := decimal.NewFromFloat(best).Sub(spot).Abs()

	for _, row := range chain.Strikes[1:] {
		dist := decimal.NewFromFloat(row.Strike).Sub(spot).Abs()
		switch dist.Cmp(bestDist) {
		case -1:
			best, bestDist = row.Strike, dist
		case 0:
			if row.Strike < best {
				best = row.Strike
			}
		}
	}
	return best, nil
}

// BuildStraddle builds a long straddle at the ATM strike: BUY CE and BUY PE.
func BuildStraddle(chain *models.OptionChain, p StraddleParams) (models.StrategyRequest, error) {
	if p.Quantity <= 0 {
		return models.StrategyRequest{}, errors.NewInvalidInputError("quantity", p.Quantity, "must be positive")
	}
	atm, err := ATMStrike(chain)
	if err != nil {
		return models.StrategyRequest{}, err
	}

	underlying := firstNonEmpty(p.Underlying, chain.Underlying)
	expiry := firstNonEmpty(p.ExpiryDate, chain.ExpiryDate)
	if err := requireContract(underlying, expiry); err != nil {
		return models.StrategyRequest{}, err
	}

	name := p.Name
	if name == "" {
		name = fmt.Sprintf("%s Straddle %s", underlying, FormatStrike(atm))
	}

	return models.StrategyRequest{
		Name:       name,
		Underlying: underlying,
		ExpiryDate: expiry,
		Type:       models.StrategyStraddle,
		Quantity:   p.Quantity,
		Strike:     atm,
		Legs: []models.Leg{
			{Strike: atm, OptionType: models.OptionTypeCall, Side: models.OrderSideBuy, Quantity: p.Quantity},
			{Strike: atm, OptionType: models.OptionTypePut, Side: models.OrderSideBuy, Quantity: p.Quantity},
		},
	}, nil
}

// BuildStrangle builds a long strangle: BUY CE at CEStrike and BUY PE at PEStrike.
// The call strike must be strictly above the put strike.
func BuildStrangle(p StrangleParams) (models.StrategyRequest, error) {
	if err := requireContract(p.Underlying, p.ExpiryDate); err != nil {
		return models.StrategyRequest{}, err
	}
	if p.Quantity <= 0 {
		return models.StrategyRequest{}, errors.NewInvalidInputError("quantity", p.Quantity, "must be positive")
	}
	if p.PEStrike <= 0 {
		return models.StrategyRequest{}, errors.NewInvalidInputError("pe_strike", p.PEStrike, "must be positive")
	}
	if p.CEStrike <= p.PEStrike {
		return models.StrategyRequest{}, errors.NewInvalidInputError("ce_strike", p.CEStrike,
			fmt.Sprintf("must be greater than pe_strike %s", FormatStrike(p.PEStrike)))
	}

	name := p.Name
	if name == "" {
		name = fmt.Sprintf("%s Strangle %s/%s", p.Underlying, FormatStrike(p.CEStrike), FormatStrike(p.PEStrike))
	}

	return models.StrategyRequest{
		Name:       name,
		Underlying: p.Underlying,
		ExpiryDate: p.ExpiryDate,
		Type:       models.StrategyStrangle,
		Quantity:   p.Quantity,
		CEStrike:   p.CEStrike,
		PEStrike:   p.PEStrike,
		Legs: []models.Leg{
			{Strike: p.CEStrike, OptionType: models.OptionTypeCall, Side: models.OrderSideBuy, Quantity: p.Quantity},
			{Strike: p.PEStrike, OptionType: models.OptionTypePut, Side: models.OrderSideBuy, Quantity: p.Quantity},
		},
	}, nil
}

// BuildCustom validates an arbitrary leg set and passes it through unchanged.
func BuildCustom(p CustomParams) (models.StrategyRequest, error) {
	if err := requireContract(p.Underlying, p.ExpiryDate); err != nil {
		return models.StrategyRequest{}, err
	}
	if len(p.Legs) == 0 {
		return models.StrategyRequest{}, errors.NewInvalidInputError("legs", 0, "at least one leg is required")
	}

	seen := make(map[string]struct{}, len(p.Legs))
	for i, leg := range p.Legs {
		if err := ValidateLeg(leg); err != nil {
			return models.StrategyRequest{}, errors.Wrapf(err, "leg %d", i+1)
		}
		key := SelectionKey(leg.Strike, leg.OptionType)
		if _, dup := seen[key]; dup {
			return models.StrategyRequest{}, errors.NewInvalidInputError("legs", key, "duplicate strike and option type")
		}
		seen[key] = struct{}{}
	}

	name := p.Name
	if name == "" {
		name = "Custom Strategy - " + time.Now().Format("02 Jan 15:04:05")
	}

	return models.StrategyRequest{
		Name:       name,
		Underlying: p.Underlying,
		ExpiryDate: p.ExpiryDate,
		Type:       models.StrategyCustom,
		Legs:       append([]models.Leg(nil), p.Legs...),
	}, nil
}

// ValidateLeg checks a single leg's fields.
func ValidateLeg(leg models.Leg) error {
	if leg.Strike <= 0 {
		return errors.NewInvalidInputError("strike", leg.Strike, "must be positive")
	}
	if !leg.OptionType.Valid() {
		return errors.NewInvalidInputError("option_type", leg.OptionType, "must be CE or PE")
	}
	if !leg.Side.Valid() {
		return errors.NewInvalidInputError("side", leg.Side, "must be BUY or SELL")
	}
	if leg.Quantity <= 0 {
		return errors.NewInvalidInputError("quantity", leg.Quantity, "must be positive")
	}
	return nil
}

// ParseLeg parses "STRIKE:TYPE[:SIDE[:QTY]]", e.g. "17900:CE" or "18000:PE:SELL:2".
// Side defaults to BUY and quantity to defaultQty.
func ParseLeg(spec string, defaultQty int) (models.Leg, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 4 {
		return models.Leg{}, errors.NewInvalidInputError("leg", spec, "expected STRIKE:TYPE[:SIDE[:QTY]]")
	}

	strike, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return models.Leg{}, errors.NewInvalidInputError("strike", parts[0], "not a number")
	}
	optType, ok := models.ParseOptionType(parts[1])
	if !ok {
		return models.Leg{}, errors.NewInvalidInputError("option_type", parts[1], "must be CE or PE")
	}

	leg := models.Leg{Strike: strike, OptionType: optType, Side: models.OrderSideBuy, Quantity: defaultQty}
	if len(parts) >= 3 {
		side, ok := models.ParseOrderSide(parts[2])
		if !ok {
			return models.Leg{}, errors.NewInvalidInputError("side", parts[2], "must be BUY or SELL")
		}
		leg.Side = side
	}
	if len(parts) == 4 {
		qty, err := strconv.Atoi(parts[3])
		if err != nil {
			return models.Leg{}, errors.NewInvalidInputError("quantity", parts[3], "not an integer")
		}
		leg.Quantity = qty
	}

	return leg, ValidateLeg(leg)
}

func requireContract(underlying, expiry string) error {
	if strings.TrimSpace(underlying) == "" {
		return errors.NewInvalidInputError("underlying", nil, "is required")
	}
	if strings.TrimSpace(expiry) == "" {
		return errors.NewInvalidInputError("expiry_date", nil, "is required")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
