package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

// =============================================================================
// Market lookups
// =============================================================================

// ListUnderlyings returns the underlyings tradable on segment.
func (c *Client) ListUnderlyings(ctx context.Context, segment models.ExchangeSegment) ([]models.Underlying, error) {
	if segment == "" {
		segment = models.SegmentNSEFO
	}
	raw, err := c.get(ctx, "/underlying-list?exchange_segment="+url.QueryEscape(string(segment)))
	if err != nil {
		return nil, err
	}
	return decodeUnderlyings(raw, segment)
}

// ExpiryDates returns the listed expiries for an underlying. Series defaults to the underlying.
func (c *Client) ExpiryDates(ctx context.Context, underlying string, segment models.ExchangeSegment, series string) ([]models.ExpiryDate, error) {
	if segment == "" {
		segment = models.SegmentNSEFO
	}
	if series == "" {
		series = underlying
	}
	raw, err := c.lookup(ctx, "/expiry-dates", map[string]string{
		"underlying":       underlying,
		"exchange_segment": string(segment),
		"series":           series,
	})
	if err != nil {
		return nil, err
	}
	return decodeExpiries(raw)
}

// OptionChain fetches a full chain snapshot. Strikes are returned ascending.
func (c *Client) OptionChain(ctx context.Context, underlying, expiryDate string) (*models.OptionChain, error) {
	raw, err := c.lookup(ctx, "/option-chain", map[string]string{
		"underlying":  underlying,
		"expiry_date": expiryDate,
	})
	if err != nil {
		return nil, err
	}

	body := unwrapObject(raw, "option_chain", "result", "data")
	var chain models.OptionChain
	if err := json.Unmarshal(body, &chain); err != nil {
		return nil, fmt.Errorf("decoding option chain: %w", err)
	}
	if chain.Underlying == "" {
		chain.Underlying = underlying
	}
	if chain.ExpiryDate == "" {
		chain.ExpiryDate = expiryDate
	}
	if err := chain.Normalize(); err != nil {
		return nil, err
	}
	return &chain, nil
}

// =============================================================================
// Strategy creation
// =============================================================================

// CreateStrategy creates an empty strategy shell; legs are added with AddPosition.
func (c *Client) CreateStrategy(ctx context.Context, req models.StrategyRequest) (models.Strategy, error) {
	raw, err := c.post(ctx, "/strategies/create", map[string]string{
		"strategy_name": req.Name,
		"underlying":    req.Underlying,
		"expiry_date":   req.ExpiryDate,
		"strategy_type": string(req.Type),
	})
	return creationResult(string(req.Type), raw, err)
}

// CreateStraddle creates a straddle at req.Strike.
func (c *Client) CreateStraddle(ctx context.Context, req models.StrategyRequest) (models.Strategy, error) {
	raw, err := c.post(ctx, "/strategies/straddle", map[string]any{
		"underlying":  req.Underlying,
		"expiry_date": req.ExpiryDate,
		"strike":      req.Strike,
		"quantity":    req.Quantity,
	})
	return creationResult(string(models.StrategyStraddle), raw, err)
}

// CreateStrangle creates a strangle with req.CEStrike and req.PEStrike.
func (c *Client) CreateStrangle(ctx context.Context, req models.StrategyRequest) (models.Strategy, error) {
	raw, err := c.post(ctx, "/strategies/strangle", map[string]any{
		"underlying":  req.Underlying,
		"expiry_date": req.ExpiryDate,
		"ce_strike":   req.CEStrike,
		"pe_strike":   req.PEStrike,
		"quantity":    req.Quantity,
	})
	return creationResult(string(models.StrategyStrangle), raw, err)
}

func creationResult(kind string, raw json.RawMessage, err error) (models.Strategy, error) {
	if err != nil {
		return models.Strategy{}, errors.NewCreationFailedError(kind, "service rejected request", err)
	}
	st, err := decodeStrategy(raw)
	if err != nil {
		return models.Strategy{}, errors.NewCreationFailedError(kind, "unreadable response", err)
	}
	return st, nil
}

// =============================================================================
// Strategy management
// =============================================================================

// GetStrategy fetches the current server record.
func (c *Client) GetStrategy(ctx context.Context, id string) (models.Strategy, error) {
	raw, err := c.get(ctx, "/strategies/"+url.PathEscape(id))
	if err != nil {
		return models.Strategy{}, err
	}
	return decodeStrategy(raw)
}

// ListStrategies fetches all of the user's strategies.
func (c *Client) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	raw, err := c.get(ctx, "/strategies")
	if err != nil {
		return nil, err
	}
	list, ok := findArray(raw, nil, []string{"strategies"}, []string{"result", "strategies"}, []string{"result"}, []string{"data"})
	if !ok {
		return []models.Strategy{}, nil
	}
	var out []models.Strategy
	if err := json.Unmarshal(list, &out); err != nil {
		return nil, fmt.Errorf("decoding strategies: %w", err)
	}
	return out, nil
}

// AddPosition adds a contract and returns the updated strategy.
func (c *Client) AddPosition(ctx context.Context, id string, req models.AddPositionRequest) (models.Strategy, error) {
	raw, err := c.post(ctx, "/strategies/"+url.PathEscape(id)+"/positions", req)
	if err != nil {
		return models.Strategy{}, err
	}
	return decodeStrategy(raw)
}

// RemovePosition deletes a position. The service returns no body worth decoding.
func (c *Client) RemovePosition(ctx context.Context, id, positionID string) error {
	_, err := c.del(ctx, "/strategies/"+url.PathEscape(id)+"/positions/"+url.PathEscape(positionID))
	return err
}

// SubscribeStrategy asks the service to start pushing updates for id.
func (c *Client) SubscribeStrategy(ctx context.Context, id string) error {
	_, err := c.lookup(ctx, "/strategies/"+url.PathEscape(id)+"/subscribe", nil)
	return err
}

// DeleteStrategy deletes a strategy on the service.
func (c *Client) DeleteStrategy(ctx context.Context, id string) error {
	_, err := c.del(ctx, "/strategies/"+url.PathEscape(id))
	return err
}

// =============================================================================
// Lenient decoding
// =============================================================================

// findArray returns the first JSON array found at one of paths. A nil path means the document root.
func findArray(raw json.RawMessage, paths ...[]string) (json.RawMessage, bool) {
	for _, path := range paths {
		node, ok := walk(raw, path)
		if ok && isArray(node) {
			return node, true
		}
	}
	return nil, false
}

func walk(raw json.RawMessage, path []string) (json.RawMessage, bool) {
	node := raw
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(node, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// unwrapObject descends through wrapper keys until it reaches an object that has marker.
func unwrapObject(raw json.RawMessage, marker string, wrappers ...string) json.RawMessage {
	node := raw
	for depth := 0; depth < 3; depth++ {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(node, &obj); err != nil {
			return node
		}
		if _, ok := obj[marker]; ok {
			return node
		}
		descended := false
		for _, w := range wrappers {
			if inner, ok := obj[w]; ok && !isArray(inner) {
				node = inner
				descended = true
				break
			}
		}
		if !descended {
			return node
		}
	}
	return node
}

func decodeStrategy(raw json.RawMessage) (models.Strategy, error) {
	body := unwrapObject(raw, "strategy_id", "strategy", "result", "data")
	var st models.Strategy
	if err := json.Unmarshal(body, &st); err != nil {
		return models.Strategy{}, fmt.Errorf("decoding strategy: %w", err)
	}
	if st.ID == "" {
		return models.Strategy{}, fmt.Errorf("decoding strategy: response has no strategy_id")
	}
	return st, nil
}

func decodeUnderlyings(raw json.RawMessage, segment models.ExchangeSegment) ([]models.Underlying, error) {
	list, ok := findArray(raw, []string{"result", "listUnderlying"}, []string{"listUnderlying"}, nil, []string{"result"})
	if !ok {
		return []models.Underlying{}, nil
	}

	var items []struct {
		Symbol          string `json:"symbol"`
		Underlying      string `json:"underlying"`
		Name            string `json:"name"`
		ExchangeSegment string `json:"exchange_segment"`
	}
	if err := json.Unmarshal(list, &items); err != nil {
		// Some deployments return a bare list of symbols.
		var symbols []string
		if json.Unmarshal(list, &symbols) != nil {
			return nil, fmt.Errorf("decoding underlyings: %w", err)
		}
		out := make([]models.Underlying, 0, len(symbols))
		for _, s := range symbols {
			out = append(out, models.Underlying{Symbol: s, ExchangeSegment: segment})
		}
		return out, nil
	}

	out := make([]models.Underlying, 0, len(items))
	for _, it := range items {
		symbol := firstNonEmpty(it.Symbol, it.Underlying, it.Name)
		if symbol == "" {
			continue
		}
		seg := models.ExchangeSegment(it.ExchangeSegment)
		if seg == "" {
			seg = segment
		}
		out = append(out, models.Underlying{Symbol: symbol, ExchangeSegment: seg})
	}
	return out, nil
}

func decodeExpiries(raw json.RawMessage) ([]models.ExpiryDate, error) {
	list, ok := findArray(raw, []string{"result", "listExpiryDate"}, []string{"listExpiryDate"}, nil)
	if !ok {
		return []models.ExpiryDate{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(list, &items); err != nil {
		return nil, fmt.Errorf("decoding expiry dates: %w", err)
	}

	out := make([]models.ExpiryDate, 0, len(items))
	for _, it := range items {
		var s string
		if json.Unmarshal(it, &s) == nil {
			out = append(out, models.ExpiryDate{ExpiryDate: s})
			continue
		}
		var e models.ExpiryDate
		if err := json.Unmarshal(it, &e); err != nil {
			return nil, fmt.Errorf("decoding expiry date: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
