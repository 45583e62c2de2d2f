package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"strategy-builder/internal/models"
)

// Client frame types.
const (
	FrameSubscribe = "subscribe_strategy"
	FrameGetPnL    = "get_strategy_pnl"
	FramePing      = "ping"
)

// Server frame types.
const (
	FrameConnected          = "connected"
	FramePong               = "pong"
	FrameSubscriptionResult = "subscription_result"
	FrameStrategyPnL        = "strategy_pnl"
	FrameStrategyData       = "strategy_data"
	FrameMarketData         = "market_data"
	FrameError              = "error"
)

// ClientFrame is sent from the client to the service.
type ClientFrame struct {
	Type       string `json:"type"`
	StrategyID string `json:"strategy_id,omitempty"`
}

func subscribeFrame(id string) ClientFrame { return ClientFrame{Type: FrameSubscribe, StrategyID: id} }
func snapshotFrame(id string) ClientFrame { return ClientFrame{Type: FrameGetPnL, StrategyID: id} }
func pingFrame() ClientFrame { return ClientFrame{Type: FramePing} }

// Frame is a decoded server frame. Only the fields relevant to Type are set.
type Frame struct {
	Type       string
	StrategyID string
	// Update is set for strategy_pnl and strategy_data frames that carry a strategy.
	Update *models.StrategyUpdate
	// Market is set for market_data frames.
	Market *models.MarketData
	// Acknowledged reports the outcome of a subscription_result frame.
	Acknowledged bool
	Message      string
}

type rawFrame struct {
	Type       string          `json:"type"`
	StrategyID string          `json:"strategy_id"`
	Message    string          `json:"message"`
	Error      json.RawMessage `json:"error"`
	Result     json.RawMessage `json:"result"`
	Data       json.RawMessage `json:"data"`
}

type rawStrategy struct {
	StrategyID string            `json:"strategy_id"`
	Positions  []models.Position `json:"positions"`
	TotalPnL   float64           `json:"total_pnl"`
}

type rawResult struct {
	Type       string       `json:"type"`
	Success    *bool        `json:"success"`
	StrategyID string       `json:"strategy_id"`
	Message    string       `json:"message"`
	Detail     string       `json:"detail"`
	Strategy   *rawStrategy `json:"strategy"`
}

// DecodeFrame parses one server frame. Unknown types decode without error so the
// caller can log and skip them.
func DecodeFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}

	frame := Frame{Type: raw.Type, StrategyID: raw.StrategyID, Message: raw.Message}

	if msg := errorText(raw.Error); msg != "" {
		frame.Type = FrameError
		frame.Message = msg
		return frame, nil
	}

	switch raw.Type {
	case FrameStrategyPnL:
		var result rawResult
		if !isNull(raw.Result) {
			if err := json.Unmarshal(raw.Result, &result); err != nil {
				return Frame{}, fmt.Errorf("decoding %s result: %w", raw.Type, err)
			}
		}
		if strings.EqualFold(result.Type, "error") {
			frame.Type = FrameError
			frame.Message = firstNonEmpty(result.Message, result.Detail, "strategy P&L request failed")
			return frame, nil
		}
		if result.Strategy != nil {
			frame.Update = toUpdate(firstNonEmpty(raw.StrategyID, result.Strategy.StrategyID), result.Strategy)
			frame.StrategyID = frame.Update.StrategyID
		}

	case FrameStrategyData:
		if isNull(raw.Data) {
			return frame, nil
		}
		var st rawStrategy
		if err := json.Unmarshal(raw.Data, &st); err != nil {
			return Frame{}, fmt.Errorf("decoding %s data: %w", raw.Type, err)
		}
		frame.Update = toUpdate(firstNonEmpty(st.StrategyID, raw.StrategyID), &st)
		frame.StrategyID = frame.Update.StrategyID

	case FrameSubscriptionResult:
		frame.Acknowledged = true
		if isNull(raw.Result) {
			break
		}
		var ok bool
		if json.Unmarshal(raw.Result, &ok) == nil {
			frame.Acknowledged = ok
			break
		}
		var result rawResult
		if json.Unmarshal(raw.Result, &result) == nil {
			frame.StrategyID = firstNonEmpty(raw.StrategyID, result.StrategyID)
			if strings.EqualFold(result.Type, "error") || (result.Success != nil && !*result.Success) {
				frame.Acknowledged = false
				frame.Message = firstNonEmpty(result.Message, result.Detail, raw.Message)
			}
		}

	case FrameMarketData:
		if isNull(raw.Data) {
			return frame, nil
		}
		var md models.MarketData
		if err := json.Unmarshal(raw.Data, &md); err != nil {
			return Frame{}, fmt.Errorf("decoding %s data: %w", raw.Type, err)
		}
		frame.Market = &md

	case FrameError:
		frame.Message = firstNonEmpty(raw.Message, "unknown error")
	}

	return frame, nil
}

func toUpdate(id string, st *rawStrategy) *models.StrategyUpdate {
	positions := st.Positions
	if positions == nil {
		positions = []models.Position{}
	}
	return &models.StrategyUpdate{StrategyID: id, Positions: positions, TotalPnL: st.TotalPnL}
}

func errorText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
