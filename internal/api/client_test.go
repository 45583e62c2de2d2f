package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:       srv.URL,
		Token:         "test-token",
		RatePerSecond: 1000,
		Burst:         100,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}, zerolog.Nop())
}

func TestListUnderlyingsWrapped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/strategy-builder/underlying-list", r.URL.Path)
		assert.Equal(t, "NSEFO", r.URL.Query().Get("exchange_segment"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`{"type":"success","result":{"listUnderlying":[
			{"symbol":"NIFTY","exchange_segment":"NSEFO"},
			{"name":"BANKNIFTY"},
			{"underlying":"FINNIFTY","exchange_segment":"NSEFO"},
			{}
		]}}`))
	})

	got, err := client.ListUnderlyings(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "NIFTY", got[0].Symbol)
	assert.Equal(t, "BANKNIFTY", got[1].Symbol)
	assert.Equal(t, models.SegmentNSEFO, got[1].ExchangeSegment)
	assert.Equal(t, "FINNIFTY", got[2].Symbol)
}

func TestListUnderlyingsBareArray(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"NIFTY"}]`))
	})
	got, err := client.ListUnderlyings(context.Background(), models.SegmentNSEFO)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "NIFTY", got[0].Symbol)
}

func TestExpiryDates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/strategy-builder/expiry-dates", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "NIFTY", body["underlying"])
		assert.Equal(t, "NIFTY", body["series"])
		assert.Equal(t, "NSEFO", body["exchange_segment"])

		w.Write([]byte(`{"type":"success","result":{"listExpiryDate":["Dec 26 2024",{"expiry_date":"Jan 30 2025"}]}}`))
	})

	got, err := client.ExpiryDates(context.Background(), "NIFTY", "", "")
	require.NoError(t, err)
	assert.Equal(t, []models.ExpiryDate{{ExpiryDate: "Dec 26 2024"}, {ExpiryDate: "Jan 30 2025"}}, got)
}

func TestOptionChainSortsStrikes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"success","underlying":"NIFTY","spot_price":17923.4,"option_chain":[
			{"strike":18000,"ce":{"ExchangeInstrumentID":"35001","Name":"NIFTY 18000 CE","LTP":60}},
			{"strike":17900,"ce":{"ExchangeInstrumentID":35000,"Name":"NIFTY 17900 CE","LTP":110},"pe":{"ExchangeInstrumentID":36000,"Name":"NIFTY 17900 PE","LTP":85}}
		]}`))
	})

	chain, err := client.OptionChain(context.Background(), "NIFTY", "Dec 26 2024")
	require.NoError(t, err)
	assert.Equal(t, []float64{17900, 18000}, chain.StrikePrices())
	assert.Equal(t, "Dec 26 2024", chain.ExpiryDate)
	assert.InDelta(t, 17923.4, chain.SpotPrice, 1e-9)

	q, ok := chain.Quote(18000, models.OptionTypeCall)
	require.True(t, ok)
	assert.Equal(t, models.InstrumentID(35001), q.InstrumentID)

	_, ok = chain.Quote(18000, models.OptionTypePut)
	assert.False(t, ok)
}

func TestCreateStraddleBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/strategy-builder/strategies/straddle", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "NIFTY", body["underlying"])
		assert.Equal(t, 17900.0, body["strike"])
		assert.Equal(t, 1.0, body["quantity"])

		w.Write([]byte(`{"strategy_id":"st-1","strategy_name":"NIFTY Straddle","underlying":"NIFTY",
			"expiry_date":"Dec 26 2024","strategy_type":"straddle","positions":[],"total_pnl":0}`))
	})

	st, err := client.CreateStraddle(context.Background(), models.StrategyRequest{
		Underlying: "NIFTY", ExpiryDate: "Dec 26 2024", Strike: 17900, Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "st-1", st.ID)
	assert.Equal(t, models.StrategyStraddle, st.Type)
}

func TestCreateIsNeverRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail":"option chain service down"}`))
	})

	_, err := client.CreateStrangle(context.Background(), models.StrategyRequest{
		Underlying: "NIFTY", ExpiryDate: "Dec 26 2024", CEStrike: 18000, PEStrike: 17800, Quantity: 1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCreationFailed))

	var apiErr *errors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 503, apiErr.Status)
	assert.Equal(t, "option chain service down", apiErr.Detail)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateMissingIDFails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"success"}`))
	})
	_, err := client.CreateStrategy(context.Background(), models.StrategyRequest{
		Name: "x", Underlying: "NIFTY", ExpiryDate: "Dec 26 2024", Type: models.StrategyCustom,
	})
	assert.True(t, errors.Is(err, errors.ErrCreationFailed))
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"type":"success","result":{"strategy":{"strategy_id":"st-9","strategy_name":"n",
			"underlying":"NIFTY","expiry_date":"d","strategy_type":"custom","positions":[],"total_pnl":12.5}}}`))
	})

	st, err := client.GetStrategy(context.Background(), "st-9")
	require.NoError(t, err)
	assert.Equal(t, "st-9", st.ID)
	assert.Equal(t, 12.5, st.TotalPnL)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"Strategy not found"}`))
	})

	_, err := client.GetStrategy(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStrategyNotFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestListStrategiesWrapped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"success","strategies":[
			{"strategy_id":"a","strategy_name":"A","underlying":"NIFTY","expiry_date":"d","strategy_type":"straddle","positions":[]},
			{"strategy_id":"b","strategy_name":"B","underlying":"NIFTY","expiry_date":"d","strategy_type":"strangle","positions":[]}
		]}`))
	})

	got, err := client.ListStrategies(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)
}

func TestPositionEndpoints(t *testing.T) {
	var removed, deleted, subscribed bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/strategy-builder/strategies/st-1/positions":
			body, _ := io.ReadAll(r.Body)
			var req models.AddPositionRequest
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, models.InstrumentID(35000), req.InstrumentID)
			assert.Equal(t, models.OrderSideSell, req.Side)
			w.Write([]byte(`{"strategy_id":"st-1","strategy_name":"c","underlying":"NIFTY","expiry_date":"d",
				"strategy_type":"custom","positions":[{"position_id":"p1","instrument_id":35000,"instrument_name":"NIFTY 17900 CE",
				"option_type":"CE","strike":17900,"quantity":50,"side":"SELL","avg_price":110}],"total_pnl":0}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/strategy-builder/strategies/st-1/positions/p1":
			removed = true
			w.Write([]byte(`{"type":"success"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/strategy-builder/strategies/st-1/subscribe":
			subscribed = true
			w.Write([]byte(`{"type":"success"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/strategy-builder/strategies/st-1":
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	})
	ctx := context.Background()

	st, err := client.AddPosition(ctx, "st-1", models.AddPositionRequest{
		InstrumentID: 35000, InstrumentName: "NIFTY 17900 CE", OptionType: models.OptionTypeCall,
		Strike: 17900, Quantity: 50, Side: models.OrderSideSell, AvgPrice: 110,
	})
	require.NoError(t, err)
	require.Len(t, st.Positions, 1)
	assert.Equal(t, "p1", st.Positions[0].PositionID)

	require.NoError(t, client.RemovePosition(ctx, "st-1", "p1"))
	require.NoError(t, client.SubscribeStrategy(ctx, "st-1"))
	require.NoError(t, client.DeleteStrategy(ctx, "st-1"))
	assert.True(t, removed)
	assert.True(t, subscribed)
	assert.True(t, deleted)
}

func TestErrorDetail(t *testing.T) {
	assert.Equal(t, "boom", errorDetail([]byte(`{"detail":"boom"}`), "500"))
	assert.Equal(t, `[{"loc":["body","strike"]}]`, errorDetail([]byte(`{"detail":[{"loc":["body","strike"]}]}`), "422"))
	assert.Equal(t, "502 Bad Gateway", errorDetail(nil, "502 Bad Gateway"))
	assert.Equal(t, "upstream timeout", errorDetail([]byte("upstream timeout"), "504"))
}
