// Package api is the HTTP client for the strategy service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/logging"
	"strategy-builder/pkg/utils"
)

// BasePath prefixes every strategy service endpoint.
const BasePath = "/api/strategy-builder"

const maxResponseBytes = 8 << 20

// Config holds client settings.
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// MaxRetries applies to idempotent requests only. Creation is never retried.
	MaxRetries int
	RetryDelay time.Duration
	// BreakerThreshold consecutive outages open the breaker for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
}

// Client talks to the strategy service REST API.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	retry   utils.RetryConfig
	breaker *breaker
	logger  zerolog.Logger
}

// NewClient creates a client. Zero values fall back to conservative defaults.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries + 1
	if cfg.RetryDelay > 0 {
		retry.InitialDelay = cfg.RetryDelay
	}
	retry.Retryable = isRetryable

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + BasePath,
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   retry,
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logging.WithComponent(logger, "api"),
	}
}

// get and del are idempotent and retried; post is retried only when the
// endpoint is a lookup.
func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil, true)
}

func (c *Client) del(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, path, nil, true)
}

func (c *Client) lookup(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, body, true)
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, body, false)
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotent bool) (json.RawMessage, error) {
	if err := c.breaker.allow(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	cfg := c.retry
	if !idempotent {
		cfg.MaxAttempts = 1
	}
	raw, err := utils.RetryWithResult(ctx, cfg, func() (json.RawMessage, error) {
		return c.doOnce(ctx, method, path, body)
	})

	before := c.breaker.State()
	c.breaker.record(err)
	if after := c.breaker.State(); after != before {
		c.logger.Warn().Str("from", string(before)).Str("to", string(after)).Msg("Service breaker changed state")
	}
	return raw, err
}

// BreakerStats returns the state of the client's service breaker.
func (c *Client) BreakerStats() BreakerStats {
	return c.breaker.stats()
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logging.LogAPICall(logging.WithRequestID(c.logger, requestID), method, path, time.Since(start), err)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := errors.NewAPIError(resp.StatusCode, method, path, errorDetail(data, resp.Status))
		logging.LogAPICall(logging.WithRequestID(c.logger, requestID), method, path, time.Since(start), apiErr)
		return nil, apiErr
	}

	logging.LogAPICall(logging.WithRequestID(c.logger, requestID), method, path, time.Since(start), nil)
	return json.RawMessage(data), nil
}

// errorDetail extracts the service's "detail" field, which is either a string or
// a list of validation problems.
func errorDetail(body []byte, status string) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed == "" {
			return status
		}
		if len(trimmed) > 200 {
			trimmed = trimmed[:200]
		}
		return trimmed
	}
	if len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		return string(payload.Detail)
	}
	if payload.Message != "" {
		return payload.Message
	}
	if payload.Error != "" {
		return payload.Error
	}
	return status
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *errors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
