// Package impact is the HTTP client for the external Impact Assessor. The
// assessment it returns is opaque: the engine stores it on the execution
// and never looks inside.
package impact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

const (
	assessPath = "/v1/assessments"
	healthPath = "/health"

	maxResponseBytes = 4 << 20
)

// statusError is a non-2xx reply from the assessor.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("assessor returned %d", e.code)
	}
	return fmt.Sprintf("assessor returned %d: %s", e.code, e.body)
}

// retryable reports whether another attempt could succeed.
func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// Client calls the Impact Assessor through a circuit breaker with bounded
// retries.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   config.RetryConfig
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New creates a client from cfg. metrics may be nil.
func New(cfg config.ImpactConfig, metrics *observability.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:   cfg.Retry,
		metrics: metrics,
		logger:  logger.Named("impact"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(breakerSettings(cfg.CircuitBreaker, c.onStateChange))
	return c
}

func breakerSettings(cfg config.CircuitBreakerConfig, onChange func(string, gobreaker.State, gobreaker.State)) gobreaker.Settings {
	failures := uint32(5)
	if cfg.FailureThreshold > 0 {
		failures = uint32(cfg.FailureThreshold)
	}
	probes := uint32(1)
	if cfg.SuccessThreshold > 0 {
		probes = uint32(cfg.SuccessThreshold)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.Settings{
		Name:        "impact-assessor",
		MaxRequests: probes,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A 4xx says the request was wrong, not that the assessor is down.
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return !se.retryable()
			}
			return err == nil
		},
		OnStateChange: onChange,
	}
}

func (c *Client) onStateChange(name string, from, to gobreaker.State) {
	c.metrics.SetImpactCircuitBreakerState(float64(to))
	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

type assessRequest struct {
	TenantID string         `json:"tenant_id"`
	Change   map[string]any `json:"change"`
}

// Assess requests an impact assessment for a regulatory change. Every
// failure is returned as ASSESSOR_UNAVAILABLE once retries are exhausted or
// the breaker is open.
func (c *Client) Assess(ctx context.Context, tenantID string, change map[string]any) (assessment json.RawMessage, err error) {
	ctx, span := observability.StartSpan(ctx, "impact.assess", observability.AttrTenantID.String(tenantID))
	defer func() { observability.EndSpanWithError(span, err) }()

	body, err := json.Marshal(assessRequest{TenantID: tenantID, Change: change})
	if err != nil {
		return nil, fmt.Errorf("impact: marshal request: %w", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		out, err := c.call(ctx, tenantID, body)
		if err == nil {
			assessment = out
			return nil
		}
		var se *statusError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(err)
		case errors.As(err, &se) && !se.retryable():
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		c.logger.Debug("assessor call failed, retrying",
			zap.String("tenant_id", tenantID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	if err := backoff.Retry(operation, c.policy(ctx)); err != nil {
		c.logger.Warn("impact assessment unavailable",
			zap.String("tenant_id", tenantID),
			zap.Int("attempts", attempt),
			zap.String("breaker", c.breaker.State().String()),
			zap.Error(err),
		)
		return nil, model.NewAssessorUnavailableError(err)
	}
	return assessment, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if c.retry.BackoffInitial > 0 {
		b.InitialInterval = c.retry.BackoffInitial
	}
	if c.retry.BackoffMultiplier > 0 {
		b.Multiplier = c.retry.BackoffMultiplier
	}
	if c.retry.BackoffMax > 0 {
		b.MaxInterval = c.retry.BackoffMax
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.MaxAttempts-1)), ctx)
}

// call performs one POST through the breaker.
func (c *Client) call(ctx context.Context, tenantID string, body []byte) (json.RawMessage, error) {
	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+assessPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("impact: build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-Id", sanitizeHeader(tenantID))
		if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		observability.InjectTraceHeaders(ctx, req.Header)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("impact: request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("impact: read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &statusError{code: resp.StatusCode, body: truncate(string(data), 256)}
		}
		if !json.Valid(data) {
			return nil, &statusError{code: http.StatusBadGateway, body: "response is not JSON"}
		}
		return json.RawMessage(data), nil
	})
	c.metrics.RecordImpactRequest(requestStatus(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return res.(json.RawMessage), nil
}

// HealthCheck probes the assessor's health endpoint. An open breaker is
// reported without a network call.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func requestStatus(err error) string {
	var se *statusError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.As(err, &se) && !se.retryable():
		return "rejected"
	default:
		return "error"
	}
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
