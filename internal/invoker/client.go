// Package invoker calls the remote pipeline service over HTTP. It decodes the
// service's uniform envelope and protects the service with a circuit breaker
// and bounded retries.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Request describes one call to the pipeline service.
type Request struct {
	Method string

	// Path is appended to the configured base URL, e.g. "/funnel/stages".
	Path  string
	Query url.Values
	Body  any

	// Operation names the call in logs, metrics and spans.
	Operation string
}

// Response carries the envelope fields that are not decoded into the caller's
// output value.
type Response struct {
	StatusCode int

	// HasData is false when the envelope carried no data member (or null).
	HasData    bool
	Message    string
	Pagination *model.PageInfo
}

// rawEnvelope defers decoding of data until the envelope has been checked.
type rawEnvelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	Pagination *model.PageInfo `json:"pagination"`
}

// rawResult is one HTTP exchange before envelope decoding.
type rawResult struct {
	StatusCode int
	Body       []byte
}

// Client calls the pipeline service. It is safe for concurrent use.
type Client struct {
	baseURL string
	cfg     config.BackendConfig
	client  *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics the client records backend calls to.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the pooled default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// New creates a Client for the pipeline service described by cfg.
func New(cfg config.BackendConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker.OnStateChange(func(from, to BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(float64(to))
		if to == BreakerOpen {
			c.logger.Warn("pipeline service circuit breaker opened",
				zap.String("from", from.String()))
			return
		}
		c.logger.Info("pipeline service circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	return c
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// HealthCheck reports the pipeline service as unavailable while the circuit
// breaker is open.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return errors.New("pipeline service circuit breaker is open")
	}
	return nil
}

// Do executes req and decodes the envelope's data member into out (which may
// be nil). A false success flag, a non-2xx status, a transport failure and an
// undecodable body are all returned as errors; envelope-level failures are
// *model.ErrorEnvelope values.
func (c *Client) Do(ctx context.Context, req Request, out any) (resp *Response, err error) {
	op := req.Operation
	if op == "" {
		op = req.Method + " " + req.Path
	}

	ctx, span := observability.StartClientSpan(ctx, "pipeline "+op,
		observability.AttrOperation.String(op),
		observability.AttrBackendPath.String(req.Path),
		semconv.HTTPRequestMethodKey.String(req.Method),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	reqURL := c.buildURL(req.Path, req.Query)
	headers := buildRequestHeaders(model.RequestContextFrom(ctx), req.Method)
	observability.InjectTraceHeaders(ctx, headers)

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("invoker: marshal body: %w", err)
		}
	}

	raw, err := c.executeWithRetry(ctx, op, req.Method, reqURL, headers, bodyBytes)
	if err != nil {
		observability.RequestLogger(ctx, c.logger).Warn("pipeline service call failed",
			zap.String("operation", op),
			zap.Error(err))
		return nil, err
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(raw.StatusCode))

	return decodeEnvelope(raw, out)
}

// decodeEnvelope turns a raw exchange into a Response, or an error when the
// exchange did not succeed.
func decodeEnvelope(raw rawResult, out any) (*Response, error) {
	resp := &Response{StatusCode: raw.StatusCode}

	trimmed := bytes.TrimSpace(raw.Body)
	var env rawEnvelope
	parsed := len(trimmed) > 0 && json.Unmarshal(trimmed, &env) == nil

	if raw.StatusCode >= 400 {
		msg := ""
		if parsed {
			msg = env.Message
			if msg == "" {
				msg = env.Error
			}
		}
		return nil, errorForStatus(raw.StatusCode, msg)
	}

	if len(trimmed) == 0 {
		// 204 and friends: nothing to decode.
		return resp, nil
	}
	if !parsed {
		return nil, model.NewBackendRejectedError(raw.StatusCode, "The pipeline service returned a malformed response")
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return nil, model.NewBackendRejectedError(raw.StatusCode, msg)
	}

	resp.Message = env.Message
	resp.Pagination = env.Pagination
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return resp, nil
	}
	resp.HasData = true
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, model.NewBackendRejectedError(raw.StatusCode,
				fmt.Sprintf("The pipeline service returned unexpected data: %v", err))
		}
	}
	return resp, nil
}

// errorForStatus maps an upstream error status to the BFF's error taxonomy.
// The upstream message is preserved where one was sent.
func errorForStatus(status int, msg string) *model.ErrorEnvelope {
	var e *model.ErrorEnvelope
	switch {
	case status == http.StatusUnauthorized:
		e = model.NewUnauthorizedError(orDefault(msg, "Authentication with the pipeline service failed"))
	case status == http.StatusForbidden:
		e = model.NewForbiddenError(orDefault(msg, "Not allowed to perform this action"))
	case status == http.StatusNotFound:
		e = model.NewNotFoundError(orDefault(msg, "Resource not found"))
	case status == http.StatusConflict:
		e = model.NewConflictError(orDefault(msg, "The resource was modified concurrently"))
	case status == http.StatusTooManyRequests:
		e = model.NewRateLimitedError()
	case status == http.StatusGatewayTimeout:
		e = model.NewBackendTimeoutError()
	case status >= 500:
		e = model.NewBackendUnavailableError()
	default:
		e = model.NewBackendRejectedError(status, msg)
	}
	e.Status = status
	return e
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// executeWithRetry wraps executeOnce with retry logic and exponential backoff.
func (c *Client) executeWithRetry(
	ctx context.Context,
	op, method, reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (rawResult, error) {
	retryCfg := c.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	canRetry := isIdempotentMethod(method) || !retryCfg.IdempotentOnly
	logger := observability.RequestLogger(ctx, c.logger)

	var lastErr error
	var lastResult rawResult

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry(op)
			delay := calculateBackoff(retryCfg, attempt)
			select {
			case <-ctx.Done():
				return rawResult{}, model.NewBackendTimeoutError()
			case <-time.After(delay):
			}
		}

		result, err := c.executeOnce(ctx, op, method, reqURL, headers, bodyBytes, attempt+1)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return rawResult{}, err
			}
			logger.Debug("retrying pipeline call after error",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err))
			continue
		}

		if isRetryableStatus(result.StatusCode) && canRetry && attempt < maxAttempts-1 {
			lastResult = result
			lastErr = nil
			logger.Debug("retrying pipeline call after status",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Int("status", result.StatusCode))
			continue
		}

		return result, nil
	}

	if lastErr != nil {
		return rawResult{}, lastErr
	}
	return lastResult, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (c *Client) executeOnce(
	ctx context.Context,
	op, method, reqURL string,
	headers http.Header,
	bodyBytes []byte,
	attempt int,
) (rawResult, error) {
	if err := c.breaker.Allow(); err != nil {
		return rawResult{}, fmt.Errorf("%w: %w", err, model.NewBackendUnavailableError())
	}
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrAttempt.Int(attempt))

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return rawResult{}, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header = headers.Clone()

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(op, 0, time.Since(start))
		if ctx.Err() != nil || isTimeout(err) {
			return rawResult{}, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return rawResult{}, model.NewBackendUnavailableError()
		}
		return rawResult{}, fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return rawResult{}, fmt.Errorf("invoker: read response: %w", err)
	}

	// 4xx responses are the caller's problem, not an infrastructure failure.
	if isServerError(resp.StatusCode) {
		c.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		c.breaker.RecordSuccess()
	}

	observability.RequestLogger(ctx, c.logger).Debug("pipeline service responded",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.Int("attempt", attempt),
		zap.Duration("duration", time.Since(start)))

	return rawResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func (c *Client) buildURL(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func buildRequestHeaders(rctx *model.RequestContext, method string) http.Header {
	h := make(http.Header)

	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) {
		return false
	}
	// Connection failures are retried; timeouts and other envelopes are final.
	if model.HasCode(err, model.ErrBackendUnavailable) {
		return true
	}
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	// A peer that drops the connection mid-exchange surfaces as EOF.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
