// Package integration provides a reusable test harness for end-to-end
// integration testing of the funnel BFF server. It starts a full HTTP server
// wired to a mock pipeline service, an in-memory snapshot store, and a test
// JWT issuer.
package integration

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/events"
	"github.com/pitabwire/funnel/internal/invoker"
	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/internal/snapshot"
	"github.com/pitabwire/funnel/internal/transport"
)

// TestHarness encapsulates a fully wired BFF instance with a mock pipeline
// service for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Client    *invoker.Client
	Sessions  *pipeline.Sessions
	Snapshots snapshot.Store
	Hub       *events.Hub
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry

	backend *MockBackend
	cfg     *config.Config

	mu      sync.RWMutex
	handler http.Handler
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	circuitBreaker config.CircuitBreakerConfig
	retry          config.RetryConfig
	backendTimeout time.Duration
	events         bool
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCircuitBreaker sets the circuit breaker of the pipeline client.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.circuitBreaker = cb
	}
}

// WithRetry sets the retry policy of the pipeline client.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// WithBackendTimeout sets the per-attempt timeout of the pipeline client.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.backendTimeout = d
	}
}

// WithEvents mounts the websocket change feed.
func WithEvents() HarnessOption {
	return func(c *harnessConfig) {
		c.events = true
	}
}

// NewTestHarness creates and starts a full BFF test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		backendTimeout: 5 * time.Second,
		retry: config.RetryConfig{
			MaxAttempts:    1,
			IdempotentOnly: true,
		},
		circuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Mock pipeline service.
	h.backend = newMockBackend(t, "pipeline", FunnelRoutes())

	// Step 2: JWT issuer with a JWKS endpoint.
	h.issuer = newTokenIssuer(t)

	// Step 3: Config.
	h.cfg = &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:       h.issuer.Issuer(),
			Audience:     h.issuer.Audience(),
			JWKSURL:      h.issuer.JWKSURL(),
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Backend: config.BackendConfig{
			BaseURL:        h.backend.URL(),
			Timeout:        hc.backendTimeout,
			CircuitBreaker: hc.circuitBreaker,
			Retry:          hc.retry,
		},
		Sessions: config.SessionsConfig{
			IdleTTL:       time.Hour,
			SweepInterval: time.Hour,
		},
		Snapshot: config.SnapshotConfig{Driver: config.DriverMemory},
		Events: config.EventsConfig{
			Enabled:      hc.events,
			WriteTimeout: 5 * time.Second,
			PingInterval: time.Minute,
			SendBuffer:   32,
		},
	}

	// Step 4: Metrics on a private registry.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)

	// Step 5: Pipeline client and snapshot store.
	// Hijacked websocket goroutines can outlive the test, so the harness
	// does not log through t.
	logger := zap.NewNop()
	h.Client = invoker.New(h.cfg.Backend,
		invoker.WithLogger(logger.Named("invoker")),
		invoker.WithMetrics(h.Metrics),
	)
	snaps, closeSnaps, err := snapshot.Open(context.Background(), h.cfg.Snapshot, h.Metrics)
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	t.Cleanup(closeSnaps)
	h.Snapshots = snaps

	if hc.events {
		h.Hub = events.NewHub(h.cfg.Events,
			events.WithLogger(logger.Named("events")),
			events.WithMetrics(h.Metrics),
		)
		t.Cleanup(h.Hub.Close)
	}

	// Step 6: Sessions and router.
	h.build()

	// Step 7: Start test server. The handler is looked up per request so
	// Restart can swap it.
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.server.Close)

	return h
}

// build creates a fresh session registry and router over the harness's
// long-lived components.
func (h *TestHarness) build() {
	logger := zap.NewNop()

	sessOpts := []pipeline.SessionsOption{
		pipeline.WithSessionLogger(logger.Named("sessions")),
		pipeline.WithSessionMetrics(h.Metrics),
		pipeline.WithSnapshots(h.Snapshots, time.Hour),
	}
	if h.Hub != nil {
		sessOpts = append(sessOpts, pipeline.WithSessionListener(h.Hub))
	}
	sessions := pipeline.NewSessions(pipeline.NewHTTPService(h.Client), h.cfg.Sessions, sessOpts...)

	deps := transport.Dependencies{
		Config:   h.cfg,
		Logger:   logger,
		Metrics:  h.Metrics,
		Gatherer: h.Registry,
		Readiness: observability.ReadinessChecks{
			Backend:  h.Client,
			Snapshot: h.Snapshots,
		},
		Sessions: sessions,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity,
			transport.NewKeySet(h.issuer.JWKSURL(), h.cfg.Identity.JWKSCacheTTL, logger.Named("jwks"))),
	}
	if h.Hub != nil {
		deps.Events = h.Hub
	}
	router := transport.NewRouter(deps)

	h.mu.Lock()
	h.Sessions = sessions
	h.handler = router
	h.mu.Unlock()
}

// Restart simulates a BFF restart: every in-memory session is dropped while
// the snapshot store and the pipeline client survive.
func (h *TestHarness) Restart() {
	h.build()
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock pipeline service.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// GenerateToken signs a valid token for claims with the published key.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.sign(claims)
}

// GenerateTokenWithKeyID signs a valid token whose header names kid.
func (h *TestHarness) GenerateTokenWithKeyID(claims TestClaims, kid string) string {
	return h.issuer.sign(claims, withKeyID(kid))
}

// GenerateTokenSignedBy signs under the published kid with a foreign key.
func (h *TestHarness) GenerateTokenSignedBy(claims TestClaims, key crypto.Signer) string {
	return h.issuer.sign(claims, signedBy(key))
}

// GenerateExpiredToken signs a token that expired an hour ago.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.sign(claims, expiredFor(time.Hour))
}

// --- HTTP client helpers ---

// noRedirects hands redirects back to the test instead of following them.
var noRedirects = &http.Client{
	Timeout:       10 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders is GET with extra request headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST, PUT and PATCH send body as JSON; a nil body sends none.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode %s %s body: %v", method, path, err)
		}
		payload = &buf
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, payload)
	if err != nil {
		h.t.Fatalf("build %s %s: %v", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := noRedirects.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON decodes and closes the response body.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	raw := h.ReadBody(resp)
	if err := json.Unmarshal(raw, target); err != nil {
		h.t.Fatalf("decode response: %v\n%s", err, raw)
	}
}

// ReadBody drains and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	return raw
}

// unexpectedStatus reports resp with its body when its status is not want.
func unexpectedStatus(resp *http.Response, want int) (string, bool) {
	if resp.StatusCode == want {
		return "", false
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return fmt.Sprintf("%s %s answered %d, want %d\n%s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, raw), true
}

// AssertStatus fails t, without stopping it, on a status other than want.
// The body is left unread when the status matches.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if msg, bad := unexpectedStatus(resp, want); bad {
		t.Error(msg)
	}
}

// AssertJSON stops t on a status other than want, then decodes the body
// into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	if msg, bad := unexpectedStatus(resp, want); bad {
		t.Fatal(msg)
	}
	h.ParseJSON(resp, target)
}

// errorBody decodes the error envelope of resp.
func errorBody(h *TestHarness, resp *http.Response) (code, message string) {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code, body.Error.Message
}

// ErrorCode decodes an error envelope and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	code, _ := errorBody(h, resp)
	return code
}

// --- Default test claims ---

// SellerClaims returns TestClaims for a seller.
func SellerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-seller",
		Email:     "vendas@acme.example.com",
		Name:      "Vendedor Teste",
		Roles:     []string{"vendedor"},
	}
}

// OtherSellerClaims returns TestClaims for a second seller.
func OtherSellerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-seller-2",
		Email:     "vendas2@acme.example.com",
		Roles:     []string{"vendedor"},
	}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@acme.example.com",
		Name:      "Admin",
		Roles:     []string{"admin"},
	}
}

// --- Fixtures ---

// Envelope wraps data in the pipeline service's success envelope.
func Envelope(data any) map[string]any {
	return map[string]any{
		"success": true,
		"data":    data,
	}
}

// StageFixture returns a pipeline stage as the pipeline service sends it.
func StageFixture(id, name string, order int) map[string]any {
	return map[string]any{
		"_id":       id,
		"name":      name,
		"order":     order,
		"color":     "#3b82f6",
		"isWon":     false,
		"isLost":    false,
		"createdAt": "2024-01-15T10:30:00Z",
		"updatedAt": "2024-01-15T10:30:00Z",
	}
}

// DefaultStages returns two working stages and the two terminal stages.
func DefaultStages() []map[string]any {
	won := StageFixture("st-won", "Ganho", 8)
	won["isWon"] = true
	lost := StageFixture("st-lost", "Perdido", 9)
	lost["isLost"] = true
	return []map[string]any{
		StageFixture("st-1", "Prospecção", 1),
		StageFixture("st-2", "Proposta enviada", 2),
		won,
		lost,
	}
}

// LossReasonFixture returns a loss reason.
func LossReasonFixture(id, name string) map[string]any {
	return map[string]any{
		"_id":       id,
		"name":      name,
		"order":     1,
		"createdAt": "2024-01-15T10:30:00Z",
		"updatedAt": "2024-01-15T10:30:00Z",
	}
}

// OpportunityFixture returns an open opportunity with a populated client and
// a bare stage reference.
func OpportunityFixture(id, stageID, title string, value float64) map[string]any {
	return map[string]any{
		"_id": id,
		"client": map[string]any{
			"_id":         "cli-1",
			"razaoSocial": "Acme Uniformes Ltda",
		},
		"responsible_user": "user-seller",
		"stage":            stageID,
		"title":            title,
		"estimated_value":  value,
		"win_probability":  50,
		"lead_source":      "indicacao",
		"status":           "open",
		"createdAt":        "2024-01-15T10:30:00Z",
		"updatedAt":        "2024-01-15T10:30:00Z",
	}
}

// WithStatus returns a copy of an opportunity fixture with another status.
func WithStatus(opp map[string]any, status string) map[string]any {
	out := make(map[string]any, len(opp)+1)
	for k, v := range opp {
		out[k] = v
	}
	out["status"] = status
	return out
}

// SeedBoard configures the mock pipeline service with the default stages,
// one loss reason, and the given opportunities.
func (h *TestHarness) SeedBoard(opportunities ...map[string]any) {
	h.backend.OnOperation("list_stages").RespondWithData(DefaultStages())
	h.backend.OnOperation("list_loss_reasons").RespondWithData([]map[string]any{
		LossReasonFixture("lr-1", "Preço"),
	})
	if opportunities == nil {
		opportunities = []map[string]any{}
	}
	h.backend.OnOperation("list_opportunities").RespondWithData(opportunities)
}
