package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks names the dependencies /ready checks.
//
// The pipeline service is required: without it no board can load. The
// snapshot store only warms new sessions, so its failure degrades readiness
// without taking the instance out of rotation.
type ReadinessChecks struct {
	Backend  HealthChecker
	Snapshot HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady returns the readiness handler.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = make(map[string]CheckResult, 2)
		)
		record := func(name string, res CheckResult) {
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}

		var g errgroup.Group
		g.Go(func() error {
			if checks.Backend == nil {
				record("backend", CheckResult{Status: "error", Error: "no pipeline service configured"})
				return nil
			}
			record("backend", runCheck(r.Context(), checks.Backend))
			return nil
		})
		if checks.Snapshot != nil {
			g.Go(func() error {
				record("snapshot_store", runCheck(r.Context(), checks.Snapshot))
				return nil
			})
		}
		_ = g.Wait()

		status, code := StatusReady, http.StatusOK
		switch {
		case results["backend"].Status != "ok":
			status, code = StatusNotReady, http.StatusServiceUnavailable
		case checks.Snapshot != nil && results["snapshot_store"].Status != "ok":
			status = StatusDegraded
		}

		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}
