package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/model"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"zipkin", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prevTP := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prevTP) })

			shutdown, err := InitTracing(context.Background(), tt.cfg, "test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("InitTracing() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestSamplerFor(t *testing.T) {
	always := sdktrace.ParentBased(sdktrace.AlwaysSample()).Description()
	ratio := func(r float64) string {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r)).Description()
	}
	tests := []struct {
		name string
		cfg  config.TracingConfig
		want string
	}{
		{"unset falls back to ten percent", config.TracingConfig{}, ratio(0.1)},
		{"half", config.TracingConfig{SamplingRate: 0.5}, ratio(0.5)},
		{"full", config.TracingConfig{SamplingRate: 1}, always},
		{"above one", config.TracingConfig{SamplingRate: 3}, always},
		{"errors forced", config.TracingConfig{SamplingRate: 0.2, ForceSampleErrors: true}, always},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := samplerFor(tt.cfg).Description(); got != tt.want {
				t.Errorf("sampler = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartClientSpan_kind(t *testing.T) {
	exporter := recordSpans(t)

	_, span := StartClientSpan(context.Background(), "pipeline list_stages", AttrBackendPath.String("/stages"))
	span.End()

	got := exporter.GetSpans()[0]
	if got.SpanKind != trace.SpanKindClient {
		t.Errorf("kind = %v, want client", got.SpanKind)
	}
	if attrs(got)["funnel.backend_path"] != "/stages" {
		t.Errorf("attrs = %v", attrs(got))
	}
}

func TestEndSpanWithError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		wantAttr string
	}{
		{"success", nil, codes.Unset, ""},
		{"plain error", errors.New("dial tcp: refused"), codes.Error, ""},
		{"envelope", model.NewBackendTimeoutError(), codes.Error, model.ErrBackendTimeout},
		{"wrapped envelope", fmt.Errorf("move: %w", model.NewConflictError("stale")), codes.Error, model.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := recordSpans(t)
			_, span := StartSpan(context.Background(), "store.move_deal")
			EndSpanWithError(span, tt.err)

			got := exporter.GetSpans()[0]
			if got.Status.Code != tt.wantCode {
				t.Errorf("status = %v, want %v", got.Status.Code, tt.wantCode)
			}
			if code := attrs(got)["funnel.error_code"]; code != tt.wantAttr {
				t.Errorf("error code = %q, want %q", code, tt.wantAttr)
			}
			if tt.err != nil && len(got.Events) == 0 {
				t.Error("error not recorded as an event")
			}
		})
	}
}

func TestSpanIDs(t *testing.T) {
	if traceID, spanID := SpanIDs(context.Background()); traceID != "" || spanID != "" {
		t.Errorf("SpanIDs() without span = %q, %q", traceID, spanID)
	}

	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "store.fetch_all")
	defer span.End()

	traceID, spanID := SpanIDs(ctx)
	if traceID != span.SpanContext().TraceID().String() {
		t.Errorf("trace id = %q", traceID)
	}
	if spanID != span.SpanContext().SpanID().String() {
		t.Errorf("span id = %q", spanID)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	recordSpans(t)
	ctx, span := StartClientSpan(context.Background(), "pipeline move_deal")
	defer span.End()

	h := http.Header{}
	InjectTraceHeaders(ctx, h)

	want := fmt.Sprintf("00-%s-%s-01", span.SpanContext().TraceID(), span.SpanContext().SpanID())
	if got := h.Get("Traceparent"); got != want {
		t.Errorf("traceparent = %q, want %q", got, want)
	}
}

func TestTracingMiddleware(t *testing.T) {
	exporter := recordSpans(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Patch("/funnel/opportunities/{id}/stage", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/funnel/board", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/funnel/opportunities/o-7/stage", nil))
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response has no traceparent")
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/funnel/board", nil))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}

	move := spans[0]
	if move.Name != "PATCH /funnel/opportunities/{id}/stage" {
		t.Errorf("name = %q, want the route pattern", move.Name)
	}
	if move.SpanKind != trace.SpanKindServer {
		t.Errorf("kind = %v", move.SpanKind)
	}
	if attrs(move)["http.response.status_code"] != "409" {
		t.Errorf("status attr = %q", attrs(move)["http.response.status_code"])
	}
	if move.Status.Code == codes.Error {
		t.Error("4xx must not mark the server span failed")
	}
	if spans[1].Status.Code != codes.Error {
		t.Error("5xx should mark the server span failed")
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := recordSpans(t)
	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))
	req := httptest.NewRequest(http.MethodGet, "/ws/funnel", nil)
	req.Header.Set("Traceparent", parent)
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), req)

	got := exporter.GetSpans()[0]
	if got.SpanContext.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got.SpanContext.TraceID())
	}
	if got.Parent.SpanID().String() != "00f067aa0ba902b7" {
		t.Errorf("parent = %s", got.Parent.SpanID())
	}
	if attrs(got)["funnel.websocket"] != "true" {
		t.Error("upgrade not flagged")
	}
}

func TestSpanHierarchy_rolledBackMove(t *testing.T) {
	exporter := recordSpans(t)

	ctx, store := StartSpan(context.Background(), "store.move_deal",
		AttrSubjectID.String("user-seller"),
		AttrOpportunityID.String("o1"),
		AttrStageID.String("s2"),
	)
	_, call := StartClientSpan(ctx, "pipeline move_deal", AttrAttempt.Int(1))
	EndSpanWithError(call, model.NewBackendUnavailableError())
	store.SetAttributes(AttrRolledBack.Bool(true))
	EndSpanWithError(store, errors.New("move failed"))

	byName := map[string]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	parent, child := byName["store.move_deal"], byName["pipeline move_deal"]
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("pipeline call should be a child of the store span")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("spans should share a trace")
	}
	if attrs(parent)["funnel.rolled_back"] != "true" {
		t.Error("rollback not recorded")
	}
	if attrs(child)["funnel.error_code"] != model.ErrBackendUnavailable {
		t.Errorf("child attrs = %v", attrs(child))
	}
}
