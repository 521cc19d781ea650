package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/model"
)

// ServiceName identifies the BFF in traces and logs.
const ServiceName = "funnel-bff"

const tracerName = "github.com/pitabwire/funnel"

// Span attribute keys.
var (
	AttrOperation     = attribute.Key("funnel.operation")
	AttrSubjectID     = attribute.Key("funnel.subject_id")
	AttrOpportunityID = attribute.Key("funnel.opportunity_id")
	AttrStageID       = attribute.Key("funnel.stage_id")
	AttrRolledBack    = attribute.Key("funnel.rolled_back")
	AttrBackendPath   = attribute.Key("funnel.backend_path")
	AttrAttempt       = attribute.Key("funnel.attempt")
	AttrErrorCode     = attribute.Key("funnel.error_code")
	AttrWebSocket     = attribute.Key("funnel.websocket")
)

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes buffered spans; it is a no-op when tracing is
// disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	exp, err := exporterFor(ctx, cfg)
	if err != nil {
		return noop, fmt.Errorf("tracing: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(ServiceName), semconv.ServiceVersion(version)),
	)
	if err != nil {
		return noop, fmt.Errorf("tracing: resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerFor(cfg)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return provider.Shutdown, nil
}

func exporterFor(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "stdout" {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}
	if cfg.Exporter != "" && cfg.Exporter != "otlp" {
		return nil, fmt.Errorf("unsupported exporter %q (want otlp or stdout)", cfg.Exporter)
	}
	if cfg.Endpoint == "" {
		return otlptracegrpc.New(ctx)
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint))
}

// samplerFor honours an upstream sampling decision and otherwise samples
// root spans at the configured rate (default 10%). ForceSampleErrors records
// every root span so a failed move is never sampled away.
func samplerFor(cfg config.TracingConfig) sdktrace.Sampler {
	if cfg.ForceSampleErrors || cfg.SamplingRate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	ratio := cfg.SamplingRate
	if ratio <= 0 {
		ratio = 0.1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartClientSpan starts a span for a call to the pipeline service.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// EndSpanWithError ends span, marking it failed when err is non-nil. Errors
// carrying an error envelope also record its code.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			span.SetAttributes(AttrErrorCode.String(env.Code))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanIDs returns the hex trace and span ids of the active span, or empty
// strings when there is none.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

// InjectTraceHeaders writes the active trace context into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// TracingMiddleware starts a server span per request, continuing an inbound
// traceparent, and echoes the trace context in the response headers. The
// span is renamed to the chi route pattern once routing is done.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		carrier := propagation.HeaderCarrier(r.Header)
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), carrier)

		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		}
		if r.Header.Get("Upgrade") != "" {
			attrs = append(attrs, AttrWebSocket.Bool(true))
		}
		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
		defer span.End()

		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

		cw := &countingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r.WithContext(ctx))

		span.SetName(r.Method + " " + routePattern(r))
		span.SetAttributes(semconv.HTTPResponseStatusCode(cw.status))
		if cw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(cw.status))
		}
	})
}
