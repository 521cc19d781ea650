package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/model"
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type loggerKey struct{}

// NewLogger builds the process logger.
//
// Levels:
//   - error: snapshot store or pipeline service unreachable, panics, 5xx
//   - warn:  4xx, failed mutations, move rollbacks, open circuit
//   - info:  requests, refreshes, session start and eviction
//   - debug: snapshot hits, best-effort fetch failures, stale responses
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	switch cfg.LogFormat {
	case "", LogFormatJSON:
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	case LogFormatConsole:
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("observability: unknown log format %q", cfg.LogFormat)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// Sampling would hide repeated rollback warnings for a busy board.
	zc.Sampling = nil

	return zc.Build(zap.Fields(zap.String("service", "funnel-bff"), zap.String("version", Version)))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns component enriched with the caller's identity and
// correlation fields. A nil component falls back to the context logger,
// which the request middleware has already enriched.
func RequestLogger(ctx context.Context, component *zap.Logger) *zap.Logger {
	if component == nil {
		if l := LoggerFrom(ctx, nil); l != nil {
			return l
		}
		component = zap.NewNop()
	}

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return component
	}
	return component.With(requestFields(rctx)...)
}

func requestFields(rctx *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if rctx.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.IsAdmin() {
		fields = append(fields, zap.Bool("admin", true))
	}
	return fields
}
