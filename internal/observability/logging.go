package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger on stdout. Levels are used as
// follows: error for a store still unavailable after retries and for
// recovered panics; warn for denied transitions, version conflicts and lost
// history entries; info for committed transitions and finished requests;
// debug for identity no-ops and idempotent replays.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.LogLevel))
	zcfg.Sampling = nil
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zcfg.Build()
}

// parseLevel falls back to info for names zap does not know.
func parseLevel(name string) zapcore.Level {
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger annotated with who is calling
// and how the request can be correlated.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return logger.With(requestFields(rctx)...)
	}
	return logger
}

func requestFields(rctx *model.RequestContext) []zap.Field {
	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("role", string(rctx.Role)),
	}
	for _, f := range [...]struct{ key, value string }{
		{"entity_id", rctx.EntityID},
		{"correlation_id", rctx.CorrelationID},
		{"trace_id", rctx.TraceID},
	} {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}
	return fields
}
