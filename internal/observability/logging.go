package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/rfiflow/internal/config"
	"github.com/pitabwire/rfiflow/model"
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type loggerKey struct{}

// NewLogger builds the service logger. Every line carries the service name,
// version and commit.
//
// Level conventions:
//   - error: infrastructure failures (store down, panics), 5xx responses
//   - warn:  best-effort side effects that failed (audit, activity, notify),
//     sweep skips, audit clearing
//   - info:  requests, status and stage transitions, sweep summaries
//   - debug: rejected transitions, outbox task details
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := LogFormatJSON
	encodeLevel := zapcore.LowercaseLevelEncoder
	if cfg.LogFormat == LogFormatConsole {
		encoding = LogFormatConsole
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": "rfiflow",
			"version": Version,
			"commit":  Commit,
		},
	}

	return zapCfg.Build()
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

// Enrich adds the caller's identity and correlation ids to logger. Outside a
// request only the active trace id, if any, is added.
func Enrich(ctx context.Context, logger *zap.Logger) *zap.Logger {
	var fields []zap.Field

	traceID := TraceIDFromContext(ctx)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("subject_id", rctx.SubjectID),
			zap.String("correlation_id", rctx.CorrelationID),
		)
		if rctx.TraceID != "" {
			traceID = rctx.TraceID
		}
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// RequestLogger returns the context's logger (or fallback) enriched with the
// request's ids.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	return Enrich(ctx, LoggerFrom(ctx, fallback))
}
