package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/sagaflow/internal/config"
	"github.com/pitabwire/sagaflow/model"
)

type loggerKey struct{}

// NewLogger builds the JSON process logger. Every entry carries the service
// name and build version.
//
// Level conventions:
//   - error: store or handler failures, panics, 5xx responses
//   - warn:  4xx responses, ignored step signals, step retries, failed workflows
//   - info:  workflow transitions, definition reloads, startup and shutdown
//   - debug: event dispatch, advanced steps, redacted request payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig = enc
	zc.Sampling = nil

	return zc.Build(zap.Fields(
		zap.String("service", "sagaflow"),
		zap.String("version", Version),
	))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the request-scoped logger tagged with the caller
// identity from the RequestContext, when there is one.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("request_id", rctx.RequestID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if len(rctx.Roles) > 0 {
		fields = append(fields, zap.Strings("roles", rctx.Roles))
	}
	return logger.With(fields...)
}

// redacted replaces sensitive values in logged payloads.
const redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "credit_card", "card_number", "cvv", "ssn", "pin",
}

// RedactBody returns a copy of a workflow payload with sensitive keys masked,
// for debug logging. Keys match case-insensitively against the built-in list
// plus extra; nested objects and arrays of objects are walked too.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactMap(body, keys)
}

func redactMap(m map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, hit := keys[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, keys)
		}
		return out
	}
	return v
}
