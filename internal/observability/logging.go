package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pitabwire/labflow/internal/config"
	"github.com/pitabwire/labflow/model"
)

type loggerKey struct{}

// Redacted replaces sensitive values in logged request bodies.
const Redacted = "[REDACTED]"

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "timestamp",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.MillisDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// NewLogger builds the labd JSON logger. Entries go to stdout and, when a
// log file is configured, to a size-rotated file too. An unknown level
// falls back to info.
//
// Levels:
//   - error: store or broker failures, 5xx responses
//   - warn:  rejected stage submits, version conflicts, other 4xx
//   - info:  requests, stage transitions, batch advances, catalog reloads
//   - debug: idempotent replays, redacted request bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zapcore.NewJSONEncoder(encoderConfig)
	var cores []zapcore.Core
	for _, sink := range logSinks(cfg.LogFile) {
		cores = append(cores, zapcore.NewCore(enc, sink, level))
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	), nil
}

func logSinks(file config.LogFileConfig) []zapcore.WriteSyncer {
	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if file.Path == "" {
		return sinks
	}
	return append(sinks, zapcore.AddSync(&lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}))
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

// RequestLogger returns the context logger tagged with the acting staff
// member, facility and trace of the request. Empty values are omitted.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	for _, f := range []struct{ key, value string }{
		{"facility_id", rctx.FacilityID},
		{"trace_id", rctx.TraceID},
		{"span_id", rctx.SpanID},
	} {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}
	return logger.With(fields...)
}

// Patient identifiers and credentials never reach the logs in clear text.
var defaultSensitiveFields = []string{
	"patientId",
	"patientName",
	"recipientName",
	"authorization",
	"token",
}

// RedactBody returns a copy of body with sensitive values replaced by
// Redacted. Keys match case-insensitively against the default patient
// identifiers plus extra. Nested objects, including objects inside arrays,
// are redacted too; body itself is not modified.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	sensitive := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for _, list := range [][]string{defaultSensitiveFields, extra} {
		for _, f := range list {
			sensitive[strings.ToLower(f)] = true
		}
	}
	return redactMap(body, sensitive)
}

func redactMap(m map[string]any, sensitive map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitive[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, sensitive)
	}
	return out
}

func redactValue(v any, sensitive map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val, sensitive)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, sensitive)
		}
		return out
	default:
		return v
	}
}
