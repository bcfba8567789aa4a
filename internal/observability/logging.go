package observability

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout. An
// unparsable level falls back to info. Every entry carries the service
// name.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), impact circuit open, event publish failures, retries
//   - info:  Trigger firings, execution and task transitions, definition registration
//   - debug: Suppressed trigger decisions, frontier expansion, lock waits
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
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
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build(zap.Fields(zap.String("service", "complyflow")))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with the caller's tenant,
// subject and correlation id. If no logger is in the context, the fallback
// is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	// Include trace_id if present.
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// ExecutionFields identifies an execution in log entries.
func ExecutionFields(e *model.WorkflowExecution) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", e.TenantID),
		zap.String("execution_id", e.ID),
		zap.String("definition_id", e.DefinitionID),
		zap.Int("definition_version", e.DefinitionVersion),
		zap.String("state", string(e.State)),
	}
}

// TaskFields identifies a task in log entries.
func TaskFields(t *model.WorkflowTask) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", t.TenantID),
		zap.String("execution_id", t.ExecutionID),
		zap.String("task_id", t.ID),
		zap.String("task", t.TaskKey),
		zap.String("task_state", string(t.State)),
	}
}

// TriggerFields identifies a trigger decision on an event.
func TriggerFields(t *model.WorkflowTrigger, eventID string) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", t.TenantID),
		zap.String("trigger_id", t.ID),
		zap.String("trigger", t.Name),
		zap.String("definition_id", t.DefinitionID),
		zap.String("event_id", eventID),
	}
}

// ChangeFields describes a committed state change. Task fields are only
// present on task changes.
func ChangeFields(c model.StateChange) []zap.Field {
	fields := []zap.Field{
		zap.String("tenant_id", c.TenantID),
		zap.String("execution_id", c.ExecutionID),
	}
	if c.TaskID != "" {
		fields = append(fields, zap.String("task_id", c.TaskID), zap.String("task", c.TaskKey))
	}
	return append(fields,
		zap.String("from", c.From),
		zap.String("to", c.To),
		zap.String("actor", c.Actor),
	)
}

// sensitiveKeys are event payload keys never written to logs.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"api_key":       true,
	"authorization": true,
	"iban":          true,
	"national_id":   true,
	"ssn":           true,
	"date_of_birth": true,
}

// RedactPayload returns a copy of an event payload with sensitive keys
// replaced by "[REDACTED]", descending into nested objects. extra adds
// keys to the built-in set. Only debug-level entries carry payloads.
func RedactPayload(payload map[string]any, extra ...string) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKeys[k] || slices.Contains(extra, k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactPayload(nested, extra...)
			continue
		}
		out[k] = v
	}
	return out
}
