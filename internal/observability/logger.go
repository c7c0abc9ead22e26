package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

type taskKey struct{}

// taskRef names the send task a context is working on.
type taskRef struct {
	taskID     string
	campaignID string
}

// NewLogger builds the JSON production logger. Every entry carries the
// component name so api and worker output can share one sink.
func NewLogger(level string, component string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	cfg.InitialFields = map[string]any{"service": "campaign-dispatch"}
	if c := strings.TrimSpace(component); c != "" {
		cfg.InitialFields["component"] = c
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

// WithTask tags ctx with the send task being dispatched so every log line
// written for it can be joined across the scanner, consumer and worker.
func WithTask(ctx context.Context, taskID string, campaignID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, taskKey{}, taskRef{taskID: taskID, campaignID: campaignID})
}

func TaskFromContext(ctx context.Context) (taskID string, campaignID string, ok bool) {
	if ctx == nil {
		return "", "", false
	}

	ref, ok := ctx.Value(taskKey{}).(taskRef)
	if !ok || ref.taskID == "" {
		return "", "", false
	}

	return ref.taskID, ref.campaignID, true
}

// WithContextLogger adds the correlation id and task identity found in ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	var fields []zap.Field
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("correlationId", correlationID))
	}
	if taskID, campaignID, ok := TaskFromContext(ctx); ok {
		fields = append(fields, zap.String("taskId", taskID))
		if campaignID != "" {
			fields = append(fields, zap.String("campaignId", campaignID))
		}
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}
