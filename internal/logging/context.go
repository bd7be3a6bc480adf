package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types.
type workerCtxKey struct{}
type waveCtxKey struct{}
type storyCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if worker := WorkerFromContext(ctx); worker != "" {
		fields = append(fields, zap.String("worker.id", worker))
	}
	if wave, ok := WaveFromContext(ctx); ok {
		fields = append(fields, zap.Int("wave", wave))
	}
	if story := StoryFromContext(ctx); story != "" {
		fields = append(fields, zap.String("story", story))
	}

	return fields
}

// WithWorker adds a worker ID to context.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, workerID)
}

// WorkerFromContext extracts the worker ID, or "".
func WorkerFromContext(ctx context.Context) string {
	if w, ok := ctx.Value(workerCtxKey{}).(string); ok {
		return w
	}
	return ""
}

// WithWave adds a pipeline wave number to context.
func WithWave(ctx context.Context, wave int) context.Context {
	return context.WithValue(ctx, waveCtxKey{}, wave)
}

// WaveFromContext extracts the wave number.
func WaveFromContext(ctx context.Context) (int, bool) {
	w, ok := ctx.Value(waveCtxKey{}).(int)
	return w, ok
}

// WithStory adds a story slug to context.
func WithStory(ctx context.Context, story string) context.Context {
	return context.WithValue(ctx, storyCtxKey{}, story)
}

// StoryFromContext extracts the story slug, or "".
func StoryFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(storyCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
