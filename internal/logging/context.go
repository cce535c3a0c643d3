// Package logging carries run correlation through contexts and builds the
// slog loggers that stamp it on every record.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Fields identifies the run, workflow and step a log record belongs to.
// Zero values are omitted.
type Fields struct {
	RunID      string
	WorkflowID string
	Step       int // 1-based
	StepKind   string
}

func (f Fields) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	if f.RunID != "" {
		attrs = append(attrs, slog.String("run_id", f.RunID))
	}
	if f.WorkflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", f.WorkflowID))
	}
	if f.Step > 0 {
		attrs = append(attrs, slog.Int("step", f.Step))
	}
	if f.StepKind != "" {
		attrs = append(attrs, slog.String("step_kind", f.StepKind))
	}
	return attrs
}

type fieldsKey struct{}

// FromContext returns the correlation fields set on ctx.
func FromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func with(ctx context.Context, update func(*Fields)) context.Context {
	f := FromContext(ctx)
	update(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithRunID returns a context carrying the run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.RunID = id })
}

// WithWorkflowID returns a context carrying the workflow ID.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.WorkflowID = id })
}

// WithIDs sets the run and workflow IDs at once.
func WithIDs(ctx context.Context, runID, workflowID string) context.Context {
	return with(ctx, func(f *Fields) {
		f.RunID = runID
		f.WorkflowID = workflowID
	})
}

// WithStep returns a context positioned at the 1-based step index of kind.
func WithStep(ctx context.Context, index int, kind string) context.Context {
	return with(ctx, func(f *Fields) {
		f.Step = index
		f.StepKind = kind
	})
}

// RunID returns the run ID on ctx, or "".
func RunID(ctx context.Context) string { return FromContext(ctx).RunID }

// WorkflowID returns the workflow ID on ctx, or "".
func WorkflowID(ctx context.Context) string { return FromContext(ctx).WorkflowID }

// StepIndex returns the step index on ctx, or 0.
func StepIndex(ctx context.Context) int { return FromContext(ctx).Step }

// LogWith returns logger with the correlation fields of ctx attached.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := FromContext(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation fields of the record's context to
// every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(FromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a level name to an slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a correlation-aware logger writing JSON, or logfmt-style
// text when format is "text".
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(format, "text") {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
