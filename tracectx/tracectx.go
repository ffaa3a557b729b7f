// Package tracectx propagates the correlation frame of a message across
// asynchronous boundaries: ingress emission, router fan-out, queue workers and
// adapter egress. The frame rides the context.Context of each unit of work,
// and a slog.Handler wrapper stamps it onto every log record so operators can
// follow one message through the whole pipeline.
package tracectx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Frame identifies the originating message of a unit of work.
type Frame struct {
	CorrelationID string
	Source        string // "platform:channelId" of the originating channel
}

type frameKey struct{}

// With returns a child context carrying frame. An empty correlation id is
// replaced with a fresh uuid so downstream code always has one to log.
func With(ctx context.Context, frame Frame) context.Context {
	if frame.CorrelationID == "" {
		frame.CorrelationID = uuid.New().String()
	}
	return context.WithValue(ctx, frameKey{}, frame)
}

// From extracts the frame from ctx.
func From(ctx context.Context) (Frame, bool) {
	f, ok := ctx.Value(frameKey{}).(Frame)
	return f, ok
}

// CorrelationID returns the frame's correlation id, or a fresh uuid when no
// upstream frame exists.
func CorrelationID(ctx context.Context) string {
	if f, ok := From(ctx); ok && f.CorrelationID != "" {
		return f.CorrelationID
	}
	return uuid.New().String()
}

// Handler wraps a slog.Handler, appending the correlation frame of the record
// context to every record that carries one.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner with correlation enrichment.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	if f, ok := From(ctx); ok {
		rec.AddAttrs(slog.String("correlation_id", f.CorrelationID))
		if f.Source != "" {
			rec.AddAttrs(slog.String("source", f.Source))
		}
	}
	return h.inner.Handle(ctx, rec)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
