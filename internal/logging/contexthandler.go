package logging

import (
	"context"
	"log/slog"
)

// ContextProvider supplies attributes that change over the life of the process,
// such as the session id and flight state.
type ContextProvider interface {
	Attrs() []slog.Attr
}

// ContextProviderFunc adapts a function to ContextProvider.
type ContextProviderFunc func() []slog.Attr

// Attrs calls f.
func (f ContextProviderFunc) Attrs() []slog.Attr {
	return f()
}

// ContextHandler wraps another handler and injects the provider's attributes
// into every record at the time it is handled.
type ContextHandler struct {
	inner    slog.Handler
	provider ContextProvider
}

// NewContextHandler creates a handler that adds dynamic context to each record.
func NewContextHandler(inner slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{inner: inner, provider: provider}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.provider != nil {
		r.AddAttrs(h.provider.Attrs()...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewContextHandler(h.inner.WithAttrs(attrs), h.provider)
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return NewContextHandler(h.inner.WithGroup(name), h.provider)
}
