package observer

import (
	"context"
	"log/slog"
	"strings"
)

// RedactingHandler wraps a slog.Handler and replaces the values of
// sensitive attribute keys before they reach any sink. Matching is
// case-insensitive on the attribute key.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

const redacted = "[REDACTED]"

// NewRedactingHandler wraps inner, redacting the given keys.
func NewRedactingHandler(inner slog.Handler, keys []string) *RedactingHandler {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: set}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redone := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redone[i] = h.redact(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redone), keys: h.keys}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *RedactingHandler) redact(a slog.Attr) slog.Attr {
	if _, hit := h.keys[strings.ToLower(a.Key)]; hit {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		redone := make([]any, 0, len(members))
		for _, m := range members {
			redone = append(redone, h.redact(m))
		}
		return slog.Group(a.Key, redone...)
	}
	return a
}
