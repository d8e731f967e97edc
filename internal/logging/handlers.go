package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
)

// Tee returns a handler writing every record to each of handlers. Nil
// handlers are ignored; a single handler is returned as is.
func Tee(handlers ...slog.Handler) slog.Handler {
	valid := slices.DeleteFunc(slices.Clone(handlers), func(h slog.Handler) bool { return h == nil })
	if len(valid) == 1 {
		return valid[0]
	}
	return tee(valid)
}

type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(t, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

// Handle delivers to every enabled handler even when one fails, and reports
// the failures together.
func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	if name == "" {
		return t
	}
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// SessionSource reports the session a record belongs to. An empty id means
// no session has started.
type SessionSource interface {
	Current() (id, state string)
}

// sessionHandler adds session and state to every record, at the top level
// even for grouped loggers. The derived handler is rebuilt only when the
// session or its state changes.
type sessionHandler struct {
	base slog.Handler
	src  SessionSource
	ops  []func(slog.Handler) slog.Handler

	cached atomic.Pointer[derivedHandler]
}

type derivedHandler struct {
	id, state string
	h         slog.Handler
}

func newSessionHandler(base slog.Handler, src SessionSource) *sessionHandler {
	return &sessionHandler{base: base, src: src}
}

func (h *sessionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *sessionHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *sessionHandler) resolve() slog.Handler {
	id, state := h.src.Current()
	if d := h.cached.Load(); d != nil && d.id == id && d.state == state {
		return d.h
	}

	next := h.base
	if id != "" {
		next = next.WithAttrs([]slog.Attr{slog.String("session", id), slog.String("state", state)})
	}
	for _, op := range h.ops {
		next = op(next)
	}
	h.cached.Store(&derivedHandler{id: id, state: state, h: next})
	return next
}

func (h *sessionHandler) with(op func(slog.Handler) slog.Handler) *sessionHandler {
	return &sessionHandler{
		base: h.base,
		src:  h.src,
		ops:  append(slices.Clip(h.ops), op),
	}
}

func (h *sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(n slog.Handler) slog.Handler { return n.WithAttrs(attrs) })
}

func (h *sessionHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(n slog.Handler) slog.Handler { return n.WithGroup(name) })
}
