// Package logging provides dependency-injected structured logging for the
// clone engine and its collaborators.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger, attached via .With at
//     construction time
//   - If no logger is provided, a discard logger is used
//   - Global configuration (output format, level, destination) belongs only
//     in main()/cmd
//
// Logging stays out of per-block and per-page hot paths (get_next_block,
// AppendPreserved-equivalents); lifecycle boundaries (state transitions,
// task start/stop, truncate begin/end) are the intended log points.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Standard
// pattern for optional *slog.Logger constructor parameters.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps an slog.Handler and filters records by a
// per-component minimum level, so verbosity for one subsystem (e.g.
// "undotruncate") can be raised without touching every other logger.
//
// Thread-safety: Handle() does a lock-free atomic read of the level map;
// SetLevel/ClearLevel use copy-on-write.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level
	preAttrs     []slog.Attr
	levels       *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler creates a handler filtering records by the
// "component" attribute against a configurable per-component minimum level.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	p := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	p.Store(&empty)
	return &ComponentFilterHandler{next: next, defaultLevel: defaultLevel, levels: p}
}

func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	// Real filtering happens in Handle, once the "component" attribute is visible.
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	levels := *h.levels.Load()
	component := h.findComponent(r)

	minLevel := h.defaultLevel
	if component != "" {
		if lvl, ok := levels[component]; ok {
			minLevel = lvl
		}
	}
	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) findComponent(r slog.Record) string {
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	newAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newAttrs, h.preAttrs)
	newAttrs = append(newAttrs, attrs...)
	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     newAttrs,
		levels:       h.levels,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel sets the minimum level for a specific component. Safe to call
// concurrently with Handle.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	old := *h.levels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[component] = level
	h.levels.Store(&next)
}

// ClearLevel reverts a component to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	old := *h.levels.Load()
	if _, ok := old[component]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != component {
			next[k] = v
		}
	}
	h.levels.Store(&next)
}
