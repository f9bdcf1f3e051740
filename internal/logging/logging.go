// Package logging configures the process logger and provides a fan-out
// slog handler so additional sinks (for example a broadcast log publisher)
// can subscribe to the log stream instead of intercepting the logger.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// NewHandler builds the primary handler for the configured format and level.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Fanout is a slog.Handler that forwards every record to a dynamic set of
// sinks. A failing sink never blocks the others.
type Fanout struct {
	mu    sync.RWMutex
	sinks []slog.Handler
}

// NewFanout creates a fan-out handler seeded with the given sinks.
func NewFanout(sinks ...slog.Handler) *Fanout {
	return &Fanout{sinks: sinks}
}

// AddSink subscribes another handler to the log stream.
func (f *Fanout) AddSink(h slog.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, h)
}

// Enabled reports whether any sink wants records at this level.
func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards the record to every interested sink.
func (f *Fanout) Handle(ctx context.Context, rec slog.Record) error {
	f.mu.RLock()
	sinks := make([]slog.Handler, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if !s.Enabled(ctx, rec.Level) {
			continue
		}
		if err := s.Handle(ctx, rec.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs clones the fan-out with the attrs applied to every sink.
func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.WithAttrs(attrs)
	}
	return NewFanout(out...)
}

// WithGroup clones the fan-out with the group applied to every sink.
func (f *Fanout) WithGroup(name string) slog.Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.WithGroup(name)
	}
	return NewFanout(out...)
}
