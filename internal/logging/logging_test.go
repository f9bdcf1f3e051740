package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer

	slog.New(NewHandler(&buf, slog.LevelInfo, "json")).Info("hello", "k", "v")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("json format produced %q", buf.String())
	}

	buf.Reset()
	slog.New(NewHandler(&buf, slog.LevelInfo, "text")).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text format produced %q", buf.String())
	}

	// Level filtering applies.
	buf.Reset()
	slog.New(NewHandler(&buf, slog.LevelWarn, "text")).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record passed a warn-level handler: %q", buf.String())
	}
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	var a, b bytes.Buffer
	f := NewFanout(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)

	slog.New(f).Info("fan", "k", "v")

	for name, buf := range map[string]*bytes.Buffer{"a": &a, "b": &b} {
		if !strings.Contains(buf.String(), "fan") {
			t.Errorf("sink %s missed the record: %q", name, buf.String())
		}
	}
}

func TestFanoutPerSinkLevels(t *testing.T) {
	var debugSink, warnSink bytes.Buffer
	f := NewFanout(
		slog.NewTextHandler(&debugSink, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnSink, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)

	if !f.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(debug) = false with a debug sink attached")
	}

	slog.New(f).Debug("only for the debug sink")
	if !strings.Contains(debugSink.String(), "only for the debug sink") {
		t.Error("debug sink missed its record")
	}
	if warnSink.Len() != 0 {
		t.Errorf("warn sink got a debug record: %q", warnSink.String())
	}
}

func TestFanoutAddSink(t *testing.T) {
	f := NewFanout()
	if f.Enabled(context.Background(), slog.LevelError) {
		t.Error("empty fan-out claims to be enabled")
	}

	var buf bytes.Buffer
	f.AddSink(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	slog.New(f).Info("late subscriber")
	if !strings.Contains(buf.String(), "late subscriber") {
		t.Error("added sink missed the record")
	}
}

func TestFanoutWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	f := NewFanout(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	slog.New(f).With("component", "exchange").Info("scoped")
	if !strings.Contains(buf.String(), "component=exchange") {
		t.Errorf("WithAttrs lost the attribute: %q", buf.String())
	}
}
