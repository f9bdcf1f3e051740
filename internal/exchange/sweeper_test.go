package exchange

import (
	"testing"
	"time"

	"github.com/systemx/systemx/internal/protocol"
)

func TestSweepStaleEvictsSilentConnections(t *testing.T) {
	r := testRouter(t, Config{HeartbeatTimeout: 50 * time.Millisecond})
	_, ftStale := register(t, r, "stale@x.test")
	fresh, ftFresh := register(t, r, "fresh@x.test")

	time.Sleep(80 * time.Millisecond)
	r.HandleFrame(fresh, protocol.Frame{"type": "HEARTBEAT"})
	ftFresh.take()

	n := r.SweepStale()
	if n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if !ftStale.closed {
		t.Fatal("stale transport not closed")
	}
	if ftStale.closeReason != protocol.ReasonTimeout {
		t.Errorf("close reason = %q, want timeout", ftStale.closeReason)
	}
	if ftStale.closeCode != protocol.CloseTimeout {
		t.Errorf("close code = %d", ftStale.closeCode)
	}
	if ftFresh.closed {
		t.Error("fresh connection evicted")
	}
	if _, ok := r.registry.ByAddress("stale@x.test"); ok {
		t.Error("stale address still bound")
	}
}

func TestSweepStalePersistsWakeProfiles(t *testing.T) {
	r := testRouter(t, Config{HeartbeatTimeout: 30 * time.Millisecond})
	ft := &fakeTransport{}
	conn := r.Connect(ft)
	r.HandleFrame(conn, protocol.Frame{
		"type":    "REGISTER",
		"address": "bot@x.test",
		"mode":    "wake_on_ring",
		"wake_handler": map[string]any{
			"type":            "webhook",
			"url":             "http://h.test/wake",
			"timeout_seconds": float64(5),
		},
	})

	time.Sleep(60 * time.Millisecond)
	if n := r.SweepStale(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := r.wake.Profile("bot@x.test"); !ok {
		t.Error("timeout eviction must persist the wake profile")
	}
}

func TestSweepStaleEndsCalls(t *testing.T) {
	r := testRouter(t, Config{HeartbeatTimeout: 50 * time.Millisecond})
	a, _ := register(t, r, "a@x.test")
	b, ftb := register(t, r, "b@x.test")

	r.HandleFrame(a, protocol.Frame{"type": "DIAL", "to": "b@x.test"})
	callID, _ := ftb.last(t).Str("call_id")
	r.HandleFrame(b, protocol.Frame{"type": "ANSWER", "call_id": callID})

	// Only the callee keeps heartbeating.
	time.Sleep(80 * time.Millisecond)
	r.HandleFrame(b, protocol.Frame{"type": "HEARTBEAT"})
	ftb.take()

	if n := r.SweepStale(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	f := ftb.last(t)
	if f.Type() != protocol.TypeHangup {
		t.Fatalf("surviving party: expected HANGUP, got %v", f)
	}
	if reason, _ := f.Str("reason"); reason != protocol.ReasonTimeout {
		t.Errorf("reason = %q, want timeout", reason)
	}
	if r.calls.Len() != 0 {
		t.Error("call survived its caller's eviction")
	}
}

func TestSweepDisabledWithoutTimeout(t *testing.T) {
	r := testRouter(t, Config{})
	register(t, r, "a@x.test")
	time.Sleep(20 * time.Millisecond)
	if n := r.SweepStale(); n != 0 {
		t.Errorf("evicted %d with no timeout configured", n)
	}
}

func TestNewSweeperFloorsInterval(t *testing.T) {
	r := testRouter(t, Config{HeartbeatTimeout: time.Minute})
	s := NewSweeper(r, time.Second, nil)
	if s.interval != minSweepInterval {
		t.Errorf("interval = %v, want %v floor", s.interval, minSweepInterval)
	}
	s = NewSweeper(r, 30*time.Second, nil)
	if s.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", s.interval)
	}
}
