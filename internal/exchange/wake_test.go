package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/systemx/systemx/internal/protocol"
)

// fakeExecutor records wake attempts and returns a configurable error.
type fakeExecutor struct {
	mu    sync.Mutex
	woken []string
	err   error
}

func (e *fakeExecutor) Wake(_ context.Context, profile WakeProfile) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.woken = append(e.woken, profile.Address)
	return e.err
}

func (e *fakeExecutor) wokenAddresses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.woken...)
}

func testRouterWithExecutor(tb testing.TB, cfg Config, ex WakeExecutor) *Router {
	tb.Helper()
	r := testRouter(tb, cfg)
	r.executor = ex
	return r
}

// sleepingAgent registers a wake_on_ring address, puts it to sleep, and
// returns once the profile is stored.
func sleepingAgent(tb testing.TB, r *Router, address string, timeoutSec float64) {
	tb.Helper()
	ft := &fakeTransport{}
	conn := r.Connect(ft)
	r.HandleFrame(conn, protocol.Frame{
		"type":    "REGISTER",
		"address": address,
		"mode":    "wake_on_ring",
		"wake_handler": map[string]any{
			"type":            "webhook",
			"url":             "http://h.test/wake",
			"timeout_seconds": timeoutSec,
		},
	})
	if f := ft.last(tb); f.Type() != protocol.TypeRegistered {
		tb.Fatalf("register %s: %v", address, f)
	}
	r.HandleFrame(conn, protocol.Frame{"type": "SLEEP_ACK"})
	if _, ok := r.wake.Profile(address); !ok {
		tb.Fatalf("no profile stored for %s", address)
	}
}

func TestWakeOnRingRoundTrip(t *testing.T) {
	ex := &fakeExecutor{}
	r := testRouterWithExecutor(t, Config{}, ex)
	sleepingAgent(t, r, "bot@x.test", 5)
	caller, ftc := register(t, r, "caller@x.test")

	r.HandleFrame(caller, protocol.Frame{
		"type":     "DIAL",
		"to":       "bot@x.test",
		"metadata": map[string]any{"purpose": "ping"},
	})

	// The dial is queued: the caller hears nothing and is marked busy.
	if len(ftc.take()) != 0 {
		t.Error("caller got frames while the wake was pending")
	}
	if caller.EffectiveStatus() != StatusBusy {
		t.Error("caller not busy while awaiting the wake")
	}
	if r.wake.PendingLen() != 1 {
		t.Fatalf("pending = %d, want 1", r.wake.PendingLen())
	}

	// The executor fires asynchronously.
	deadline := time.Now().Add(time.Second)
	for len(ex.wokenAddresses()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("executor never invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The woken agent registers; the queued dial becomes a real call with
	// the pending call ID.
	ftb := &fakeTransport{}
	bot := r.Connect(ftb)
	r.HandleFrame(bot, protocol.Frame{
		"type":    "REGISTER",
		"address": "bot@x.test",
		"mode":    "wake_on_ring",
		"wake_handler": map[string]any{
			"type":            "webhook",
			"url":             "http://h.test/wake",
			"timeout_seconds": float64(5),
		},
	})

	frames := ftb.take()
	if len(frames) != 2 {
		t.Fatalf("bot got %d frames, want REGISTERED+RING", len(frames))
	}
	ring := frames[1]
	if ring.Type() != protocol.TypeRing {
		t.Fatalf("expected RING after registration, got %v", ring)
	}
	if from, _ := ring.Str("from"); from != "caller@x.test" {
		t.Errorf("RING from = %q", from)
	}
	if md, ok := ring.Obj("metadata"); !ok || md["purpose"] != "ping" {
		t.Errorf("queued metadata lost: %v", ring["metadata"])
	}
	callID, _ := ring.Str("call_id")

	r.HandleFrame(bot, protocol.Frame{"type": "ANSWER", "call_id": callID})
	connected := ftc.last(t)
	if connected.Type() != protocol.TypeConnected {
		t.Fatalf("caller: expected CONNECTED, got %v", connected)
	}
	if id, _ := connected.Str("call_id"); id != callID {
		t.Errorf("caller tracked %q, call is %q", id, callID)
	}
	if r.wake.PendingLen() != 0 {
		t.Error("pending queue not drained")
	}
	if len(caller.PendingWakes) != 0 {
		t.Error("caller still holds a pending wake")
	}
}

func TestWakeExecutorFailure(t *testing.T) {
	ex := &fakeExecutor{err: errors.New("endpoint down")}
	r := testRouterWithExecutor(t, Config{}, ex)
	sleepingAgent(t, r, "bot@x.test", 5)
	caller, ftc := register(t, r, "caller@x.test")

	r.HandleFrame(caller, protocol.Frame{"type": "DIAL", "to": "bot@x.test"})

	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		n := len(ftc.frames)
		r.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failure never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.mu.Lock()
	f := ftc.last(t)
	r.mu.Unlock()
	if f.Type() != protocol.TypeBusy {
		t.Fatalf("expected BUSY, got %v", f)
	}
	if reason, _ := f.Str("reason"); reason != protocol.ReasonWakeFailed {
		t.Errorf("reason = %q, want wake_failed", reason)
	}
	if caller.EffectiveStatus() != StatusAvailable {
		t.Error("caller still busy after wake failure")
	}
	if r.wake.PendingLen() != 0 {
		t.Error("failed wake still queued")
	}
}

func TestWakeTimeout(t *testing.T) {
	// Executor succeeds but the agent never comes back.
	ex := &fakeExecutor{}
	r := testRouterWithExecutor(t, Config{}, ex)
	sleepingAgent(t, r, "bot@x.test", 0.001) // floored to 100ms
	caller, ftc := register(t, r, "caller@x.test")

	r.HandleFrame(caller, protocol.Frame{"type": "DIAL", "to": "bot@x.test"})

	time.Sleep(250 * time.Millisecond)

	r.mu.Lock()
	f := ftc.last(t)
	r.mu.Unlock()
	if f.Type() != protocol.TypeBusy {
		t.Fatalf("expected BUSY, got %v", f)
	}
	if reason, _ := f.Str("reason"); reason != protocol.ReasonTimeout {
		t.Errorf("reason = %q, want timeout", reason)
	}
}

func TestWakeCallerDisconnectsWhilePending(t *testing.T) {
	ex := &fakeExecutor{}
	r := testRouterWithExecutor(t, Config{}, ex)
	sleepingAgent(t, r, "bot@x.test", 5)
	caller, _ := register(t, r, "caller@x.test")

	r.HandleFrame(caller, protocol.Frame{"type": "DIAL", "to": "bot@x.test"})
	if r.wake.PendingLen() != 1 {
		t.Fatal("dial not queued")
	}

	r.Disconnect(caller, protocol.ReasonPeerDisconnected)
	if r.wake.PendingLen() != 0 {
		t.Error("pending wake survived its caller")
	}

	// The agent returns to an empty queue: a clean registration, no RING.
	ftb := &fakeTransport{}
	bot := r.Connect(ftb)
	r.HandleFrame(bot, protocol.Frame{"type": "REGISTER", "address": "bot@x.test"})
	frames := ftb.take()
	if len(frames) != 1 || frames[0].Type() != protocol.TypeRegistered {
		t.Errorf("expected only REGISTERED, got %v", frames)
	}
}

func TestWakeQueueDrainRespectsSingleConcurrency(t *testing.T) {
	ex := &fakeExecutor{}
	r := testRouterWithExecutor(t, Config{}, ex)
	sleepingAgent(t, r, "bot@x.test", 5)
	c1, ftc1 := register(t, r, "c1@x.test")
	c2, ftc2 := register(t, r, "c2@x.test")

	r.HandleFrame(c1, protocol.Frame{"type": "DIAL", "to": "bot@x.test"})
	r.HandleFrame(c2, protocol.Frame{"type": "DIAL", "to": "bot@x.test"})
	if r.wake.PendingLen() != 2 {
		t.Fatalf("pending = %d, want 2", r.wake.PendingLen())
	}

	ftb := &fakeTransport{}
	bot := r.Connect(ftb)
	r.HandleFrame(bot, protocol.Frame{
		"type":    "REGISTER",
		"address": "bot@x.test",
		"mode":    "wake_on_ring",
		"wake_handler": map[string]any{
			"type":            "webhook",
			"url":             "http://h.test/wake",
			"timeout_seconds": float64(5),
		},
	})

	// Single concurrency: exactly one queued dial materialises, FIFO order.
	frames := ftb.take()
	rings := 0
	for _, f := range frames {
		if f.Type() == protocol.TypeRing {
			rings++
			if from, _ := f.Str("from"); from != "c1@x.test" {
				t.Errorf("first RING from = %q, want c1@x.test", from)
			}
		}
	}
	if rings != 1 {
		t.Fatalf("got %d RINGs, want 1", rings)
	}
	if r.wake.PendingLen() != 1 {
		t.Errorf("pending = %d, want 1 still queued", r.wake.PendingLen())
	}
	if len(ftc1.take()) != 0 || len(ftc2.take()) != 0 {
		t.Error("callers heard something before an ANSWER")
	}
}

func TestAutoSleepSequence(t *testing.T) {
	r := testRouter(t, Config{})
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
	ft.take()
	r.HandleFrame(conn, protocol.Frame{
		"type":   "STATUS",
		"status": "available",
		"auto_sleep": map[string]any{
			"idle_timeout_seconds": 0.05,
			"wake_on_ring":         true,
		},
	})

	// Idle expiry: SLEEP_PENDING, then disconnect with reason sleep after
	// the grace window (200ms floor).
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		done := ft.closed
		r.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never put to sleep")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.mu.Lock()
	frames := ft.take()
	closeReason := ft.closeReason
	r.mu.Unlock()

	var sawPending bool
	for _, f := range frames {
		if f.Type() == protocol.TypeSleepPending {
			sawPending = true
			if reason, _ := f.Str("reason"); reason != protocol.ReasonIdleTimeout {
				t.Errorf("SLEEP_PENDING reason = %q", reason)
			}
			if secs, ok := f["seconds_until_sleep"].(float64); !ok || secs <= 0 {
				t.Errorf("seconds_until_sleep = %v", f["seconds_until_sleep"])
			}
		}
	}
	if !sawPending {
		t.Error("no SLEEP_PENDING before the sleep disconnect")
	}
	if closeReason != protocol.ReasonSleep {
		t.Errorf("close reason = %q, want sleep", closeReason)
	}
	if _, ok := r.wake.Profile("bot@x.test"); !ok {
		t.Error("auto-sleep did not persist the wake profile")
	}
}

func TestAutoSleepDeferredWhileInCall(t *testing.T) {
	r := testRouter(t, Config{})
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
	ft.take()

	caller, _ := register(t, r, "caller@x.test")
	r.HandleFrame(caller, protocol.Frame{"type": "DIAL", "to": "bot@x.test"})
	callID, _ := ft.last(t).Str("call_id")
	r.HandleFrame(conn, protocol.Frame{"type": "ANSWER", "call_id": callID})

	r.HandleFrame(conn, protocol.Frame{
		"type":   "STATUS",
		"status": "available",
		"auto_sleep": map[string]any{
			"idle_timeout_seconds": 0.05,
			"wake_on_ring":         true,
		},
	})

	time.Sleep(150 * time.Millisecond)
	r.mu.Lock()
	closed := ft.closed
	r.mu.Unlock()
	if closed {
		t.Fatal("connection slept while in a call")
	}

	// Hanging up re-arms the idle timer; now it may sleep.
	r.HandleFrame(caller, protocol.Frame{"type": "HANGUP", "call_id": callID})
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		closed = ft.closed
		r.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never slept after the call ended")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSleepGraceClamp(t *testing.T) {
	if g := sleepGrace(time.Second); g != 200*time.Millisecond {
		t.Errorf("1s idle: grace = %v, want 200ms floor", g)
	}
	if g := sleepGrace(10 * time.Second); g != time.Second {
		t.Errorf("10s idle: grace = %v, want 1s", g)
	}
	if g := sleepGrace(10 * time.Minute); g != 5*time.Second {
		t.Errorf("10m idle: grace = %v, want 5s ceiling", g)
	}
}
