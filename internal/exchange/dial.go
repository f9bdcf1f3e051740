package exchange

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/systemx/systemx/internal/protocol"
)

// minWakeTimeout floors the wake timer so a misconfigured handler timeout
// cannot fire before the executor has a chance to run.
const minWakeTimeout = 100 * time.Millisecond

// ---- DIAL ----

func (r *Router) handleDial(conn *Connection, f protocol.Frame) {
	if conn.Address == "" && !conn.IsPeer() {
		r.send(conn, protocol.Error(protocol.ReasonNotRegistered, protocol.TypeDial, "dial requires a registered address"))
		return
	}
	to, ok := f.Str("to")
	if !ok || to == "" {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeDial, "to must be a non-empty string"))
		return
	}
	if f.Has("metadata") {
		if _, ok := f.Obj("metadata"); !ok {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeDial, "metadata must be an object"))
			return
		}
	}
	metadata, _ := f.Obj("metadata")

	// A DIAL relayed by a federation peer pins the call ID minted on the
	// far side and carries the remote caller's address.
	callerAddr := conn.Address
	var relayID string
	if conn.IsPeer() {
		relayID, _ = f.Str("call_id")
		if from, ok := f.Str("from"); ok && from != "" {
			callerAddr = from
		}
	}

	if !r.limiter.Allow(conn.SessionID) {
		r.obs.DialOutcome(protocol.ReasonRateLimited)
		r.send(conn, protocol.Error(protocol.ReasonRateLimited, protocol.TypeDial, "dial rate limit exceeded"))
		return
	}

	callee, ok := r.registry.ByAddress(to)
	if !ok {
		// Sleeping agent? Unknown but federated? Otherwise unreachable.
		if profile, stored := r.wake.Profile(to); stored {
			r.startWake(conn, to, metadata, profile)
			return
		}
		if peer := r.matchRoute(to); peer != nil {
			r.startCall(conn, peer, callerAddr, to, relayID, metadata)
			r.obs.DialOutcome("forwarded")
			return
		}
		r.busy(conn, to, protocol.ReasonNoSuchAddress)
		return
	}

	if callee == conn {
		r.busy(conn, to, protocol.ReasonAlreadyInCall)
		return
	}
	switch callee.Manual {
	case StatusDND:
		r.busy(conn, to, protocol.ReasonDND)
		return
	case StatusAway:
		r.busy(conn, to, protocol.ReasonAway)
		return
	case StatusBusy:
		r.busy(conn, to, protocol.ReasonBusy)
		return
	}

	switch callee.Concurrency {
	case ConcurrencySingle:
		if len(callee.ActiveCalls) > 0 {
			r.busy(conn, to, protocol.ReasonAlreadyInCall)
			return
		}
		r.startCall(conn, callee, callerAddr, to, relayID, metadata)
	case ConcurrencyBroadcast:
		r.joinBroadcast(conn, callee, relayID, metadata)
	case ConcurrencyParallel:
		if callee.MaxSessions > 0 && len(callee.ActiveCalls) >= callee.MaxSessions {
			r.busy(conn, to, protocol.ReasonMaxSessionsReached)
			return
		}
		r.startCall(conn, callee, callerAddr, to, relayID, metadata)
	}
}

// busy rejects a dial attempt and records the outcome.
func (r *Router) busy(conn *Connection, to, reason string) {
	r.obs.DialOutcome(reason)
	r.send(conn, protocol.Busy(to, reason))
}

// startCall creates a ringing point-to-point call. callID is "" for a fresh
// dial; it is pinned when a pending wake call materialises or when the dial
// was relayed across a federation link.
func (r *Router) startCall(caller, callee *Connection, callerAddress, calleeAddress, callID string, metadata map[string]any) *Call {
	if callID == "" {
		callID = uuid.NewString()
	}
	call := &Call{
		ID:            callID,
		Caller:        caller,
		Callee:        callee,
		CallerAddress: callerAddress,
		CalleeAddress: calleeAddress,
		State:         CallRinging,
		StartedAt:     time.Now(),
		Metadata:      metadata,
	}
	r.calls.Add(call)
	caller.ActiveCalls[callID] = struct{}{}
	callee.ActiveCalls[callID] = struct{}{}
	r.armIdleLocked(caller)
	r.armIdleLocked(callee)

	if callee.IsPeer() {
		// The far router mints its own RING; it just needs the dial, the
		// originating address, and the shared call ID.
		r.send(callee, protocol.DialRelay(calleeAddress, callerAddress, callID, metadata))
	} else {
		r.send(callee, protocol.Ring(callerAddress, callID, metadata))
	}
	call.ringTimer = time.AfterFunc(r.cfg.RingTimeout, func() {
		r.ringTimedOut(callID)
	})

	r.obs.DialOutcome("ringing")
	r.log.Info("call ringing", "call_id", callID, "from", callerAddress, "to", calleeAddress)
	return call
}

// ringTimedOut fires when a call is still ringing past the configured
// timeout: the caller learns the callee never answered, the callee learns
// the offer is gone.
func (r *Router) ringTimedOut(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls.Get(callID)
	if !ok || call.State != CallRinging {
		return
	}
	r.endCallLocked(call, protocol.ReasonTimeout)
	r.send(call.Caller, protocol.Busy(call.CalleeAddress, protocol.ReasonTimeout))
	r.send(call.Callee, protocol.Hangup(callID, protocol.ReasonTimeout, ""))
	r.log.Info("call ring timeout", "call_id", callID, "to", call.CalleeAddress)
}

// endCallLocked moves a call to its terminal state, releases it from the
// table, and clears both participants' membership. Emission of HANGUP/BUSY
// frames stays with the caller since it varies by termination path.
func (r *Router) endCallLocked(call *Call, reason string) {
	if call.State == CallEnded {
		return
	}
	if call.ringTimer != nil {
		call.ringTimer.Stop()
		call.ringTimer = nil
	}
	call.State = CallEnded
	call.EndedAt = time.Now()
	call.EndReason = reason
	r.calls.Release(call.ID)

	delete(call.Caller.ActiveCalls, call.ID)
	delete(call.Callee.ActiveCalls, call.ID)
	r.armIdleLocked(call.Caller)
	r.armIdleLocked(call.Callee)
}

// matchRoute finds a federation peer whose announced route patterns match
// the dialed address. Patterns are glob-style, e.g. "*@*.branch.example".
func (r *Router) matchRoute(to string) *Connection {
	var matched *Connection
	r.registry.All(func(c *Connection) {
		if matched != nil || !c.IsPeer() || c.closed {
			return
		}
		for _, pattern := range c.Routes {
			if ok, err := path.Match(pattern, to); err == nil && ok {
				matched = c
				return
			}
		}
	})
	return matched
}

// ---- ANSWER ----

func (r *Router) handleAnswer(conn *Connection, f protocol.Frame) {
	callID, ok := f.Str("call_id")
	if !ok {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeAnswer, "call_id must be a string"))
		return
	}
	call, ok := r.calls.Get(callID)
	if !ok || call.Callee != conn || call.State != CallRinging {
		// Stray or duplicate ANSWER: idempotent no-op.
		return
	}
	if call.ringTimer != nil {
		call.ringTimer.Stop()
		call.ringTimer = nil
	}
	call.State = CallConnected
	r.send(call.Caller, protocol.Connected(callID, call.CalleeAddress))
	r.log.Info("call connected", "call_id", callID, "from", call.Caller.Address, "to", call.CalleeAddress)
}

// ---- HANGUP ----

func (r *Router) handleHangup(conn *Connection, f protocol.Frame) {
	callID, ok := f.Str("call_id")
	if !ok {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeHangup, "call_id must be a string"))
		return
	}
	reason := protocol.ReasonNormal
	if f.Has("reason") {
		s, ok := f.Str("reason")
		if !ok || s == "" {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeHangup, "reason must be a non-empty string"))
			return
		}
		reason = s
	}

	if call, ok := r.calls.Get(callID); ok {
		other := call.Other(conn)
		if other == nil || call.State == CallEnded {
			return
		}
		r.endCallLocked(call, reason)
		r.send(other, protocol.Hangup(callID, reason, ""))
		r.log.Info("call ended", "call_id", callID, "reason", reason)
		return
	}

	if bs, ok := r.broadcasts.Get(callID); ok {
		if bs.Broadcaster == conn {
			r.teardownBroadcast(bs, reason)
		} else if _, in := bs.Listeners[conn.SessionID]; in {
			r.removeListener(bs, conn, reason)
		}
	}
}

// ---- MSG ----

func (r *Router) handleMsg(conn *Connection, f protocol.Frame) {
	callID, ok := f.Str("call_id")
	if !ok {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeMsg, "call_id must be a string"))
		return
	}
	data, has := f["data"]
	if !has {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeMsg, "data is required"))
		return
	}
	contentType := protocol.ContentText
	if f.Has("content_type") {
		s, ok := f.Str("content_type")
		if !ok {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeMsg, "content_type must be a string"))
			return
		}
		switch s {
		case protocol.ContentText, protocol.ContentJSON, protocol.ContentBinary:
			contentType = s
		default:
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeMsg, "content_type must be text, json or binary"))
			return
		}
	}

	// A relaying peer forwards the remote sender's address in the frame.
	from := conn.Address
	if conn.IsPeer() {
		if s, ok := f.Str("from"); ok && s != "" {
			from = s
		}
	}

	if call, ok := r.calls.Get(callID); ok {
		other := call.Other(conn)
		if other == nil || call.State != CallConnected {
			return
		}
		r.send(other, protocol.Msg(callID, from, data, contentType))
		return
	}

	if bs, ok := r.broadcasts.Get(callID); ok {
		if bs.Broadcaster == conn {
			// Best-effort fan-out: one dead listener must not starve the rest.
			for _, listener := range bs.Listeners {
				r.send(listener, protocol.Msg(callID, bs.Broadcaster.Address, data, contentType))
			}
			return
		}
		if _, in := bs.Listeners[conn.SessionID]; in {
			r.send(bs.Broadcaster, protocol.Msg(callID, from, data, contentType))
		}
	}
}

// ---- federation relay outcomes ----

// handlePeerConnected treats a CONNECTED relayed back by a federation peer
// as the remote callee's answer.
func (r *Router) handlePeerConnected(conn *Connection, f protocol.Frame) {
	callID, ok := f.Str("call_id")
	if !ok {
		return
	}
	call, ok := r.calls.Get(callID)
	if !ok || call.Callee != conn || call.State != CallRinging {
		return
	}
	if call.ringTimer != nil {
		call.ringTimer.Stop()
		call.ringTimer = nil
	}
	call.State = CallConnected
	r.send(call.Caller, protocol.Connected(callID, call.CalleeAddress))
	r.log.Info("relayed call connected", "call_id", callID, "to", call.CalleeAddress)
}

// handlePeerBusy relays a remote dial rejection to the local caller. BUSY
// carries no call ID, so the ringing call is found by dialed address.
func (r *Router) handlePeerBusy(conn *Connection, f protocol.Frame) {
	to, ok := f.Str("to")
	if !ok {
		return
	}
	reason, ok := f.Str("reason")
	if !ok {
		reason = protocol.ReasonBusy
	}
	var match *Call
	for _, id := range activeCallIDs(conn) {
		if call, ok := r.calls.Get(id); ok &&
			call.Callee == conn && call.CalleeAddress == to && call.State == CallRinging {
			if match == nil || call.StartedAt.Before(match.StartedAt) {
				match = call
			}
		}
	}
	if match == nil {
		return
	}
	r.endCallLocked(match, reason)
	r.send(match.Caller, protocol.Busy(to, reason))
	r.log.Info("relayed call rejected", "call_id", match.ID, "to", to, "reason", reason)
}

// activeCallIDs snapshots a connection's active call IDs so lookups do not
// mutate the set mid-iteration.
func activeCallIDs(conn *Connection) []string {
	ids := make([]string, 0, len(conn.ActiveCalls))
	for id := range conn.ActiveCalls {
		ids = append(ids, id)
	}
	return ids
}

// ---- broadcast sessions ----

// joinBroadcast admits a caller to the broadcaster's shared session,
// creating it lazily on first join. callID is honoured only at session
// creation, so wake and relayed dials keep the ID both sides track.
func (r *Router) joinBroadcast(caller, broadcaster *Connection, callID string, metadata map[string]any) {
	bs, ok := r.broadcasts.ByBroadcaster(broadcaster)
	if !ok {
		if callID == "" {
			callID = uuid.NewString()
		}
		bs = &BroadcastSession{
			ID:          callID,
			Broadcaster: broadcaster,
			Listeners:   make(map[string]*Connection),
			Active:      true,
			StartedAt:   time.Now(),
			Metadata:    metadata,
		}
		r.broadcasts.Add(bs)
		broadcaster.ActiveCalls[bs.ID] = struct{}{}
		r.armIdleLocked(broadcaster)
	}

	if _, dup := bs.Listeners[caller.SessionID]; dup {
		// Duplicate join: confirm again, never double-insert.
		r.send(caller, protocol.Connected(bs.ID, broadcaster.Address))
		return
	}
	if broadcaster.MaxListeners > 0 && len(bs.Listeners) >= broadcaster.MaxListeners {
		r.busy(caller, broadcaster.Address, protocol.ReasonMaxListenersReached)
		return
	}

	bs.Listeners[caller.SessionID] = caller
	caller.ActiveCalls[bs.ID] = struct{}{}
	r.armIdleLocked(caller)

	r.send(caller, protocol.Connected(bs.ID, broadcaster.Address))
	r.send(broadcaster, protocol.Ring(caller.Address, bs.ID, metadata))
	r.obs.DialOutcome("broadcast_join")
	r.log.Info("broadcast listener joined", "call_id", bs.ID, "listener", caller.Address, "broadcaster", broadcaster.Address)
}

// removeListener detaches one listener from a session, tells both sides,
// and tears the session down when the listener set empties.
func (r *Router) removeListener(bs *BroadcastSession, listener *Connection, reason string) {
	delete(bs.Listeners, listener.SessionID)
	delete(listener.ActiveCalls, bs.ID)
	r.armIdleLocked(listener)

	r.send(listener, protocol.Hangup(bs.ID, reason, ""))
	r.send(bs.Broadcaster, protocol.Hangup(bs.ID, reason, listener.Address))

	if len(bs.Listeners) == 0 {
		bs.Active = false
		r.broadcasts.Remove(bs)
		delete(bs.Broadcaster.ActiveCalls, bs.ID)
		r.armIdleLocked(bs.Broadcaster)
		r.log.Info("broadcast session emptied", "call_id", bs.ID, "broadcaster", bs.Broadcaster.Address)
	}
}

// teardownBroadcast destroys a session broadcaster-side: every listener is
// hung up with the given reason.
func (r *Router) teardownBroadcast(bs *BroadcastSession, reason string) {
	if !bs.Active {
		return
	}
	bs.Active = false
	for _, listener := range bs.Listeners {
		r.send(listener, protocol.Hangup(bs.ID, reason, ""))
		delete(listener.ActiveCalls, bs.ID)
		r.armIdleLocked(listener)
	}
	r.broadcasts.Remove(bs)
	delete(bs.Broadcaster.ActiveCalls, bs.ID)
	r.armIdleLocked(bs.Broadcaster)
	r.log.Info("broadcast session ended", "call_id", bs.ID, "reason", reason)
}

// ---- wake-on-ring ----

// startWake queues a dial toward a sleeping address and fires the wake
// executor. The caller sees nothing until the agent returns (RING-side
// CONNECTED flows as usual) or the attempt fails (BUSY with timeout /
// wake_failed / caller_unavailable).
func (r *Router) startWake(caller *Connection, to string, metadata map[string]any, profile WakeProfile) {
	timeout := profile.Handler.Timeout
	if timeout < minWakeTimeout {
		timeout = minWakeTimeout
	}
	p := &PendingWakeCall{
		CallID:        uuid.NewString(),
		Caller:        caller,
		CalleeAddress: to,
		Metadata:      metadata,
		Profile:       profile,
		Deadline:      time.Now().Add(timeout),
	}
	r.wake.Enqueue(p)
	caller.PendingWakes[p.CallID] = struct{}{}
	caller.stopSleepTimers()

	p.timer = time.AfterFunc(timeout, func() {
		r.wakeTimedOut(p)
	})

	r.obs.DialOutcome("waking")
	r.log.Info("wake initiated", "call_id", p.CallID, "from", caller.Address, "to", to, "handler", profile.Handler.Kind)

	if r.executor == nil {
		r.failPendingWake(p, protocol.ReasonWakeFailed)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := r.executor.Wake(ctx, profile); err != nil {
			r.log.Warn("wake executor failed", "address", profile.Address, "error", err)
			r.mu.Lock()
			r.failPendingWake(p, protocol.ReasonWakeFailed)
			r.mu.Unlock()
		}
		// Success on its own completes nothing: only the woken agent's
		// REGISTER turns the pending call into a real one.
	}()
}

func (r *Router) wakeTimedOut(p *PendingWakeCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPendingWake(p, protocol.ReasonTimeout)
}

// failPendingWake removes a pending dial (if still queued) and delivers the
// failure to its caller. Idempotent against the success path.
func (r *Router) failPendingWake(p *PendingWakeCall, reason string) {
	if !r.wake.Remove(p) {
		return
	}
	p.timer.Stop()
	delete(p.Caller.PendingWakes, p.CallID)
	if !p.Caller.closed {
		r.busy(p.Caller, p.CalleeAddress, reason)
		r.armIdleLocked(p.Caller)
	}
	r.log.Info("pending wake call failed", "call_id", p.CallID, "to", p.CalleeAddress, "reason", reason)
}

// drainWakeQueue turns queued dials into real calls after the address
// re-registers. It stops as soon as the connection no longer accepts more
// calls; the remainder stay queued for subsequent registrations.
func (r *Router) drainWakeQueue(conn *Connection) {
	for r.acceptsCall(conn) {
		p, ok := r.wake.Dequeue(conn.Address)
		if !ok {
			return
		}
		p.timer.Stop()
		if p.Caller.closed {
			// The impatient caller left; nobody to deliver
			// caller_unavailable to. Recurse on the next queued dial.
			r.log.Info("pending wake call failed", "call_id", p.CallID, "to", p.CalleeAddress, "reason", protocol.ReasonCallerUnavailable)
			continue
		}
		delete(p.Caller.PendingWakes, p.CallID)
		if conn.Concurrency == ConcurrencyBroadcast {
			r.joinBroadcast(p.Caller, conn, p.CallID, p.Metadata)
		} else {
			r.startCall(p.Caller, conn, p.Caller.Address, conn.Address, p.CallID, p.Metadata)
		}
	}
}

// acceptsCall reports whether one more inbound call fits the connection's
// concurrency discipline.
func (r *Router) acceptsCall(conn *Connection) bool {
	if conn.closed {
		return false
	}
	switch conn.Concurrency {
	case ConcurrencySingle:
		return len(conn.ActiveCalls) == 0
	case ConcurrencyParallel:
		return conn.MaxSessions == 0 || len(conn.ActiveCalls) < conn.MaxSessions
	case ConcurrencyBroadcast:
		if bs, ok := r.broadcasts.ByBroadcaster(conn); ok {
			return conn.MaxListeners == 0 || len(bs.Listeners) < conn.MaxListeners
		}
		return true
	}
	return false
}
