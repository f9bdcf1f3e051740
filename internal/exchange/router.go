// Package exchange implements the message-routing core: the connection
// registry, the call state machine across its three concurrency modes, the
// wake-on-ring subsystem, presence queries, and heartbeat liveness.
//
// Every frame handler, timer callback, and sweep cycle runs under one
// dispatch lock per Router, so no handler ever observes another handler's
// intermediate state. Transports are written to only from inside that lock.
package exchange

import (
	"log/slog"
	"sync"
	"time"

	"github.com/systemx/systemx/internal/protocol"
)

// Config carries the router's tunables.
type Config struct {
	// RingTimeout bounds how long a call may stay ringing before both
	// sides are notified and the call is released.
	RingTimeout time.Duration

	// HeartbeatTimeout is the staleness threshold applied by the sweeper.
	HeartbeatTimeout time.Duration

	// DialMaxAttempts and DialWindow bound per-session DIAL attempts.
	DialMaxAttempts int
	DialWindow      time.Duration
}

// Observer receives routing events for metrics. Implementations must be
// cheap; they are called inside the dispatch lock.
type Observer interface {
	FrameHandled(frameType string)
	DialOutcome(outcome string)
}

type nopObserver struct{}

func (nopObserver) FrameHandled(string) {}
func (nopObserver) DialOutcome(string)  {}

// NopObserver returns an Observer that discards everything.
func NopObserver() Observer { return nopObserver{} }

// Router is one exchange instance. It owns the registry, the call and
// broadcast tables, and the wake queue, and serialises all mutation through
// its dispatch lock.
type Router struct {
	mu sync.Mutex

	cfg        Config
	log        *slog.Logger
	registry   *Registry
	calls      *CallTable
	broadcasts *BroadcastTable
	wake       *WakeQueue
	limiter    *DialLimiter
	executor   WakeExecutor
	obs        Observer
}

// NewRouter creates a router. executor may be nil, in which case wake-on-ring
// dials fail immediately with wake_failed; obs may be nil.
func NewRouter(cfg Config, executor WakeExecutor, obs Observer, logger *slog.Logger) *Router {
	if obs == nil {
		obs = NopObserver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	windowMs := int(cfg.DialWindow / time.Millisecond)
	if windowMs <= 0 {
		windowMs = 60_000
	}
	if cfg.DialMaxAttempts <= 0 {
		cfg.DialMaxAttempts = 100
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	return &Router{
		cfg:        cfg,
		log:        logger.With("component", "exchange"),
		registry:   NewRegistry(),
		calls:      NewCallTable(),
		broadcasts: NewBroadcastTable(),
		wake:       NewWakeQueue(),
		limiter:    NewDialLimiter(cfg.DialMaxAttempts, windowMs),
		executor:   executor,
		obs:        obs,
	}
}

// Connect registers a freshly opened transport and returns its connection.
func (r *Router) Connect(t Transport) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.registry.Create(t)
	r.log.Debug("connection opened", "session", conn.SessionID, "remote", t.RemoteAddr())
	return conn
}

// HandleFrame dispatches one inbound frame. It never fails the process: all
// validation errors become negative frames to the sender.
func (r *Router) HandleFrame(conn *Connection, f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.closed {
		return
	}
	r.obs.FrameHandled(f.Type())

	switch f.Type() {
	case protocol.TypeRegister:
		r.handleRegister(conn, f)
	case protocol.TypeUnregister:
		r.handleUnregister(conn)
	case protocol.TypeStatus:
		r.handleStatus(conn, f)
	case protocol.TypeHeartbeat:
		r.handleHeartbeat(conn)
	case protocol.TypeDial:
		r.handleDial(conn, f)
	case protocol.TypeAnswer:
		r.handleAnswer(conn, f)
	case protocol.TypeHangup:
		r.handleHangup(conn, f)
	case protocol.TypeMsg:
		r.handleMsg(conn, f)
	case protocol.TypePresence:
		r.handlePresence(conn, f)
	case protocol.TypeSleepAck:
		r.handleSleepAck(conn)
	case protocol.TypeRegisterPBX:
		r.handleRegisterPBX(conn, f)
	case protocol.TypeConnected:
		// Only meaningful when relayed back by a federation peer.
		if conn.IsPeer() {
			r.handlePeerConnected(conn, f)
			return
		}
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, "UNKNOWN", "unknown frame type "+f.Type()))
	case protocol.TypeBusy:
		if conn.IsPeer() {
			r.handlePeerBusy(conn, f)
			return
		}
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, "UNKNOWN", "unknown frame type "+f.Type()))
	default:
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, "UNKNOWN", "unknown frame type "+f.Type()))
	}
}

// Disconnect runs the full disconnect sequence for a connection. Safe to
// call repeatedly; transports invoke it on close, handlers on UNREGISTER,
// the sweeper on staleness.
func (r *Router) Disconnect(conn *Connection, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(conn, reason)
}

// Touch refreshes a connection's heartbeat clock without a HEARTBEAT frame.
// The federation peer uses it when the parent acknowledges its keepalives.
func (r *Router) Touch(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.LastHeartbeat = time.Now()
}

// Shutdown disconnects every live connection with reason shutdown.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Connection
	r.registry.All(func(c *Connection) { all = append(all, c) })
	for _, c := range all {
		r.disconnectLocked(c, protocol.ReasonShutdown)
	}
}

// Stats is a point-in-time snapshot for metrics.
type Stats struct {
	Connections        int
	RegisteredPeers    int
	ActiveCalls        int
	BroadcastSessions  int
	PendingWakeCalls   int
	StoredWakeProfiles int
}

// Stats snapshots table sizes under the dispatch lock.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Connections:        r.registry.Len(),
		ActiveCalls:        r.calls.Len(),
		BroadcastSessions:  r.broadcasts.Len(),
		PendingWakeCalls:   r.wake.PendingLen(),
		StoredWakeProfiles: r.wake.ProfileLen(),
	}
	r.registry.All(func(c *Connection) {
		if c.IsPeer() {
			s.RegisteredPeers++
		}
	})
	return s
}

// ---- address lifecycle ----

func (r *Router) handleRegister(conn *Connection, f protocol.Frame) {
	address, ok := f.Str("address")
	if !ok {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, "address must be a string"))
		return
	}
	if !ValidAddress(address) {
		r.send(conn, protocol.RegisterFailed(protocol.ReasonInvalidAddress))
		return
	}

	metadata, _ := f.Obj("metadata")

	concurrency := ConcurrencySingle
	if raw, has := f["concurrency"]; has {
		s, ok := raw.(string)
		if !ok {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, "concurrency must be a string"))
			return
		}
		switch Concurrency(s) {
		case ConcurrencySingle, ConcurrencyBroadcast, ConcurrencyParallel:
			concurrency = Concurrency(s)
		default:
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, "unknown concurrency "+s))
			return
		}
	}

	maxListeners, ok := r.positiveCap(conn, f, "max_listeners", concurrency == ConcurrencyBroadcast)
	if !ok {
		return
	}
	maxSessions, ok := r.positiveCap(conn, f, "max_sessions", concurrency == ConcurrencyParallel)
	if !ok {
		return
	}
	// pool_size is an accepted alias for max_sessions; it is validated
	// whenever present, and max_sessions wins when both are given.
	poolSize, ok := r.positiveCap(conn, f, "pool_size", concurrency == ConcurrencyParallel)
	if !ok {
		return
	}
	if maxSessions == 0 {
		maxSessions = poolSize
	}

	wakeMode := false
	if raw, has := f["mode"]; has {
		s, ok := raw.(string)
		if !ok || (s != "wake_on_ring" && s != "none") {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, "mode must be \"wake_on_ring\" or \"none\""))
			return
		}
		wakeMode = s == "wake_on_ring"
	}

	var handler *WakeHandler
	if f.Has("wake_handler") {
		h, detail := parseWakeHandler(f)
		if h == nil {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, detail))
			return
		}
		handler = h
	}

	stored, hasStored := r.wake.Profile(address)
	if handler == nil && hasStored {
		// Reinstate the profile persisted when this address went to sleep.
		h := stored.Handler
		handler = &h
	} else if wakeMode && handler == nil {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, "wake_on_ring requires a wake_handler"))
		return
	}

	if !r.registry.BindAddress(conn, address, metadata) {
		r.send(conn, protocol.RegisterFailed(protocol.ReasonAddressInUse))
		return
	}
	// The re-register took effect; a broadcaster that switched to another
	// concurrency abandons its session. A rejected REGISTER above must not
	// touch call state.
	if bs, ok := r.broadcasts.ByBroadcaster(conn); ok && concurrency != ConcurrencyBroadcast {
		r.teardownBroadcast(bs, protocol.ReasonReconfigured)
	}
	// The address is live again; its sleep-time profile is consumed.
	r.wake.DropProfile(address)

	conn.Concurrency = concurrency
	conn.MaxListeners = maxListeners
	conn.MaxSessions = maxSessions
	conn.WakeHandler = handler
	conn.LastHeartbeat = time.Now()

	r.log.Info("address registered",
		"address", address,
		"session", conn.SessionID,
		"concurrency", string(concurrency),
		"wake_on_ring", handler != nil,
	)
	r.send(conn, protocol.Registered(address, conn.SessionID))

	r.drainWakeQueue(conn)
	r.armIdleLocked(conn)
}

// positiveCap extracts an optional positive-integer cap field. It emits
// invalid_payload and returns ok=false when the field is present but the
// concurrency mode does not allow it, or when it is not a positive integer.
func (r *Router) positiveCap(conn *Connection, f protocol.Frame, key string, allowed bool) (int, bool) {
	raw, has := f[key]
	if !has {
		return 0, true
	}
	if !allowed {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, key+" is not valid for this concurrency"))
		return 0, false
	}
	n, ok := raw.(float64)
	if !ok || n <= 0 || n != float64(int(n)) {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeRegister, key+" must be a positive integer"))
		return 0, false
	}
	return int(n), true
}

// parseWakeHandler validates the wake_handler object. It returns nil and a
// detail message on any shape violation.
func parseWakeHandler(f protocol.Frame) (*WakeHandler, string) {
	obj, ok := f.Obj("wake_handler")
	if !ok {
		return nil, "wake_handler must be an object"
	}
	h := protocol.Frame(obj)

	kind, _ := h.Str("type")
	timeout, ok := h.Num("timeout_seconds")
	if !ok || timeout <= 0 {
		return nil, "wake_handler.timeout_seconds must be a positive number"
	}

	switch kind {
	case WakeHandlerWebhook:
		url, ok := h.Str("url")
		if !ok || url == "" {
			return nil, "webhook wake_handler requires a url"
		}
		return &WakeHandler{
			Kind:    WakeHandlerWebhook,
			URL:     url,
			Timeout: time.Duration(timeout * float64(time.Second)),
		}, ""
	case WakeHandlerSpawn:
		cmd, ok := h.StrSlice("command")
		if !ok || len(cmd) == 0 {
			return nil, "spawn wake_handler requires a non-empty command array"
		}
		for _, part := range cmd {
			if part == "" {
				return nil, "spawn wake_handler command contains an empty string"
			}
		}
		return &WakeHandler{
			Kind:    WakeHandlerSpawn,
			Command: cmd,
			Timeout: time.Duration(timeout * float64(time.Second)),
		}, ""
	}
	return nil, "wake_handler.type must be \"webhook\" or \"spawn\""
}

func (r *Router) handleStatus(conn *Connection, f protocol.Frame) {
	status, ok := f.Str("status")
	if !ok || !ValidStatus(status) {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeStatus, "status must be one of available, busy, dnd, away"))
		return
	}

	if f.Has("auto_sleep") {
		obj, ok := f.Obj("auto_sleep")
		if !ok {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeStatus, "auto_sleep must be an object"))
			return
		}
		a := protocol.Frame(obj)
		idle, ok := a.Num("idle_timeout_seconds")
		if !ok || idle < 0 {
			r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeStatus, "auto_sleep.idle_timeout_seconds must be a non-negative number"))
			return
		}
		wakeOnRing := false
		if a.Has("wake_on_ring") {
			b, ok := a.Bool("wake_on_ring")
			if !ok {
				r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeStatus, "auto_sleep.wake_on_ring must be a boolean"))
				return
			}
			wakeOnRing = b
		}
		conn.AutoSleep = &AutoSleep{
			IdleTimeout: time.Duration(idle * float64(time.Second)),
			WakeOnRing:  wakeOnRing,
		}
	}

	conn.Manual = Status(status)
	conn.LastHeartbeat = time.Now()

	if conn.AutoSleep != nil && conn.AutoSleep.WakeOnRing {
		r.armIdleLocked(conn)
	} else {
		conn.stopSleepTimers()
	}
}

func (r *Router) handleHeartbeat(conn *Connection) {
	conn.LastHeartbeat = time.Now()
	r.armIdleLocked(conn)
	r.send(conn, protocol.HeartbeatAck(time.Now().UnixMilli()))
}

func (r *Router) handleUnregister(conn *Connection) {
	r.persistWakeProfile(conn)
	r.disconnectLocked(conn, protocol.ReasonClientRequested)
}

func (r *Router) handleSleepAck(conn *Connection) {
	if conn.WakeHandler == nil || conn.Address == "" {
		r.send(conn, protocol.Error(protocol.ReasonInvalidPayload, protocol.TypeSleepAck, "sleep requires a registered wake_on_ring address"))
		return
	}
	r.persistWakeProfile(conn)
	r.disconnectLocked(conn, protocol.ReasonSleep)
}

func (r *Router) handleRegisterPBX(conn *Connection, f protocol.Frame) {
	domain, ok := f.Str("domain")
	if !ok || domain == "" {
		r.send(conn, protocol.RegisterPBXFailed(protocol.ReasonInvalidPayload))
		return
	}
	routes, ok := f.StrSlice("routes")
	if f.Has("routes") && !ok {
		r.send(conn, protocol.RegisterPBXFailed(protocol.ReasonInvalidPayload))
		return
	}
	// The auth token, when present, is opaque at this layer: forwarded by
	// the federation relay, never validated here.

	conn.PeerDomain = domain
	conn.Routes = routes
	conn.Concurrency = ConcurrencyParallel
	conn.MaxSessions = 0
	conn.LastHeartbeat = time.Now()

	r.log.Info("federation peer registered", "domain", domain, "routes", routes, "session", conn.SessionID)
	r.send(conn, protocol.RegisteredPBX(domain))
}

// persistWakeProfile stores the connection's wake configuration so a later
// dial can revive the address.
func (r *Router) persistWakeProfile(conn *Connection) {
	if conn.WakeHandler == nil || conn.Address == "" {
		return
	}
	r.wake.StoreProfile(WakeProfile{Address: conn.Address, Handler: *conn.WakeHandler})
	r.log.Debug("wake profile persisted", "address", conn.Address, "handler", conn.WakeHandler.Kind)
}

// ---- disconnect semantics ----

func (r *Router) disconnectLocked(conn *Connection, reason string) {
	if conn.closed {
		return
	}
	conn.closed = true

	conn.stopSleepTimers()

	if reason == protocol.ReasonTimeout {
		// A timed-out wake-configured agent can still be revived later.
		r.persistWakeProfile(conn)
	}

	address := conn.Address
	r.registry.Unbind(conn)
	r.limiter.Forget(conn.SessionID)

	active := make([]string, 0, len(conn.ActiveCalls))
	for id := range conn.ActiveCalls {
		active = append(active, id)
	}
	for _, id := range active {
		if call, ok := r.calls.Get(id); ok {
			other := call.Other(conn)
			r.endCallLocked(call, reason)
			if other != nil {
				r.send(other, protocol.Hangup(id, reason, ""))
			}
			continue
		}
		if bs, ok := r.broadcasts.Get(id); ok {
			if bs.Broadcaster == conn {
				r.teardownBroadcast(bs, reason)
			} else {
				r.removeListener(bs, conn, reason)
			}
		}
	}

	for _, p := range r.wake.PendingFor(conn) {
		p.timer.Stop()
		r.wake.Remove(p)
		r.log.Debug("pending wake call failed", "call_id", p.CallID, "callee", p.CalleeAddress, "reason", reason)
	}

	conn.Transport.Close(protocol.CloseCode(reason), reason)
	r.log.Info("connection closed", "session", conn.SessionID, "address", address, "reason", reason)
}

// ---- auto-sleep ----

// sleepGrace derives the warning window between SLEEP_PENDING and the
// actual sleep: a tenth of the idle timeout, clamped to [200ms, 5s].
func sleepGrace(idle time.Duration) time.Duration {
	g := idle / 10
	if g < 200*time.Millisecond {
		g = 200 * time.Millisecond
	}
	if g > 5*time.Second {
		g = 5 * time.Second
	}
	return g
}

// armIdleLocked restarts the idle timer when the connection is eligible for
// auto-sleep, and cancels any in-flight sleep sequence otherwise. Called on
// every sign of activity.
func (r *Router) armIdleLocked(conn *Connection) {
	conn.stopSleepTimers()
	if conn.closed || conn.AutoSleep == nil || !conn.AutoSleep.WakeOnRing {
		return
	}
	if len(conn.ActiveCalls) > 0 || len(conn.PendingWakes) > 0 {
		return
	}
	conn.idleTimer = time.AfterFunc(conn.AutoSleep.IdleTimeout, func() {
		r.idleFired(conn)
	})
}

func (r *Router) idleFired(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.closed || conn.AutoSleep == nil || !conn.AutoSleep.WakeOnRing {
		return
	}
	if len(conn.ActiveCalls) > 0 || len(conn.PendingWakes) > 0 {
		return
	}
	grace := sleepGrace(conn.AutoSleep.IdleTimeout)
	r.send(conn, protocol.SleepPending(protocol.ReasonIdleTimeout, grace.Seconds()))
	conn.graceTimer = time.AfterFunc(grace, func() {
		r.sleepFired(conn)
	})
}

func (r *Router) sleepFired(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.closed {
		return
	}
	if len(conn.ActiveCalls) > 0 || len(conn.PendingWakes) > 0 {
		// Became active during the grace window; the sleep is cancelled and
		// the idle timer re-arms when the activity ends.
		return
	}
	r.persistWakeProfile(conn)
	r.disconnectLocked(conn, protocol.ReasonSleep)
}

// ---- outbound ----

// send writes one frame to a connection's transport. Failures are logged
// and otherwise ignored: the heartbeat sweep evicts dead peers.
func (r *Router) send(conn *Connection, f protocol.Frame) {
	if err := conn.Transport.Send(f); err != nil {
		r.log.Warn("transport send failed",
			"session", conn.SessionID,
			"address", conn.Address,
			"frame", f.Type(),
			"error", err,
		)
	}
}
