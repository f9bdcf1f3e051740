package exchange

import (
	"time"

	"github.com/systemx/systemx/internal/protocol"
)

// Transport is the duplex frame channel owned by a connection. The router
// writes to it only from inside its dispatch lock; implementations queue
// writes so Send never blocks on a slow peer.
type Transport interface {
	// Send queues one outbound frame. Errors are best-effort signals; the
	// router logs them and relies on the heartbeat sweep to evict dead
	// transports.
	Send(f protocol.Frame) error

	// Close shuts the transport down with an application close code and a
	// textual reason. It must be safe to call more than once.
	Close(code int, reason string)

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// Status is a connection's advertised availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusDND       Status = "dnd"
	StatusAway      Status = "away"
)

// ValidStatus reports whether s is one of the four allowed status values.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusAvailable, StatusBusy, StatusDND, StatusAway:
		return true
	}
	return false
}

// Concurrency is the dispatch discipline of a registered address.
type Concurrency string

const (
	ConcurrencySingle    Concurrency = "single"
	ConcurrencyBroadcast Concurrency = "broadcast"
	ConcurrencyParallel  Concurrency = "parallel"
)

// WakeHandler describes how to revive a sleeping address. Exactly one of
// URL (webhook) or Command (spawn) is set, selected by Kind.
type WakeHandler struct {
	Kind    string // "webhook" or "spawn"
	URL     string
	Command []string
	Timeout time.Duration // per wake attempt
}

const (
	WakeHandlerWebhook = "webhook"
	WakeHandlerSpawn   = "spawn"
)

// WakeProfile is the persisted wake configuration for an address. It lives
// in the wake store between the agent's sleep and its next registration.
type WakeProfile struct {
	Address string
	Handler WakeHandler
}

// AutoSleep is a connection's idle-sleep policy.
type AutoSleep struct {
	IdleTimeout time.Duration
	WakeOnRing  bool
}

// Connection is one live transport session. All fields are guarded by the
// router's dispatch lock; nothing here is safe for unsynchronised access.
type Connection struct {
	// SessionID is the opaque immutable identifier for this transport
	// session.
	SessionID string

	// Transport carries outbound frames. Owned exclusively by this
	// connection.
	Transport Transport

	// Address is the bound exchange address, "" while unregistered.
	Address string

	// Metadata is the key/value bag supplied at REGISTER, carried verbatim
	// on RING and used by presence queries.
	Metadata map[string]any

	// Concurrency is the dispatch discipline chosen at REGISTER.
	Concurrency Concurrency

	// MaxListeners caps a broadcast session's listener set; 0 = unlimited.
	MaxListeners int

	// MaxSessions caps a parallel connection's simultaneous calls;
	// 0 = unlimited.
	MaxSessions int

	// ActiveCalls holds the call IDs this connection participates in. Every
	// entry resolves to a point-to-point call or a broadcast session.
	ActiveCalls map[string]struct{}

	// PendingWakes holds the call IDs of wake dials this connection
	// originated that have not yet resolved. They count toward busy status
	// but are not active calls.
	PendingWakes map[string]struct{}

	// Manual is the status last set explicitly by the client; the effective
	// status also reflects call participation (see EffectiveStatus).
	Manual Status

	// AutoSleep is the idle-sleep policy, nil when unset.
	AutoSleep *AutoSleep

	// WakeHandler is non-nil when the connection registered with
	// mode=wake_on_ring.
	WakeHandler *WakeHandler

	// PeerDomain and Routes are set for federation peers that announced
	// themselves with REGISTER_PBX. Routes are glob patterns matched
	// against dialed addresses.
	PeerDomain string
	Routes     []string

	// LastHeartbeat is refreshed by HEARTBEAT frames and checked by the
	// sweeper.
	LastHeartbeat time.Time

	// idleTimer and graceTimer drive the two-phase auto-sleep sequence.
	idleTimer  *time.Timer
	graceTimer *time.Timer

	// closed is set once disconnect semantics have run, making a second
	// disconnect a no-op.
	closed bool
}

// EffectiveStatus derives the status visible to dial admission and
// presence: busy while the connection is in any call or has an unresolved
// wake dial, otherwise whatever the client last set.
func (c *Connection) EffectiveStatus() Status {
	if len(c.ActiveCalls) > 0 || len(c.PendingWakes) > 0 {
		return StatusBusy
	}
	return c.Manual
}

// IsPeer reports whether this connection announced itself as a federation
// peer.
func (c *Connection) IsPeer() bool {
	return c.PeerDomain != ""
}

// stopSleepTimers cancels both phases of the auto-sleep sequence.
func (c *Connection) stopSleepTimers() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}
