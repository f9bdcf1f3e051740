package exchange

import (
	"time"

	"github.com/google/uuid"
)

// Registry maps live connections by session and by address. It has no lock
// of its own: every access happens inside the router's dispatch lock.
type Registry struct {
	bySession map[string]*Connection
	byAddress map[string]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string]*Connection),
		byAddress: make(map[string]*Connection),
	}
}

// Create allocates a connection for a freshly opened transport and tracks
// it by session.
func (r *Registry) Create(t Transport) *Connection {
	conn := &Connection{
		SessionID:     uuid.NewString(),
		Transport:     t,
		Manual:        StatusAvailable,
		Concurrency:   ConcurrencySingle,
		ActiveCalls:   make(map[string]struct{}),
		PendingWakes:  make(map[string]struct{}),
		LastHeartbeat: time.Now(),
	}
	r.bySession[conn.SessionID] = conn
	return conn
}

// BindAddress binds conn to address, replacing any address it previously
// held. It fails when a different live connection already owns the address;
// rebinding the same connection is a metadata refresh.
func (r *Registry) BindAddress(conn *Connection, address string, metadata map[string]any) bool {
	if owner, ok := r.byAddress[address]; ok && owner != conn {
		return false
	}
	if conn.Address != "" && conn.Address != address {
		delete(r.byAddress, conn.Address)
	}
	conn.Address = address
	conn.Metadata = metadata
	r.byAddress[address] = conn
	return true
}

// ByAddress returns the live connection bound to address, if any.
func (r *Registry) ByAddress(address string) (*Connection, bool) {
	conn, ok := r.byAddress[address]
	return conn, ok
}

// BySession returns the connection for a session ID, if still live.
func (r *Registry) BySession(sessionID string) (*Connection, bool) {
	conn, ok := r.bySession[sessionID]
	return conn, ok
}

// Unbind removes conn's session and address mappings. Safe to call on a
// connection that was never registered.
func (r *Registry) Unbind(conn *Connection) {
	delete(r.bySession, conn.SessionID)
	if conn.Address != "" {
		if owner, ok := r.byAddress[conn.Address]; ok && owner == conn {
			delete(r.byAddress, conn.Address)
		}
		conn.Address = ""
	}
}

// All iterates over every live connection. The callback must not mutate
// the registry.
func (r *Registry) All(fn func(*Connection)) {
	for _, conn := range r.bySession {
		fn(conn)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.bySession)
}
