package exchange

import (
	"time"
)

// BroadcastSession is the shared call state fanning one broadcaster to many
// listeners. All listeners share the session's call ID.
type BroadcastSession struct {
	// ID is the call identifier shared by the broadcaster and every
	// listener of this session.
	ID string

	// Broadcaster is the connection registered with broadcast concurrency.
	Broadcaster *Connection

	// Listeners is keyed by listener session ID.
	Listeners map[string]*Connection

	// Active is cleared during teardown so re-entrant hangup handling
	// becomes a no-op.
	Active bool

	// StartedAt is when the first listener joined.
	StartedAt time.Time

	// Metadata is the first joiner's dial metadata.
	Metadata map[string]any
}

// BroadcastTable stores broadcast sessions by call ID and by broadcaster
// session. Guarded by the router's dispatch lock.
type BroadcastTable struct {
	byCallID      map[string]*BroadcastSession
	byBroadcaster map[string]*BroadcastSession
}

// NewBroadcastTable creates an empty broadcast table.
func NewBroadcastTable() *BroadcastTable {
	return &BroadcastTable{
		byCallID:      make(map[string]*BroadcastSession),
		byBroadcaster: make(map[string]*BroadcastSession),
	}
}

// Add inserts a session, indexing it by call ID and broadcaster.
func (t *BroadcastTable) Add(s *BroadcastSession) {
	t.byCallID[s.ID] = s
	t.byBroadcaster[s.Broadcaster.SessionID] = s
}

// Get looks a session up by call ID.
func (t *BroadcastTable) Get(callID string) (*BroadcastSession, bool) {
	s, ok := t.byCallID[callID]
	return s, ok
}

// ByBroadcaster returns the (at most one) session owned by a broadcaster.
func (t *BroadcastTable) ByBroadcaster(conn *Connection) (*BroadcastSession, bool) {
	s, ok := t.byBroadcaster[conn.SessionID]
	return s, ok
}

// Remove deletes a torn-down session from both indexes.
func (t *BroadcastTable) Remove(s *BroadcastSession) {
	delete(t.byCallID, s.ID)
	delete(t.byBroadcaster, s.Broadcaster.SessionID)
}

// Len returns the number of live sessions.
func (t *BroadcastTable) Len() int {
	return len(t.byCallID)
}
