package exchange

import (
	"time"
)

// CallState is the lifecycle state of a point-to-point call. Transitions
// only move forward: ringing → connected → ended.
type CallState string

const (
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
)

// Call is an active point-to-point call record.
type Call struct {
	// ID is the call identifier shared by both parties.
	ID string

	// Caller is the dialing side, Callee the dialed side.
	Caller *Connection
	Callee *Connection

	// CallerAddress and CalleeAddress are the wire-visible endpoint
	// addresses. They usually equal the participants' bound addresses but
	// differ when one side is a federation peer relaying for a remote
	// agent.
	CallerAddress string
	CalleeAddress string

	// State is the current lifecycle state.
	State CallState

	// StartedAt is when the DIAL was accepted; EndedAt and EndReason are
	// set at termination.
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string

	// Metadata is the dial metadata, delivered verbatim on RING.
	Metadata map[string]any

	// ringTimer fires when the call is still ringing past the configured
	// timeout. Cancelled on ANSWER and HANGUP.
	ringTimer *time.Timer
}

// Other returns the participant opposite to conn, or nil when conn is not
// a participant.
func (c *Call) Other(conn *Connection) *Connection {
	switch conn {
	case c.Caller:
		return c.Callee
	case c.Callee:
		return c.Caller
	}
	return nil
}

// CallTable stores active point-to-point calls by ID. Guarded by the
// router's dispatch lock.
type CallTable struct {
	calls map[string]*Call
}

// NewCallTable creates an empty call table.
func NewCallTable() *CallTable {
	return &CallTable{calls: make(map[string]*Call)}
}

// Add inserts a call record.
func (t *CallTable) Add(c *Call) {
	t.calls[c.ID] = c
}

// Get looks a call up by ID.
func (t *CallTable) Get(id string) (*Call, bool) {
	c, ok := t.calls[id]
	return c, ok
}

// Release removes a terminated call from the table.
func (t *CallTable) Release(id string) {
	delete(t.calls, id)
}

// Len returns the number of active calls.
func (t *CallTable) Len() int {
	return len(t.calls)
}
