package exchange

import (
	"context"
	"time"
)

// WakeExecutor revives a sleeping address. Implementations live outside the
// router (webhook POST, subprocess spawn); the router invokes Wake
// fire-and-forget and learns the outcome only through its own timers and
// the woken agent's eventual REGISTER.
type WakeExecutor interface {
	Wake(ctx context.Context, profile WakeProfile) error
}

// PendingWakeCall is a queued dial waiting for its callee to return from
// sleep. When the callee re-registers the queued call ID is reused so the
// caller's tracking stays valid.
type PendingWakeCall struct {
	CallID        string
	Caller        *Connection
	CalleeAddress string
	Metadata      map[string]any
	Profile       WakeProfile
	Deadline      time.Time

	// timer fires the timeout failure path. Cancelled when the pending
	// call becomes a real call or fails for another reason.
	timer *time.Timer
}

// WakeQueue holds wake profiles for sleeping addresses and the FIFO queues
// of dials awaiting each address's return. Guarded by the router's dispatch
// lock.
type WakeQueue struct {
	profiles map[string]WakeProfile
	pending  map[string][]*PendingWakeCall
}

// NewWakeQueue creates an empty wake store.
func NewWakeQueue() *WakeQueue {
	return &WakeQueue{
		profiles: make(map[string]WakeProfile),
		pending:  make(map[string][]*PendingWakeCall),
	}
}

// StoreProfile persists a profile for a sleeping address.
func (q *WakeQueue) StoreProfile(p WakeProfile) {
	q.profiles[p.Address] = p
}

// Profile returns the stored profile for an address, if any.
func (q *WakeQueue) Profile(address string) (WakeProfile, bool) {
	p, ok := q.profiles[address]
	return p, ok
}

// DropProfile removes a stored profile. Called whenever the address is
// re-bound by a live connection.
func (q *WakeQueue) DropProfile(address string) {
	delete(q.profiles, address)
}

// Enqueue appends a pending dial to the address's FIFO queue.
func (q *WakeQueue) Enqueue(p *PendingWakeCall) {
	q.pending[p.CalleeAddress] = append(q.pending[p.CalleeAddress], p)
}

// Dequeue pops the oldest pending dial for an address.
func (q *WakeQueue) Dequeue(address string) (*PendingWakeCall, bool) {
	queue := q.pending[address]
	if len(queue) == 0 {
		return nil, false
	}
	p := queue[0]
	rest := queue[1:]
	if len(rest) == 0 {
		delete(q.pending, address)
	} else {
		q.pending[address] = rest
	}
	return p, true
}

// Remove deletes a specific pending dial from its queue, returning whether
// it was still queued. Used by the timeout and executor-failure paths,
// which may race with a successful dequeue.
func (q *WakeQueue) Remove(p *PendingWakeCall) bool {
	queue := q.pending[p.CalleeAddress]
	for i, cand := range queue {
		if cand == p {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(q.pending, p.CalleeAddress)
			} else {
				q.pending[p.CalleeAddress] = queue
			}
			return true
		}
	}
	return false
}

// PendingFor returns the pending dials originated by a given caller, across
// all addresses. Used by disconnect handling.
func (q *WakeQueue) PendingFor(caller *Connection) []*PendingWakeCall {
	var out []*PendingWakeCall
	for _, queue := range q.pending {
		for _, p := range queue {
			if p.Caller == caller {
				out = append(out, p)
			}
		}
	}
	return out
}

// PendingLen returns the total number of queued wake dials.
func (q *WakeQueue) PendingLen() int {
	n := 0
	for _, queue := range q.pending {
		n += len(queue)
	}
	return n
}

// ProfileLen returns the number of stored wake profiles.
func (q *WakeQueue) ProfileLen() int {
	return len(q.profiles)
}
