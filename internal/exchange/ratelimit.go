package exchange

import (
	"golang.org/x/time/rate"
)

// DialLimiter bounds DIAL attempts per session with a token bucket sized to
// the configured window: maxAttempts are available up front and refill at
// maxAttempts-per-window, so a session can never land more than maxAttempts
// dials inside one window. Guarded by the router's dispatch lock.
type DialLimiter struct {
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewDialLimiter creates a limiter allowing maxAttempts dials per windowMs
// milliseconds per session.
func NewDialLimiter(maxAttempts int, windowMs int) *DialLimiter {
	window := float64(windowMs) / 1000.0
	return &DialLimiter{
		limit:    rate.Limit(float64(maxAttempts) / window),
		burst:    maxAttempts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow records a dial attempt for the session and reports whether it is
// within the limit.
func (d *DialLimiter) Allow(sessionID string) bool {
	lim, ok := d.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(d.limit, d.burst)
		d.limiters[sessionID] = lim
	}
	return lim.Allow()
}

// Forget drops the session's counter, called when the connection goes away.
func (d *DialLimiter) Forget(sessionID string) {
	delete(d.limiters, sessionID)
}
