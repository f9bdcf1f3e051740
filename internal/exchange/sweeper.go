package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/systemx/systemx/internal/protocol"
)

// minSweepInterval floors how often the sweeper wakes up; sweeping more
// often than the heartbeat interval would only churn.
const minSweepInterval = 5 * time.Second

// Sweeper periodically evicts connections whose last heartbeat is older
// than the configured timeout.
type Sweeper struct {
	router   *Router
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a sweeper ticking at the heartbeat interval, floored
// at 5s.
func NewSweeper(router *Router, heartbeatInterval time.Duration, logger *slog.Logger) *Sweeper {
	interval := heartbeatInterval
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		router:   router,
		interval: interval,
		log:      logger.With("component", "sweeper"),
	}
}

// Run sweeps until the context is cancelled. Call it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("heartbeat sweeper started", "interval", s.interval, "timeout", s.router.cfg.HeartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.router.SweepStale(); n > 0 {
				s.log.Info("evicted stale connections", "count", n)
			}
		}
	}
}

// SweepStale disconnects every connection whose heartbeat exceeded the
// timeout, returning how many were evicted. One sweep cycle runs entirely
// inside the dispatch lock, like any other handler.
func (r *Router) SweepStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	timeout := r.cfg.HeartbeatTimeout
	if timeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-timeout)
	var stale []*Connection
	r.registry.All(func(c *Connection) {
		if c.LastHeartbeat.Before(cutoff) {
			stale = append(stale, c)
		}
	})
	for _, c := range stale {
		r.disconnectLocked(c, protocol.ReasonTimeout)
	}
	return len(stale)
}
