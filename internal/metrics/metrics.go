// Package metrics exposes exchange state to Prometheus. Table sizes are
// gathered at scrape time through a provider interface; frame and dial
// counters are incremented on the hot path through the Observer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/systemx/systemx/internal/exchange"
)

// StatsProvider snapshots the exchange's table sizes.
type StatsProvider interface {
	Stats() exchange.Stats
}

// Collector is a prometheus.Collector that gathers exchange gauges at
// scrape time.
type Collector struct {
	provider  StatsProvider
	startTime time.Time

	connectionsDesc  *prometheus.Desc
	peersDesc        *prometheus.Desc
	activeCallsDesc  *prometheus.Desc
	broadcastsDesc   *prometheus.Desc
	pendingWakesDesc *prometheus.Desc
	wakeProfilesDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates the scrape-time collector.
func NewCollector(provider StatsProvider, startTime time.Time) *Collector {
	return &Collector{
		provider:  provider,
		startTime: startTime,

		connectionsDesc: prometheus.NewDesc(
			"systemx_connections",
			"Number of live transport connections",
			nil, nil,
		),
		peersDesc: prometheus.NewDesc(
			"systemx_federation_peers",
			"Number of connections registered as federation peers",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"systemx_active_calls",
			"Number of active point-to-point calls (ringing + connected)",
			nil, nil,
		),
		broadcastsDesc: prometheus.NewDesc(
			"systemx_broadcast_sessions",
			"Number of live broadcast sessions",
			nil, nil,
		),
		pendingWakesDesc: prometheus.NewDesc(
			"systemx_pending_wake_calls",
			"Number of dials queued behind sleeping addresses",
			nil, nil,
		),
		wakeProfilesDesc: prometheus.NewDesc(
			"systemx_stored_wake_profiles",
			"Number of wake profiles persisted for sleeping addresses",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"systemx_uptime_seconds",
			"Seconds since the exchange process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionsDesc
	ch <- c.peersDesc
	ch <- c.activeCallsDesc
	ch <- c.broadcastsDesc
	ch <- c.pendingWakesDesc
	ch <- c.wakeProfilesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.Stats()
	ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(s.Connections))
	ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(s.RegisteredPeers))
	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(s.ActiveCalls))
	ch <- prometheus.MustNewConstMetric(c.broadcastsDesc, prometheus.GaugeValue, float64(s.BroadcastSessions))
	ch <- prometheus.MustNewConstMetric(c.pendingWakesDesc, prometheus.GaugeValue, float64(s.PendingWakeCalls))
	ch <- prometheus.MustNewConstMetric(c.wakeProfilesDesc, prometheus.GaugeValue, float64(s.StoredWakeProfiles))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Observer counts frames and dial outcomes. It satisfies the exchange's
// Observer contract and is cheap enough to run inside the dispatch lock.
type Observer struct {
	frames *prometheus.CounterVec
	dials  *prometheus.CounterVec
}

// NewObserver registers the counters on reg and returns the observer.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "systemx_frames_handled_total",
			Help: "Inbound frames handled, by frame type",
		}, []string{"type"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "systemx_dial_outcomes_total",
			Help: "DIAL dispositions, by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(o.frames, o.dials)
	return o
}

// FrameHandled implements exchange.Observer.
func (o *Observer) FrameHandled(frameType string) {
	o.frames.WithLabelValues(frameType).Inc()
}

// DialOutcome implements exchange.Observer.
func (o *Observer) DialOutcome(outcome string) {
	o.dials.WithLabelValues(outcome).Inc()
}
