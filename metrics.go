package ccluster

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors this node publishes. A nil
// *Metrics is safe to use everywhere in this package (every method is a
// nil-receiver no-op), so callers that don't want metrics can simply skip
// constructing one.
type Metrics struct {
	VCsOpened       prometheus.Counter
	VCsClosed       prometheus.Counter
	FramesRead      prometheus.Counter
	FramesWritten   prometheus.Counter
	WireCorruptions prometheus.Counter
	CacheOps        *prometheus.CounterVec
	CacheOpLatency  *prometheus.HistogramVec
	SessionsUp      prometheus.Gauge
	Overloaded      *prometheus.GaugeVec
}

// NewMetrics constructs and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VCsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccluster_vcs_opened_total",
			Help: "Virtual connections opened by this node, as either initiator or acceptor.",
		}),
		VCsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccluster_vcs_closed_total",
			Help: "Virtual connections that have reached the freeable state and been reclaimed.",
		}),
		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccluster_frames_read_total",
			Help: "Cluster wire frames successfully decoded across all sessions.",
		}),
		FramesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccluster_frames_written_total",
			Help: "Cluster wire frames written across all sessions.",
		}),
		WireCorruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccluster_wire_corruptions_total",
			Help: "Frames rejected for checksum or count_check mismatch.",
		}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccluster_cache_ops_total",
			Help: "Cache RPCs issued, labeled by operation and outcome.",
		}, []string{"op", "outcome"}),
		CacheOpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccluster_cache_op_latency_seconds",
			Help:    "Round-trip latency of cache RPCs, labeled by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		SessionsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccluster_sessions_up",
			Help: "Cluster sessions currently active.",
		}),
		Overloaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccluster_peer_overloaded",
			Help: "1 if the load monitor currently considers a peer overloaded, else 0.",
		}, []string{"peer"}),
	}
	reg.MustRegister(
		m.VCsOpened, m.VCsClosed, m.FramesRead, m.FramesWritten, m.WireCorruptions,
		m.CacheOps, m.CacheOpLatency, m.SessionsUp, m.Overloaded,
	)
	return m
}

func (m *Metrics) vcOpened() {
	if m == nil {
		return
	}
	m.VCsOpened.Inc()
}

func (m *Metrics) vcClosed() {
	if m == nil {
		return
	}
	m.VCsClosed.Inc()
}

func (m *Metrics) wireCorruption() {
	if m == nil {
		return
	}
	m.WireCorruptions.Inc()
}

func (m *Metrics) cacheOp(op, outcome string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) cacheOpLatency(op string, seconds float64) {
	if m == nil {
		return
	}
	m.CacheOpLatency.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) sessionUp(delta float64) {
	if m == nil {
		return
	}
	m.SessionsUp.Add(delta)
}

func (m *Metrics) overloaded(peer string, v bool) {
	if m == nil {
		return
	}
	f := 0.0
	if v {
		f = 1.0
	}
	m.Overloaded.WithLabelValues(peer).Set(f)
}
