package ccluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyBucketBounds are the histogram bucket upper bounds used for
// diagnostics, grounded on the load monitor's "bucket[]" histogram keyed
// by rounded latency, scaled here to a coarser set of ranges since the
// original's per-millisecond resolution is far more precision than this
// host's callers ever need.
var latencyBucketBounds = []time.Duration{
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

// LoadMonitor tracks per-session ping round-trip time and decides whether
// the peer is "overloaded", with hysteresis so a single slow sample does
// not flap the decision (spec §4.8).
type LoadMonitor struct {
	config *Config

	mu      sync.Mutex
	samples []time.Duration
	buckets []int64 // len(latencyBucketBounds)+1, last bucket is "and above"

	aboveStreak int
	belowStreak int

	overloaded atomic.Bool

	sendPing func(body []byte)
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newLoadMonitor(c *Config) *LoadMonitor {
	return &LoadMonitor{
		config:  c,
		buckets: make([]int64, len(latencyBucketBounds)+1),
		stopCh:  make(chan struct{}),
	}
}

// attach wires the monitor to a live session: it starts a ping loop on
// PingInterval (piggybacking on the intrinsic FuncPing/FuncPingReply pair
// the pump already handles) and a compute loop on ComputeInterval.
func (m *LoadMonitor) attach(s *Session) {
	m.sendPing = func(body []byte) {
		s.enqueueControl(ControlItem{FuncCode: FuncPing, Body: body}, 0, classControl)
	}
	go m.pingLoop(s.die)
	go m.computeLoop(s.die)
}

func (m *LoadMonitor) pingLoop(die <-chan struct{}) {
	t := time.NewTicker(m.config.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			buf := make([]byte, 8)
			putUint64LE(buf, uint64(time.Now().UnixNano()))
			m.sendPing(buf)
		case <-die:
			return
		case <-m.stopCh:
			return
		}
	}
}

func putUint64LE(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// onPingReply records one round-trip sample.
func (m *LoadMonitor) onPingReply(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, rtt)
	m.buckets[bucketIndex(rtt)]++
}

func bucketIndex(d time.Duration) int {
	for i, bound := range latencyBucketBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBucketBounds)
}

// computeLoop runs on ComputeInterval: averages the samples collected
// since the last run, compares against OverloadLatencyThreshold, and
// applies the K-of-K-consecutive enter / L-of-L-consecutive leave
// hysteresis from spec §4.8.
func (m *LoadMonitor) computeLoop(die <-chan struct{}) {
	t := time.NewTicker(m.config.ComputeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.compute()
		case <-die:
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *LoadMonitor) compute() {
	m.mu.Lock()
	samples := m.samples
	m.samples = nil
	m.mu.Unlock()

	if len(samples) == 0 {
		return
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	avg := sum / time.Duration(len(samples))

	m.mu.Lock()
	defer m.mu.Unlock()
	if avg > m.config.OverloadLatencyThreshold {
		m.aboveStreak++
		m.belowStreak = 0
		if m.aboveStreak >= m.config.OverloadEnterSamples {
			m.overloaded.Store(true)
		}
	} else {
		m.belowStreak++
		m.aboveStreak = 0
		if m.belowStreak >= m.config.OverloadLeaveSamples {
			m.overloaded.Store(false)
		}
	}
}

// IsOverloaded reports the monitor's current hysteresis-stabilized
// decision, consulted by topology lookups to skip an overloaded peer
// (spec §4.6).
func (m *LoadMonitor) IsOverloaded() bool {
	return m.overloaded.Load()
}

// Histogram returns a snapshot copy of the latency bucket counts. No
// Prometheus collector in metrics.go publishes it.
func (m *LoadMonitor) Histogram() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.buckets))
	copy(out, m.buckets)
	return out
}

func (m *LoadMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
