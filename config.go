package ccluster

import (
	"time"

	"github.com/pkg/errors"
)

// Config holds every tunable named in spec.md §6 "Configuration surface".
// A zero Config is not valid; use DefaultConfig and override fields, then
// call Validate before passing it to Dial/Listen.
type Config struct {
	// ClusterPort is the TCP port peers connect to for cluster sessions.
	ClusterPort int
	// ClusterThreads must be positive to pass Validate; nothing else reads
	// it. It does not bound the session pumps: every Session runs its own
	// read, write and tick goroutines.
	ClusterThreads int

	// MaxClusterSendLength bounds the length of any single transmitted
	// DATA descriptor (spec §8 property 3).
	MaxClusterSendLength uint32

	// MaxInitialReadaheadBytes bounds how much of a cache object's body
	// an open-read responder writes onto the VC before sending its reply;
	// the rest follows over the same VC as a tunnel (spec §4.5, scenario
	// (b)/(c)). The body bytes never travel inside the reply itself.
	MaxInitialReadaheadBytes uint32

	// SocketSendBufferBytes / SocketRecvBufferBytes size the underlying
	// TCP socket buffers (external NetVConnection concern; stored here
	// so the accept/dial glue can apply them).
	SocketSendBufferBytes int
	SocketRecvBufferBytes int

	// SendPacketMark / SendPacketTOS / RecvPacketMark / RecvPacketTOS
	// are opaque integers for outbound/inbound socket options. The
	// accept/dial code in this package does not apply them.
	SendPacketMark int
	SendPacketTOS  int
	RecvPacketMark int
	RecvPacketTOS  int

	// RPCOnly marks a node that does not back cache content. No code in
	// this package reads it: Topology and Cluster.Route can still pick an
	// RPCOnly node as the hashed owner of a content key.
	RPCOnly bool

	// TickInterval is the session pump's periodic tick (spec §4.4,
	// "every ~10ms").
	TickInterval time.Duration

	// LockSpinCount bounds how many times the read pump spins attempting
	// a per-VC try-lock before deferring the bytes to the byte bank. The
	// write pump does not use it: it tries the lock once and retries the
	// VC on its next cycle.
	LockSpinCount int

	// RemoteOpTimeout is the default cache-RPC transport timeout
	// (spec §4.5 "Timeout policy").
	RemoteOpTimeout time.Duration

	// ProbeDepth bounds how many historical topology configurations
	// machine_at_depth will walk when retrying a failed lookup
	// (spec §4.6; Non-goals cap this at "at most one retry").
	ProbeDepth int

	// TopologySettleInterval is how long a superseded topology generation
	// is retained for machine_at_depth probing before being discarded
	// (spec §4.6).
	TopologySettleInterval time.Duration

	// WriteVCCacheStripes is the number of independent mutex-guarded
	// stripes in the global open-write VC cache (spec §4.5).
	WriteVCCacheStripes int
	// WriteVCCacheSweepInterval is how often each stripe is swept for
	// marked-for-delete entries (spec §4.5, "every ~10s").
	WriteVCCacheSweepInterval time.Duration

	// LoadMonitorEnabled turns on the per-session ping/overload monitor.
	LoadMonitorEnabled bool
	// PingInterval is how often a ping-control message is sent per session.
	PingInterval time.Duration
	// ComputeInterval is how often the ping samples collected since the
	// last run are averaged and the overloaded flag is recomputed. No
	// history of averages is kept; only the consecutive above- and
	// below-threshold streak counts carry over between runs.
	ComputeInterval time.Duration
	// OverloadEnterSamples (K) / OverloadLeaveSamples (L) are the
	// hysteresis window sizes from spec §4.8.
	OverloadEnterSamples int
	OverloadLeaveSamples int
	// OverloadLatencyThreshold is compared against averaged ping RTT
	// bins to decide whether a sample counts as "above threshold".
	OverloadLatencyThreshold time.Duration

	// KeepAliveInterval / KeepAliveTimeout mirror the teacher's
	// keepalive knobs, generalized from stream-liveness to session
	// liveness across the cluster link.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	KeepAliveDisabled bool
}

// DefaultConfig returns a Config populated with the defaults named or
// implied by spec.md §6, suitable for production use without overrides.
func DefaultConfig() *Config {
	return &Config{
		ClusterPort:               8086,
		ClusterThreads:            4,
		MaxClusterSendLength:      1 << 20, // 1MiB per descriptor
		MaxInitialReadaheadBytes:  32 << 10,
		SocketSendBufferBytes:     256 << 10,
		SocketRecvBufferBytes:     256 << 10,
		RPCOnly:                   false,
		TickInterval:              10 * time.Millisecond,
		LockSpinCount:             100,
		RemoteOpTimeout:           10 * time.Second,
		ProbeDepth:                1,
		TopologySettleInterval:    30 * time.Second,
		WriteVCCacheStripes:       32,
		WriteVCCacheSweepInterval: 10 * time.Second,
		LoadMonitorEnabled:        true,
		PingInterval:              1 * time.Second,
		ComputeInterval:           5 * time.Second,
		OverloadEnterSamples:      3,
		OverloadLeaveSamples:      5,
		OverloadLatencyThreshold:  250 * time.Millisecond,
		KeepAliveInterval:         10 * time.Second,
		KeepAliveTimeout:          30 * time.Second,
		KeepAliveDisabled:         false,
	}
}

// Validate checks c for internally-consistent values, the way the teacher's
// Config.Validate rejects a session configuration that would deadlock or
// silently misbehave.
func (c *Config) Validate() error {
	if c.ClusterThreads <= 0 {
		return errors.New("ClusterThreads must be positive")
	}
	if c.MaxClusterSendLength == 0 {
		return errors.New("MaxClusterSendLength must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("TickInterval must be positive")
	}
	if c.LockSpinCount < 0 {
		return errors.New("LockSpinCount must not be negative")
	}
	if c.ProbeDepth < 0 {
		return errors.New("ProbeDepth must not be negative")
	}
	if c.WriteVCCacheStripes <= 0 {
		return errors.New("WriteVCCacheStripes must be positive")
	}
	if !c.KeepAliveDisabled {
		if c.KeepAliveInterval <= 0 {
			return errors.New("KeepAliveInterval must be positive unless KeepAliveDisabled")
		}
		if c.KeepAliveTimeout <= c.KeepAliveInterval {
			return errors.New("KeepAliveTimeout must exceed KeepAliveInterval")
		}
	}
	if c.LoadMonitorEnabled {
		if c.OverloadEnterSamples <= 0 || c.OverloadLeaveSamples <= 0 {
			return errors.New("OverloadEnterSamples and OverloadLeaveSamples must be positive")
		}
	}
	return nil
}
