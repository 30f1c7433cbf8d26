package ccluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLoadMonitorConfig() *Config {
	c := DefaultConfig()
	c.OverloadEnterSamples = 2
	c.OverloadLeaveSamples = 2
	c.OverloadLatencyThreshold = 50 * time.Millisecond
	return c
}

// TestBucketIndex checks sample durations land in the expected histogram
// bucket, including the final "and above" overflow bucket.
func TestBucketIndex(t *testing.T) {
	assert.Equal(t, 0, bucketIndex(5*time.Millisecond))
	assert.Equal(t, 0, bucketIndex(10*time.Millisecond))
	assert.Equal(t, 1, bucketIndex(11*time.Millisecond))
	assert.Equal(t, len(latencyBucketBounds), bucketIndex(10*time.Second))
}

// TestLoadMonitorEntersOverloadAfterKSamples checks the monitor only flips
// overloaded after OverloadEnterSamples consecutive high-latency compute
// cycles, not on the first one.
func TestLoadMonitorEntersOverloadAfterKSamples(t *testing.T) {
	m := newLoadMonitor(testLoadMonitorConfig())

	m.onPingReply(100 * time.Millisecond)
	m.compute()
	assert.False(t, m.IsOverloaded(), "one high sample should not yet trip overload")

	m.onPingReply(100 * time.Millisecond)
	m.compute()
	assert.True(t, m.IsOverloaded(), "K consecutive high samples should trip overload")
}

// TestLoadMonitorLeavesOverloadAfterLSamples checks recovery requires
// OverloadLeaveSamples consecutive low-latency compute cycles.
func TestLoadMonitorLeavesOverloadAfterLSamples(t *testing.T) {
	m := newLoadMonitor(testLoadMonitorConfig())
	m.overloaded.Store(true)

	m.onPingReply(1 * time.Millisecond)
	m.compute()
	assert.True(t, m.IsOverloaded(), "one low sample should not yet clear overload")

	m.onPingReply(1 * time.Millisecond)
	m.compute()
	assert.False(t, m.IsOverloaded())
}

// TestLoadMonitorStreakResets checks an intervening low sample resets the
// above-streak, so overload requires K samples in a row, not just K total.
func TestLoadMonitorStreakResets(t *testing.T) {
	m := newLoadMonitor(testLoadMonitorConfig())

	m.onPingReply(100 * time.Millisecond)
	m.compute()
	m.onPingReply(1 * time.Millisecond)
	m.compute()
	m.onPingReply(100 * time.Millisecond)
	m.compute()
	assert.False(t, m.IsOverloaded(), "a low sample in between should reset the above-streak")
}

// TestLoadMonitorComputeNoSamplesIsNoop checks an empty compute cycle
// leaves prior state untouched.
func TestLoadMonitorComputeNoSamplesIsNoop(t *testing.T) {
	m := newLoadMonitor(testLoadMonitorConfig())
	m.overloaded.Store(true)
	m.compute()
	assert.True(t, m.IsOverloaded())
}

// TestLoadMonitorHistogramSnapshot verifies Histogram reflects recorded
// samples and returns a copy, not a live view.
func TestLoadMonitorHistogramSnapshot(t *testing.T) {
	m := newLoadMonitor(testLoadMonitorConfig())
	m.onPingReply(5 * time.Millisecond)
	m.onPingReply(5 * time.Millisecond)

	hist := m.Histogram()
	assert.Equal(t, int64(2), hist[0])

	hist[0] = 999
	assert.NotEqual(t, int64(999), m.Histogram()[0])
}
