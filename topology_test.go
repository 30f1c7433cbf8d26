package ccluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func machinesFixture() []Machine {
	return []Machine{
		{Hostname: "a", IP: "10.0.0.1", ClusterPort: 7000},
		{Hostname: "b", IP: "10.0.0.2", ClusterPort: 7000},
		{Hostname: "c", IP: "10.0.0.3", ClusterPort: 7000},
	}
}

// TestMachineAtDepthDeterministic checks that the same key always resolves
// to the same owner for a fixed machine list.
func TestMachineAtDepthDeterministic(t *testing.T) {
	top := NewTopology(machinesFixture()[0], time.Minute)
	top.Update(machinesFixture())

	m1, ok := top.MachineAtDepth("object-key-123", 0)
	require.True(t, ok)
	m2, ok := top.MachineAtDepth("object-key-123", 0)
	require.True(t, ok)
	assert.Equal(t, m1, m2)
}

// TestMachineAtDepthMinimalRemapping checks HRW hashing's defining property:
// removing one machine only remaps the keys that were owned by it.
func TestMachineAtDepthMinimalRemapping(t *testing.T) {
	full := machinesFixture()
	top := NewTopology(full[0], time.Minute)
	top.Update(full)

	before := make(map[string]Machine, 500)
	keys := make([]string, 500)
	for i := range keys {
		keys[i] = "key-" + string(rune('a'+i%26)) + string(rune(i))
		m, ok := top.MachineAtDepth(keys[i], 0)
		require.True(t, ok)
		before[keys[i]] = m
	}

	reduced := full[:2] // drop the third machine
	top.Update(reduced)

	remapped := 0
	for _, k := range keys {
		m, ok := top.MachineAtDepth(k, 0)
		require.True(t, ok)
		if m.identity() != before[k].identity() {
			remapped++
		}
	}

	// Only keys previously owned by the removed machine should move; with
	// 3 machines that's roughly a third, never all of them.
	assert.Less(t, remapped, len(keys))
}

// TestMachineAtDepthProbe verifies depth 1 still resolves against the
// superseded generation within the settle interval, and stops resolving
// once the interval elapses.
func TestMachineAtDepthProbe(t *testing.T) {
	full := machinesFixture()
	top := NewTopology(full[0], 20*time.Millisecond)
	top.Update(full)
	top.Update(full[:2])

	_, ok := top.MachineAtDepth("some-key", 1)
	assert.True(t, ok, "previous generation should still resolve within the settle interval")

	time.Sleep(40 * time.Millisecond)
	_, ok = top.MachineAtDepth("some-key", 1)
	assert.False(t, ok, "previous generation should expire after the settle interval")
}

// TestMachineAtDepthEmptyTopology checks that querying before any Update
// has landed returns ok=false rather than a zero-value Machine mistaken for
// a real owner.
func TestMachineAtDepthEmptyTopology(t *testing.T) {
	top := NewTopology(Machine{IP: "10.0.0.1", ClusterPort: 7000}, time.Minute)
	_, ok := top.MachineAtDepth("anything", 0)
	assert.False(t, ok)
}

// TestIsSelf checks identity comparison ignores Hostname, matching only
// IP:port.
func TestIsSelf(t *testing.T) {
	self := Machine{Hostname: "self", IP: "10.0.0.1", ClusterPort: 7000}
	top := NewTopology(self, time.Minute)
	assert.True(t, top.IsSelf(Machine{Hostname: "renamed", IP: "10.0.0.1", ClusterPort: 7000}))
	assert.False(t, top.IsSelf(Machine{IP: "10.0.0.9", ClusterPort: 7000}))
}
