package ccluster

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// hashBucketCount is the size of the consistent-hash bucket table (spec
// §4.6), a prime chosen, as in the source, to avoid periodic aliasing
// against power-of-two key distributions.
const hashBucketCount = 32707

// Machine identifies one cluster peer, generalized from the source's
// ClusterMachine (spec §3 Machine).
type Machine struct {
	Hostname    string
	IP          string
	ClusterPort int
}

func (m Machine) identity() string {
	return m.IP + ":" + strconv.Itoa(m.ClusterPort)
}

// topologyGeneration is one immutable, fully-built view of the cluster:
// the machine list and its bucket table. Topology.Update replaces the
// current generation with a new one and retains the old one for
// TopologySettleInterval so in-flight probes at depth 1 still land
// somewhere sensible (spec §4.6 "copy-on-write configuration").
type topologyGeneration struct {
	machines []Machine
	buckets  []Machine
	builtAt  time.Time
}

func buildGeneration(machines []Machine) *topologyGeneration {
	g := &topologyGeneration{
		machines: append([]Machine(nil), machines...),
		buckets:  make([]Machine, hashBucketCount),
		builtAt:  time.Now(),
	}
	if len(machines) == 0 {
		return g
	}
	for i := 0; i < hashBucketCount; i++ {
		g.buckets[i] = rendezvousOwner(machines, i)
	}
	return g
}

// rendezvousOwner picks the machine with the highest weight for bucket,
// HRW/rendezvous hashing (spec §4.6): minimal remapping when the machine
// set changes, without needing a seeded shuffle or external library.
func rendezvousOwner(machines []Machine, bucket int) Machine {
	var best Machine
	var bestWeight uint64
	for i, m := range machines {
		w := mixHash(bucket, m.identity())
		if i == 0 || w > bestWeight {
			bestWeight = w
			best = m
		}
	}
	return best
}

func mixHash(bucket int, identity string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(identity))
	_, _ = h.Write([]byte{byte(bucket), byte(bucket >> 8), byte(bucket >> 16)})
	return h.Sum64()
}

func bucketForKey(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % hashBucketCount)
}

// Topology holds the live and recently-superseded machine lists for one
// node and answers consistent-hash ownership queries (spec §4.6).
type Topology struct {
	self Machine

	mu          sync.RWMutex
	current     *topologyGeneration
	previous    *topologyGeneration
	settleUntil time.Time

	settleInterval time.Duration
}

// NewTopology returns an empty topology for self; Update must be called at
// least once before MachineAtDepth returns anything.
func NewTopology(self Machine, settleInterval time.Duration) *Topology {
	return &Topology{self: self, settleInterval: settleInterval, current: buildGeneration(nil)}
}

// Update installs a new machine list as the current generation, retaining
// the prior one for settleInterval.
func (t *Topology) Update(machines []Machine) {
	next := buildGeneration(machines)
	t.mu.Lock()
	t.previous = t.current
	t.current = next
	t.settleUntil = time.Now().Add(t.settleInterval)
	t.mu.Unlock()
}

// MachineAtDepth returns the owner of key at probe depth (0 = current
// generation, 1 = the generation superseded within settleInterval, still
// live). depth values beyond what's retained return the zero Machine and
// ok=false (spec §4.6 "probe depth").
func (t *Topology) MachineAtDepth(key string, depth int) (Machine, bool) {
	bucket := bucketForKey(key)

	t.mu.RLock()
	defer t.mu.RUnlock()

	switch depth {
	case 0:
		if t.current == nil || len(t.current.machines) == 0 {
			return Machine{}, false
		}
		return t.current.buckets[bucket], true
	default:
		if depth > 1 || t.previous == nil || time.Now().After(t.settleUntil) {
			return Machine{}, false
		}
		if len(t.previous.machines) == 0 {
			return Machine{}, false
		}
		return t.previous.buckets[bucket], true
	}
}

// IsSelf reports whether m is this node.
func (t *Topology) IsSelf(m Machine) bool {
	return m.identity() == t.self.identity()
}

// Machines returns a snapshot of the current generation's machine list.
func (t *Topology) Machines() []Machine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	return append([]Machine(nil), t.current.machines...)
}
