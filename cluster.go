package ccluster

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// writeCacheEntry is one slot in the striped open-write VC cache: the VC
// itself plus the two-pass sweeper's mark bit (spec §4.5 "global striped
// open-write VC cache with two-pass sweeper").
type writeCacheEntry struct {
	vc     *VC
	marked bool
}

type writeCacheStripe struct {
	mu      sync.Mutex
	entries map[string]*writeCacheEntry
}

// writeVCCache deduplicates concurrent open-write requests for the same
// key onto a single VC: whichever caller arrives first creates the VC and
// every later caller for the same key rides along on it, until the first
// sweep pass marks an entry whose VC has closed and the second pass
// removes it (spec §4.5).
type writeVCCache struct {
	stripes []*writeCacheStripe
	config  *Config
	stopCh  chan struct{}
	once    sync.Once
}

func newWriteVCCache(config *Config) *writeVCCache {
	c := &writeVCCache{
		stripes: make([]*writeCacheStripe, config.WriteVCCacheStripes),
		config:  config,
		stopCh:  make(chan struct{}),
	}
	for i := range c.stripes {
		c.stripes[i] = &writeCacheStripe{entries: make(map[string]*writeCacheEntry)}
	}
	go c.sweepLoop()
	return c
}

func (c *writeVCCache) stripeFor(key string) *writeCacheStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.stripes[int(h.Sum32())%len(c.stripes)]
}

// GetOrCreate returns the cached VC for key, calling create only if no
// live entry exists yet. The bool result reports whether create ran.
func (c *writeVCCache) GetOrCreate(key string, create func() (*VC, error)) (*VC, bool, error) {
	stripe := c.stripeFor(key)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	if e, ok := stripe.entries[key]; ok && !e.marked && !e.vc.IsClosed() {
		return e.vc, false, nil
	}
	vc, err := create()
	if err != nil {
		return nil, false, err
	}
	stripe.entries[key] = &writeCacheEntry{vc: vc}
	return vc, true, nil
}

// adopt directly installs vc under key, bypassing GetOrCreate's create
// callback: used when a VC already exists and is merely being registered
// into the cache (the open-read-to-open-write auto-conversion path, spec
// §4.5 scenario (d), rather than a fresh open-write dial).
func (c *writeVCCache) adopt(key string, vc *VC) {
	stripe := c.stripeFor(key)
	stripe.mu.Lock()
	stripe.entries[key] = &writeCacheEntry{vc: vc}
	stripe.mu.Unlock()
}

// sweepLoop runs the two-pass sweep on WriteVCCacheSweepInterval: the
// first pass marks entries whose VC has already closed; the second pass,
// one interval later, deletes whatever is still marked. An entry that
// becomes active again between passes (a fresh GetOrCreate overwrote it)
// is never seen by the delete pass, since GetOrCreate always replaces a
// closed entry outright.
func (c *writeVCCache) sweepLoop() {
	t := time.NewTicker(c.config.WriteVCCacheSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweepPass()
		case <-c.stopCh:
			return
		}
	}
}

func (c *writeVCCache) sweepPass() {
	for _, stripe := range c.stripes {
		stripe.mu.Lock()
		for key, e := range stripe.entries {
			if e.marked {
				delete(stripe.entries, key)
				continue
			}
			if e.vc.IsClosed() {
				e.marked = true
			}
		}
		stripe.mu.Unlock()
	}
}

func (c *writeVCCache) stop() {
	c.once.Do(func() { close(c.stopCh) })
}

// Cluster ties together topology, the set of live peer sessions, and the
// open-write VC cache: the node-level object cmd/cluster-node constructs
// once at startup (spec §4.6/§4.5 combined view).
type Cluster struct {
	self       Machine
	config     *Config
	dispatcher *Dispatcher
	metrics    *Metrics
	topology   *Topology
	writeCache *writeVCCache

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by Machine.identity()

	log *logrus.Entry
}

// NewCluster constructs a Cluster for self. Dispatcher and Metrics may be
// nil (an internal NewDispatcher() is used; a nil Metrics is a documented
// no-op).
func NewCluster(self Machine, config *Config, dispatcher *Dispatcher, metrics *Metrics) *Cluster {
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &Cluster{
		self:       self,
		config:     config,
		dispatcher: dispatcher,
		metrics:    metrics,
		topology:   NewTopology(self, config.TopologySettleInterval),
		writeCache: newWriteVCCache(config),
		sessions:   make(map[string]*Session),
		log:        logrus.WithField("component", "cluster"),
	}
}

// UpdateMachines installs a new cluster membership list.
func (c *Cluster) UpdateMachines(machines []Machine) {
	c.topology.Update(machines)
}

// AddSession registers an established session under its peer's identity,
// connecting status-callback notifications and overload-gauge updates.
func (c *Cluster) AddSession(peer Machine, s *Session) {
	c.mu.Lock()
	c.sessions[peer.identity()] = s
	c.mu.Unlock()
	c.dispatcher.notifyStatus(peer.identity(), true)

	go func() {
		<-s.CloseChan()
		c.mu.Lock()
		delete(c.sessions, peer.identity())
		c.mu.Unlock()
		c.dispatcher.notifyStatus(peer.identity(), false)
	}()
}

func (c *Cluster) sessionFor(m Machine) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[m.identity()]
	return s, ok
}

// Route picks the session to use for key, walking probe depths 0 through
// ProbeDepth (spec §4.6). An owner that is this node is returned at once
// with a nil session, meaning the key is serviced locally. An owner with no
// registered session, or whose load monitor reports it overloaded, is
// skipped for the next depth. Route has no notion of RPCOnly: it resolves
// topology ownership unconditionally. If no depth yields a usable owner it
// returns ErrNoPeer.
func (c *Cluster) Route(key string) (*Session, Machine, error) {
	for depth := 0; depth <= c.config.ProbeDepth; depth++ {
		m, ok := c.topology.MachineAtDepth(key, depth)
		if !ok {
			continue
		}
		if c.topology.IsSelf(m) {
			return nil, m, nil // caller services this key locally
		}
		s, ok := c.sessionFor(m)
		if !ok {
			continue
		}
		if s.loadMonitor != nil && s.loadMonitor.IsOverloaded() {
			c.metrics.overloaded(m.identity(), true)
			continue
		}
		return s, m, nil
	}
	return nil, Machine{}, ErrNoPeer
}

// CacheOp routes key to its owning session and issues req, or returns
// ErrNoPeer if every candidate within ProbeDepth is unreachable or
// overloaded. Callers servicing the key locally (Route's nil session
// return) must call their own cache engine directly; CacheOp only speaks
// the remote path.
func (c *Cluster) CacheOp(ctx context.Context, key string, req CacheRequest) (CacheReply, error) {
	s, _, err := c.Route(key)
	if err != nil {
		return CacheReply{}, err
	}
	if s == nil {
		return CacheReply{}, ErrNoPeer // key is local; caller should not have routed here
	}
	return s.Call(ctx, req)
}

// OpenWriteVC returns the deduplicated write VC for key, creating one via
// a fresh OpenVC + FuncCacheOp(open-write) exchange on the owning session
// if none is cached yet (spec §4.5 "open-write VC cache").
func (c *Cluster) OpenWriteVC(ctx context.Context, key string, kind CacheOpKind) (*VC, error) {
	s, m, err := c.Route(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoPeer
	}
	_ = m
	vc, _, err := c.writeCache.GetOrCreate(key, func() (*VC, error) {
		vc, err := s.OpenVC()
		if err != nil {
			return nil, err
		}
		reply, err := s.Call(ctx, CacheRequest{Kind: kind, Key: key, Channel: vc.Channel()})
		if err != nil {
			_ = vc.Close()
			return nil, err
		}
		if cerr := reply.ErrorFor(); cerr != nil {
			_ = vc.Close()
			return nil, cerr
		}
		return vc, nil
	})
	return vc, err
}

// OpenReadVC opens a fresh VC on key's owning session and issues an
// open-read CacheRequest over it. The returned VC is already bound and
// streaming: on StatusOK any readahead bytes the responder tunneled are (or
// will shortly be) available via vc.Read, with reply.FollowOn non-zero
// while more data is still in flight (spec §4.5 scenario (b)/(c)). If the
// responder auto-converted a failed open-read into an open-write (scenario
// (d)), the same VC is adopted into this cluster's write-VC cache under key
// and ErrOpenReadConvertedToWrite is returned alongside the still-open VC
// and its reply so the caller can recognize the conversion.
func (c *Cluster) OpenReadVC(ctx context.Context, key string, kind CacheOpKind, allowWriteFallback bool) (*VC, CacheReply, error) {
	s, m, err := c.Route(key)
	if err != nil {
		return nil, CacheReply{}, err
	}
	if s == nil {
		return nil, CacheReply{}, ErrNoPeer
	}
	_ = m

	vc, err := s.OpenVC()
	if err != nil {
		return nil, CacheReply{}, err
	}
	reply, err := s.Call(ctx, CacheRequest{
		Kind:                   kind,
		Key:                    key,
		Channel:                vc.Channel(),
		ReadaheadLimit:         c.config.MaxInitialReadaheadBytes,
		AllowOpenWriteFallback: allowWriteFallback,
	})
	if err != nil {
		_ = vc.Close()
		return nil, CacheReply{}, err
	}

	switch reply.Status {
	case StatusOK:
		if len(reply.Info) > 0 {
			vc.setCacheInfo(&CacheInfo{Bytes: reply.Info})
		}
		return vc, reply, nil
	case StatusOpenReadFailedConverted:
		c.writeCache.adopt(key, vc)
		return vc, reply, ErrOpenReadConvertedToWrite
	default:
		_ = vc.Close()
		return nil, reply, reply.ErrorFor()
	}
}

// Close tears down every session this cluster owns and stops the write
// VC cache's sweeper.
func (c *Cluster) Close() error {
	c.writeCache.stop()
	c.mu.RLock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}
