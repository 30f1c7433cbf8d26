package ccluster

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ClusterAPIHandler processes one plugin-registered control message. It
// runs on the session's read-pump goroutine unless the registration opts
// out via WithOwnGoroutine (spec §4.9 "cluster_thread_only").
type ClusterAPIHandler func(s *Session, msg ControlItem)

// StatusCallback is notified whenever a peer session transitions up or
// down, the generalization of the source's machine-status callout list
// (spec §4.9 "status-callback registry").
type StatusCallback func(peerID string, up bool)

type registeredHandler struct {
	fn                ClusterAPIHandler
	clusterThreadOnly bool
	queuePriority     int
}

// HandlerOption configures a RegisterHandler call.
type HandlerOption func(*registeredHandler)

// WithOwnGoroutine marks a handler as unsafe to run on the pump goroutine
// (it blocks, or takes a lock the pump itself might need); dispatch spawns
// it in its own goroutine instead of running it inline.
func WithOwnGoroutine() HandlerOption {
	return func(r *registeredHandler) { r.clusterThreadOnly = false }
}

// WithQueuePriority records a relative priority on the registration.
// dispatch does not order handlers by it: each message's handler runs as
// the message arrives.
func WithQueuePriority(p int) HandlerOption {
	return func(r *registeredHandler) { r.queuePriority = p }
}

// Dispatcher is the function-code dispatch table for messages outside the
// intrinsic cluster protocol: plugin RPCs and user API callouts registered
// at or above FuncPluginBase (spec §4.9), plus the peer up/down status
// callback registry.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint32]registeredHandler

	statusMu  sync.RWMutex
	callbacks []StatusCallback

	log *logrus.Entry
}

// NewDispatcher returns an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[uint32]registeredHandler),
		log:      logrus.WithField("component", "dispatch"),
	}
}

// RegisterHandler binds fn to funcCode. funcCode must be >= FuncPluginBase;
// intrinsic codes are reserved and handled directly by the session pump.
func (d *Dispatcher) RegisterHandler(funcCode uint32, fn ClusterAPIHandler, opts ...HandlerOption) {
	r := registeredHandler{fn: fn, clusterThreadOnly: true}
	for _, opt := range opts {
		opt(&r)
	}
	d.mu.Lock()
	d.handlers[funcCode] = r
	d.mu.Unlock()
}

// dispatch runs the handler registered for msg.FuncCode, if any, recovering
// a panic into a logged warning rather than taking the whole session down
// (spec §4.9, a misbehaving plugin must not crash the transport).
func (d *Dispatcher) dispatch(s *Session, msg ControlItem) {
	d.mu.RLock()
	r, ok := d.handlers[msg.FuncCode]
	d.mu.RUnlock()
	if !ok {
		d.log.WithField("func_code", msg.FuncCode).Warn("no handler registered for control message")
		return
	}

	run := func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.log.WithField("func_code", msg.FuncCode).Errorf("handler panicked: %v", rec)
			}
		}()
		r.fn(s, msg)
	}

	if r.clusterThreadOnly {
		run()
	} else {
		go run()
	}
}

// RegisterStatusCallback adds cb to the set notified on every peer up/down
// transition this node observes.
func (d *Dispatcher) RegisterStatusCallback(cb StatusCallback) {
	d.statusMu.Lock()
	d.callbacks = append(d.callbacks, cb)
	d.statusMu.Unlock()
}

// notifyStatus fans a peer up/down transition out to every registered
// callback, each in its own goroutine so a slow callback cannot stall the
// others or the caller.
func (d *Dispatcher) notifyStatus(peerID string, up bool) {
	d.statusMu.RLock()
	cbs := append([]StatusCallback(nil), d.callbacks...)
	d.statusMu.RUnlock()
	for _, cb := range cbs {
		go cb(peerID, up)
	}
}
