package ccluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestDispatchRunsRegisteredHandler checks a registered handler receives
// the control message dispatch routes to it.
func TestDispatchRunsRegisteredHandler(t *testing.T) {
	d := NewDispatcher()
	var got ControlItem
	var mu sync.Mutex
	d.RegisterHandler(FuncPluginBase, func(s *Session, msg ControlItem) {
		mu.Lock()
		got = msg
		mu.Unlock()
	})

	d.dispatch(nil, ControlItem{FuncCode: FuncPluginBase, Body: []byte("hi")})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint32(FuncPluginBase), got.FuncCode)
}

// TestDispatchUnknownFuncCodeIsNoop checks dispatching an unregistered
// function code does not panic.
func TestDispatchUnknownFuncCodeIsNoop(t *testing.T) {
	d := NewDispatcher()
	assert.NotPanics(t, func() {
		d.dispatch(nil, ControlItem{FuncCode: 99999})
	})
}

// TestDispatchRecoversHandlerPanic checks a panicking handler does not
// propagate out of dispatch.
func TestDispatchRecoversHandlerPanic(t *testing.T) {
	d := NewDispatcher()
	d.RegisterHandler(FuncPluginBase, func(s *Session, msg ControlItem) {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		d.dispatch(nil, ControlItem{FuncCode: FuncPluginBase})
	})
}

// TestDispatchOwnGoroutineRunsAsynchronously checks a WithOwnGoroutine
// handler does not block the caller even while it sleeps.
func TestDispatchOwnGoroutineRunsAsynchronously(t *testing.T) {
	d := NewDispatcher()
	started := make(chan struct{})
	d.RegisterHandler(FuncPluginBase, func(s *Session, msg ControlItem) {
		close(started)
		time.Sleep(50 * time.Millisecond)
	}, WithOwnGoroutine())

	start := time.Now()
	d.dispatch(nil, ControlItem{FuncCode: FuncPluginBase})
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

// TestNotifyStatusFansOutToAllCallbacks checks every registered status
// callback observes a peer transition.
func TestNotifyStatusFansOutToAllCallbacks(t *testing.T) {
	d := NewDispatcher()
	var mu sync.Mutex
	calls := 0
	for i := 0; i < 3; i++ {
		d.RegisterStatusCallback(func(peerID string, up bool) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}

	d.notifyStatus("10.0.0.1:7000", true)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, time.Second, 10*time.Millisecond)
}
