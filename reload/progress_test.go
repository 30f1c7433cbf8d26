package reload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewProgressCheckerFallsBackOnBadInput checks malformed config records
// fall back to the documented defaults instead of failing construction.
func TestNewProgressCheckerFallsBackOnBadInput(t *testing.T) {
	c := NewCoordinator(NewRegistry())
	pc := NewProgressChecker(c, "not-a-duration", "also-bad")
	defer pc.Stop()

	assert.Equal(t, time.Hour, pc.timeout)
	assert.Equal(t, 2*time.Second, pc.checkInterval)
}

// TestProgressCheckerMarksStaleTasks checks a task older than the configured
// timeout is marked TIMEOUT by the next sweep.
func TestProgressCheckerMarksStaleTasks(t *testing.T) {
	c := NewCoordinator(NewRegistry())
	token, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)

	pc := NewProgressChecker(c, "1ms", "1000ms")
	defer pc.Stop()
	time.Sleep(5 * time.Millisecond) // let the task age past the 1ms timeout
	pc.sweep()

	task, ok := c.FindByToken(token)
	require.True(t, ok)
	assert.Equal(t, StateTimeout, task.Snapshot().State)
}

// TestProgressCheckerSkipsFreshTasks checks a task within its deadline is
// left untouched.
func TestProgressCheckerSkipsFreshTasks(t *testing.T) {
	c := NewCoordinator(NewRegistry())
	token, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)

	pc := NewProgressChecker(c, "1h", "1000ms")
	defer pc.Stop()
	pc.sweep()

	task, ok := c.FindByToken(token)
	require.True(t, ok)
	assert.Equal(t, StateCreated, task.Snapshot().State)
}

// TestProgressCheckerSkipsTerminalTasks checks an already-completed task is
// never retroactively marked stale.
func TestProgressCheckerSkipsTerminalTasks(t *testing.T) {
	c := NewCoordinator(NewRegistry())
	token, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)
	task, _ := c.FindByToken(token)
	task.Complete()

	pc := NewProgressChecker(c, "1ms", "1000ms")
	defer pc.Stop()
	pc.sweep()

	assert.Equal(t, StateSuccess, task.Snapshot().State)
}
