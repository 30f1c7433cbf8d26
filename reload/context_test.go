package reload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestContextCompleteMarksTaskTerminal checks Complete/Fail/InProgress
// reflect straight through to the underlying task.
func TestContextCompleteMarksTaskTerminal(t *testing.T) {
	task := NewTask("t", "reload widgets")
	ctx := newContext(task, nil)

	assert.True(t, ctx.InProgress())
	ctx.Log("applying")
	ctx.Complete()

	assert.False(t, ctx.InProgress())
	assert.True(t, ctx.IsTerminal())
	assert.Contains(t, task.Snapshot().Logs, "applying")
}

// TestContextFail checks Fail records the error and terminates the task.
func TestContextFail(t *testing.T) {
	task := NewTask("t", "reload widgets")
	ctx := newContext(task, nil)

	ctx.Fail(errors.New("parse error"))

	assert.True(t, ctx.IsTerminal())
	assert.Equal(t, StateFail, task.Snapshot().State)
}

// TestContextChildContextIsMemoized checks ChildContext returns the same
// nested context on repeated calls rather than creating a new sub-task
// each time.
func TestContextChildContextIsMemoized(t *testing.T) {
	task := NewTask("t", "reload widgets")
	ctx := newContext(task, nil)

	child1 := ctx.ChildContext()
	child2 := ctx.ChildContext()

	assert.Same(t, child1, child2)
	assert.Len(t, task.Snapshot().SubTasks, 1)
}

// TestContextDescription checks Description surfaces the owning task's
// human-readable description.
func TestContextDescription(t *testing.T) {
	task := NewTask("t", "reload widgets")
	ctx := newContext(task, nil)
	assert.Equal(t, "reload widgets", ctx.Description())
}
