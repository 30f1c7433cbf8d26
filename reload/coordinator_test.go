package reload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator() (*Coordinator, *Registry) {
	r := NewRegistry()
	c := NewCoordinator(r)
	return c, r
}

// TestPrepareReloadMintsUniqueTokens checks two prepared reloads never
// collide on token, even back to back.
func TestPrepareReloadMintsUniqueTokens(t *testing.T) {
	c, _ := newTestCoordinator()
	t1, err := c.PrepareReload("", "manual-", true)
	require.NoError(t, err)
	t2, err := c.PrepareReload("", "manual-", true)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
	assert.Contains(t, t1, "manual-")
}

// TestPrepareReloadWithoutForceRejectsConcurrent checks force=false refuses
// a second reload while an earlier one is still non-terminal.
func TestPrepareReloadWithoutForceRejectsConcurrent(t *testing.T) {
	c, _ := newTestCoordinator()
	_, err := c.PrepareReload("", "auto-", false)
	require.NoError(t, err)

	_, err = c.PrepareReload("", "auto-", false)
	assert.ErrorIs(t, err, ErrReloadInProgress)
}

// TestPrepareReloadForceBypassesInProgressCheck checks force=true always
// succeeds regardless of outstanding reloads.
func TestPrepareReloadForceBypassesInProgressCheck(t *testing.T) {
	c, _ := newTestCoordinator()
	_, err := c.PrepareReload("", "auto-", false)
	require.NoError(t, err)

	_, err = c.PrepareReload("", "auto-", true)
	assert.NoError(t, err)
}

// TestPrepareReloadAllowsNewOnceTerminal checks a completed earlier reload
// no longer blocks force=false.
func TestPrepareReloadAllowsNewOnceTerminal(t *testing.T) {
	c, _ := newTestCoordinator()
	token, err := c.PrepareReload("", "auto-", false)
	require.NoError(t, err)

	task, ok := c.FindByToken(token)
	require.True(t, ok)
	task.Complete()

	_, err = c.PrepareReload("", "auto-", false)
	assert.NoError(t, err)
}

// TestExecuteReloadSuccess checks a successful handler marks its sub-task
// SUCCESS and surfaces no error.
func TestExecuteReloadSuccess(t *testing.T) {
	c, r := newTestCoordinator()
	require.NoError(t, r.RegisterConfig(Entry{Key: "widgets", Handler: func(ctx *Context) error { return nil }}))

	token, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)

	require.NoError(t, c.ExecuteReload(token, "widgets"))

	root, ok := c.FindByToken(token)
	require.True(t, ok)
	snap := root.Snapshot()
	require.Len(t, snap.SubTasks, 1)
	assert.Equal(t, StateSuccess, snap.SubTasks[0].State)
}

// TestExecuteReloadFailure checks a failing handler's error propagates and
// its sub-task is marked FAIL.
func TestExecuteReloadFailure(t *testing.T) {
	c, r := newTestCoordinator()
	require.NoError(t, r.RegisterConfig(Entry{Key: "widgets", Handler: func(ctx *Context) error {
		return errors.New("bad config")
	}}))

	token, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)

	err = c.ExecuteReload(token, "widgets")
	assert.Error(t, err)

	root, ok := c.FindByToken(token)
	require.True(t, ok)
	assert.Equal(t, StateFail, root.Snapshot().SubTasks[0].State)
}

// TestExecuteReloadUnknownToken checks a stale/unknown token fails cleanly.
func TestExecuteReloadUnknownToken(t *testing.T) {
	c, r := newTestCoordinator()
	require.NoError(t, r.RegisterConfig(Entry{Key: "widgets", Handler: func(*Context) error { return nil }}))
	err := c.ExecuteReload("no-such-token", "widgets")
	assert.Error(t, err)
}

// TestHistoryBoundedAtMaxHistorySize checks the coordinator evicts the
// oldest entries once MaxHistorySize is exceeded, dropping them from both
// the ordered history and the by-token index.
func TestHistoryBoundedAtMaxHistorySize(t *testing.T) {
	c, _ := newTestCoordinator()
	var firstToken string
	for i := 0; i < MaxHistorySize+10; i++ {
		token, err := c.PrepareReload("", "t-", true)
		require.NoError(t, err)
		if i == 0 {
			firstToken = token
		}
	}

	all := c.GetAll(0)
	assert.Len(t, all, MaxHistorySize)

	_, ok := c.FindByToken(firstToken)
	assert.False(t, ok, "oldest token should have been evicted")
}

// TestGetAllMostRecentFirst checks GetAll orders newest-first and respects
// the requested count.
func TestGetAllMostRecentFirst(t *testing.T) {
	c, _ := newTestCoordinator()
	first, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)
	second, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)

	all := c.GetAll(0)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].Token)
	assert.Equal(t, first, all[1].Token)

	limited := c.GetAll(1)
	require.Len(t, limited, 1)
	assert.Equal(t, second, limited[0].Token)
}

// TestPrepareReloadHonorsCallerSuppliedToken checks a caller-chosen token is
// used verbatim instead of a generated one (spec §6 prepare_reload(token,
// prefix, force)).
func TestPrepareReloadHonorsCallerSuppliedToken(t *testing.T) {
	c, _ := newTestCoordinator()
	token, err := c.PrepareReload("t1", "r-", false)
	require.NoError(t, err)
	assert.Equal(t, "t1", token)
}

// TestPrepareReloadForceSupersedesInProgress mirrors spec §8 scenario (e):
// prepare_reload("t1","r-",false) succeeds; prepare_reload("t2","r-",false)
// is rejected and creates no task; prepare_reload("t3","r-",true) marks t1
// TIMEOUT with "Superseded by forced reload" and creates t3.
func TestPrepareReloadForceSupersedesInProgress(t *testing.T) {
	c, _ := newTestCoordinator()

	token1, err := c.PrepareReload("t1", "r-", false)
	require.NoError(t, err)
	assert.Equal(t, "t1", token1)

	_, err = c.PrepareReload("t2", "r-", false)
	assert.ErrorIs(t, err, ErrReloadInProgress)
	_, ok := c.FindByToken("t2")
	assert.False(t, ok, "a rejected prepare must not create a task")

	token3, err := c.PrepareReload("t3", "r-", true)
	require.NoError(t, err)
	assert.Equal(t, "t3", token3)

	t1, ok := c.FindByToken("t1")
	require.True(t, ok)
	snap := t1.Snapshot()
	assert.Equal(t, StateTimeout, snap.State)
	require.NotEmpty(t, snap.Logs)
	assert.Equal(t, "Superseded by forced reload", snap.Logs[len(snap.Logs)-1])

	_, ok = c.FindByToken("t3")
	assert.True(t, ok)
}

// TestMarkTaskAsStaleCascadesToSubTasks checks staling a root task also
// stales any still-non-terminal sub-task, so a stuck handler is reported
// alongside the reload that timed out.
func TestMarkTaskAsStaleCascadesToSubTasks(t *testing.T) {
	c, r := newTestCoordinator()
	require.NoError(t, r.RegisterConfig(Entry{Key: "widgets", Handler: func(*Context) error {
		select {} // never returns within the test; we stale it manually instead of calling ExecuteReload
	}}))

	token, err := c.PrepareReload("", "t-", true)
	require.NoError(t, err)
	ctx, err := c.CreateConfigContext(token, "widgets")
	require.NoError(t, err)
	ctx.task.Start()

	c.MarkTaskAsStale(token)

	root, ok := c.FindByToken(token)
	require.True(t, ok)
	snap := root.Snapshot()
	assert.Equal(t, StateTimeout, snap.State)
	require.Len(t, snap.SubTasks, 1)
	assert.Equal(t, StateTimeout, snap.SubTasks[0].State)
}
