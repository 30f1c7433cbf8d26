package reload

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MaxHistorySize bounds how many root tasks the coordinator remembers; the
// oldest task, whatever its state, is evicted once the bound is exceeded.
const MaxHistorySize = 100

// ErrReloadInProgress is returned by PrepareReload when force is false and
// an earlier reload has not yet reached a terminal state.
var ErrReloadInProgress = errors.New("reload: another reload is already in progress")

// Coordinator drives reloads against a Registry: PrepareReload mints a root
// task and a token, CreateConfigContext hands each entry's handler a scoped
// Context, and ExecuteReload on the Registry does the actual work.
type Coordinator struct {
	registry *Registry

	mu      sync.Mutex
	history []*Task // most-recent first, bounded at MaxHistorySize
	byToken map[string]*Task

	log *logrus.Entry
}

// NewCoordinator returns a Coordinator driving reloads against registry.
func NewCoordinator(registry *Registry) *Coordinator {
	return &Coordinator{
		registry: registry,
		byToken:  make(map[string]*Task),
		log:      logrus.WithField("component", "reload.coordinator"),
	}
}

// PrepareReload mints a root Task in state CREATED under token, generating
// one of the form prefix+millis-since-epoch if token is empty. If force is
// false and any previously prepared task has not yet reached a terminal
// state, it returns ErrReloadInProgress instead. If force is true, every
// non-terminal prior task is immediately superseded: marked TIMEOUT with
// log entry "Superseded by forced reload" (spec §4.9 "mark the current task
// TIMEOUT with reason 'superseded'", scenario (e)).
func (c *Coordinator) PrepareReload(token, prefix string, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force {
		for _, t := range c.history {
			if !t.IsTerminal() {
				return "", errors.Wrapf(ErrReloadInProgress, "Reload already in progress for token: %s", token)
			}
		}
	} else {
		for _, t := range c.history {
			if !t.IsTerminal() {
				markStale(t, "Superseded by forced reload")
			}
		}
	}

	if token == "" {
		// The millis-since-epoch component preserves the original's
		// sortable, human-readable token shape; the short uuid suffix
		// guarantees uniqueness for the (rare but possible) two reloads
		// prepared within the same millisecond.
		token = prefix + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
	}
	task := NewTask(token, "configuration reload")
	c.byToken[token] = task
	c.history = append([]*Task{task}, c.history...)
	if len(c.history) > MaxHistorySize {
		evicted := c.history[MaxHistorySize:]
		c.history = c.history[:MaxHistorySize]
		for _, t := range evicted {
			delete(c.byToken, t.Token())
		}
	}

	c.log.WithField("token", token).Info("prepared reload")
	return token, nil
}

// CreateConfigContext creates a sub-task under token's root task for key and
// returns a Context bound to it, ready to pass to Registry.ExecuteReload.
func (c *Coordinator) CreateConfigContext(token, key string) (*Context, error) {
	c.mu.Lock()
	root, ok := c.byToken[token]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("reload: unknown token %q", token)
	}
	entry, ok := c.registry.Find(key)
	if !ok {
		return nil, errors.Errorf("reload: no registered config %q", key)
	}

	sub := newSubTask(token+"/"+key, "reload "+key, entry.DefaultFilename, token)
	root.addSubTask(sub)
	return newContext(sub, nil), nil
}

// ExecuteReload runs key's handler under a fresh config context scoped to
// token, marking the context's task IN_PROGRESS before the call and
// SUCCESS/FAIL after, unless the handler already called Complete or Fail
// itself. A handler panic is recovered: the task is marked FAIL with the
// panic value in its log and returned as the error.
func (c *Coordinator) ExecuteReload(token, key string) (err error) {
	ctx, err := c.CreateConfigContext(token, key)
	if err != nil {
		return err
	}
	ctx.task.Start()
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("reload: handler for %q panicked: %v", key, rec)
			ctx.task.Fail(err)
			c.log.WithField("token", token).Error(err)
		}
	}()
	err = c.registry.ExecuteReload(key, ctx)
	if err != nil {
		ctx.task.Fail(err)
		return err
	}
	ctx.task.Complete()
	return nil
}

// Keys returns every config key registered on the coordinator's registry,
// for callers that want to drive a reload across every entry.
func (c *Coordinator) Keys() []string {
	return c.registry.Keys()
}

// GetAll returns a snapshot of the n most recent root tasks, most recent
// first. n <= 0 returns every task in history.
func (c *Coordinator) GetAll(n int) []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.history) {
		n = len(c.history)
	}
	out := make([]Info, 0, n)
	for _, t := range c.history[:n] {
		out = append(out, t.Snapshot())
	}
	return out
}

// FindByToken returns the root task registered under token.
func (c *Coordinator) FindByToken(token string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byToken[token]
	return t, ok
}

// MarkTaskAsStale marks token's task (and, recursively, any non-terminal
// sub-task) TIMEOUT. Used by the progress checker once a task has run past
// its deadline.
func (c *Coordinator) MarkTaskAsStale(token string) {
	t, ok := c.FindByToken(token)
	if !ok {
		return
	}
	markStale(t, "reload exceeded its deadline")
	c.log.WithField("token", token).Warn("reload task marked stale")
}

func markStale(t *Task, reason string) {
	t.MarkTimedOut(reason)
	t.mu.Lock()
	subs := append([]*Task(nil), t.subTasks...)
	t.mu.Unlock()
	for _, sub := range subs {
		markStale(sub, reason)
	}
}
