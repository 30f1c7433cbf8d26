package reload

import (
	"sync"
	"time"
)

// TaskState is the lifecycle state of a ConfigReloadTask.
type TaskState int

const (
	StateInvalid TaskState = iota
	StateCreated
	StateInProgress
	StateSuccess
	StateFail
	StateTimeout
)

func (s TaskState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateSuccess:
		return "SUCCESS"
	case StateFail:
		return "FAIL"
	case StateTimeout:
		return "TIMEOUT"
	default:
		return "INVALID"
	}
}

// IsTerminal reports whether a task in this state will never change state
// again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFail, StateTimeout:
		return true
	default:
		return false
	}
}

// Info is a point-in-time copy of a Task, safe to hand
// to callers outside the reload package (e.g. an admin API response).
type Info struct {
	Token          string
	Description    string
	Filename       string
	CreatedAtMs    int64
	LastUpdatedMs  int64
	State          TaskState
	Logs           []string
	SubTasks       []Info
	MainTaskToken  string // empty for a root task
}

// Task tracks one in-flight (or completed) reload operation: either the
// root operation for a PrepareReload call, or one sub-task per config entry
// the coordinator drives a handler for (spec: ConfigReloadTrace's
// ConfigReloadTask / ConfigReloadProgress pairing).
type Task struct {
	mu sync.Mutex

	token         string
	description   string
	filename      string
	createdAtMs   int64
	lastUpdatedMs int64
	state         TaskState
	logs          []string
	subTasks      []*Task
	mainToken     string
}

// NewTask creates a root task in state CREATED.
func NewTask(token, description string) *Task {
	now := time.Now().UnixMilli()
	return &Task{
		token:         token,
		description:   description,
		createdAtMs:   now,
		lastUpdatedMs: now,
		state:         StateCreated,
	}
}

// newSubTask creates a task owned by a parent, recorded under mainToken for
// Info.MainTaskToken.
func newSubTask(token, description, filename, mainToken string) *Task {
	t := NewTask(token, description)
	t.filename = filename
	t.mainToken = mainToken
	return t
}

func (t *Task) addSubTask(sub *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subTasks = append(t.subTasks, sub)
}

// Log appends a progress line and touches LastUpdatedMs, without changing
// state.
func (t *Task) Log(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = append(t.logs, msg)
	t.lastUpdatedMs = time.Now().UnixMilli()
}

// Start transitions CREATED -> IN_PROGRESS. It is a no-op if the task is
// already in progress or terminal.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCreated {
		t.state = StateInProgress
		t.lastUpdatedMs = time.Now().UnixMilli()
	}
}

// Complete transitions the task to SUCCESS. No-op if already terminal.
func (t *Task) Complete() {
	t.setTerminal(StateSuccess, "")
}

// Fail transitions the task to FAIL, recording err's message as the final
// log line. No-op if already terminal.
func (t *Task) Fail(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.setTerminal(StateFail, msg)
}

// MarkTimedOut transitions the task to TIMEOUT, recording reason as the
// final log line. No-op if already terminal.
func (t *Task) MarkTimedOut(reason string) {
	t.setTerminal(StateTimeout, reason)
}

func (t *Task) setTerminal(state TaskState, logMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsTerminal() {
		return
	}
	t.state = state
	t.lastUpdatedMs = time.Now().UnixMilli()
	if logMsg != "" {
		t.logs = append(t.logs, logMsg)
	}
}

// IsTerminal reports the task's current state without requiring a snapshot.
func (t *Task) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.IsTerminal()
}

// Token returns the task's token (immutable after construction).
func (t *Task) Token() string {
	return t.token
}

// Snapshot returns an Info copy of the task and, recursively, its sub-tasks.
func (t *Task) Snapshot() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := make([]Info, 0, len(t.subTasks))
	for _, s := range t.subTasks {
		subs = append(subs, s.Snapshot())
	}
	logs := make([]string, len(t.logs))
	copy(logs, t.logs)
	return Info{
		Token:         t.token,
		Description:   t.description,
		Filename:      t.filename,
		CreatedAtMs:   t.createdAtMs,
		LastUpdatedMs: t.lastUpdatedMs,
		State:         t.state,
		Logs:          logs,
		SubTasks:      subs,
		MainTaskToken: t.mainToken,
	}
}
