package reload

import "gopkg.in/yaml.v3"

// Context is what a registered handler receives when the coordinator drives
// its reload: a handle to the handler's own sub-task plus the new config
// content to apply. A handler may report its outcome by calling Complete or
// Fail; otherwise Coordinator.ExecuteReload marks the sub-task from the
// handler's returned error. Only the first terminal outcome is kept.
type Context struct {
	task         *Task
	suppliedYAML *yaml.Node
	child        *Context
}

func newContext(task *Task, suppliedYAML *yaml.Node) *Context {
	return &Context{task: task, suppliedYAML: suppliedYAML}
}

// InProgress reports whether the underlying task has not yet reached a
// terminal state.
func (c *Context) InProgress() bool {
	return !c.task.IsTerminal()
}

// Log appends a progress line visible in the task's Info snapshot.
func (c *Context) Log(msg string) {
	c.task.Log(msg)
}

// Complete marks the handler's sub-task SUCCESS.
func (c *Context) Complete() {
	c.task.Complete()
}

// Fail marks the handler's sub-task FAIL, recording err.
func (c *Context) Fail(err error) {
	c.task.Fail(err)
}

// IsTerminal reports whether Complete or Fail (or a coordinator-driven
// timeout) has already been applied.
func (c *Context) IsTerminal() bool {
	return c.task.IsTerminal()
}

// Description returns the owning task's human-readable description.
func (c *Context) Description() string {
	return c.task.description
}

// Filename returns the file the registry resolved for this reload (the
// entry's passed-config override or its default), for ConfigTypeLegacy
// handlers that parse their own file format instead of reading SuppliedYAML.
func (c *Context) Filename() string {
	return c.task.filename
}

// ChildContext returns a context for a nested reload a handler wants to
// kick off itself (e.g. one config entry whose reload cascades into
// another), lazily creating one sharing this context's supplied YAML.
func (c *Context) ChildContext() *Context {
	if c.child == nil {
		sub := newSubTask(c.task.token+"/child", c.task.description+" (nested)", c.task.filename, c.task.mainToken)
		c.task.addSubTask(sub)
		c.child = newContext(sub, c.suppliedYAML)
	}
	return c.child
}

// SuppliedYAML returns the parsed document Registry.ExecuteReload read from
// the config entry's file, or nil if the entry's Type is ConfigTypeLegacy or
// no filename was resolved.
func (c *Context) SuppliedYAML() *yaml.Node {
	return c.suppliedYAML
}
