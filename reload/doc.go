// Package reload implements the configuration-reload coordinator and
// registry used to apply live config changes to a running cache-cluster
// node. It has no dependency on the transport package and can be used
// standalone.
//
// A Registry holds one Entry per reloadable config file: its default
// filename, the record that can override that filename, the handler that
// applies a reload, and the records that should trigger one. A Coordinator
// drives reloads: PrepareReload mints a token and a root Task, then
// CreateConfigContext hands each registered handler a Context scoped to
// its own sub-task. A background progress checker marks a task TIMEOUT if
// it runs past the configured deadline without reaching a terminal state.
package reload
