package engine

import (
	"context"
)

// Context is the per-invocation view a resource handler receives. It
// carries the lifecycle phase, the previous instance's output and
// properties on update, and the control-flow verbs for replacement and
// destruction.
type Context struct {
	ctx   context.Context
	scope *Scope

	phase    Phase
	fqn      string
	oldProps map[string]any
	output   any

	// isReplacement marks a create that replaces a previous instance
	// of the same identifier.
	isReplacement bool

	// data is provider-private scratch state, loaded from the record
	// and persisted back on success.
	data map[string]any
}

// Context returns the run's context.Context for cancellation and
// deadline propagation.
func (c *Context) Context() context.Context { return c.ctx }

// Scope returns the nested scope owned by this resource. Resources the
// handler declares through it become children of this resource.
func (c *Context) Scope() *Scope { return c.scope }

// Phase returns the lifecycle phase this invocation runs in.
func (c *Context) Phase() Phase { return c.phase }

// FQN returns the fully qualified name of the resource being applied.
func (c *Context) FQN() string { return c.fqn }

// OldProps returns the previous instance's properties during update and
// delete, nil during create.
func (c *Context) OldProps() map[string]any { return c.oldProps }

// Output returns the previous instance's output during update and
// delete, nil during create. Handlers read prior remote identifiers
// from it.
func (c *Context) Output() any { return c.output }

// IsReplacement reports whether this create phase replaces a previous
// instance of the same identifier.
func (c *Context) IsReplacement() bool { return c.isReplacement }

// Adopt reports whether the run allows reconciling pre-existing
// external objects. Providers hitting an already-exists conflict on
// create should fall back to lookup-and-update when this is set
// instead of returning NewAlreadyExistsError.
func (c *Context) Adopt() bool { return c.scope.Adopt() }

// Set stores a provider-private scratch value on the resource. Scratch
// data is persisted with the state record on success, separate from the
// public output, and is available again on later update and delete
// invocations. Values follow the serializer's rules, secrets included.
func (c *Context) Set(key string, value any) {
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = value
}

// Get returns a scratch value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// Delete removes a scratch value.
func (c *Context) Delete(key string) {
	delete(c.data, key)
}

// OnCleanup registers an idempotent teardown hook on this resource's
// scope.
func (c *Context) OnCleanup(fn CleanupFunc) {
	c.scope.OnCleanup(fn)
}

// Replace signals that the resource cannot be updated in place. With
// force, the old instance is destroyed immediately and the handler
// re-runs as a create. Without force, the new instance is created
// first and the old one is queued for deletion at the end of the run.
// Replace does not return.
func (c *Context) Replace(force bool) {
	panic(&ReplacedSignal{Force: force})
}

// Destroy signals from the delete phase that the remote object is gone.
// Child resources are destroyed too unless retainChildren is set.
// Destroy does not return.
func (c *Context) Destroy(retainChildren bool) {
	panic(&DestroyedSignal{RetainChildren: retainChildren})
}
