package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/windlass-io/windlass/pkg/serde"
)

// DestroyStrategy controls ordering when a scope's resources are
// destroyed.
type DestroyStrategy string

const (
	// DestroySequential destroys resources one at a time in reverse
	// creation order. This is the default.
	DestroySequential DestroyStrategy = "sequential"

	// DestroyParallel allows a resource to be destroyed concurrently
	// with its siblings.
	DestroyParallel DestroyStrategy = "parallel"
)

// HandlerFunc is the erased handler signature stored in the registry.
// Typed handlers are wrapped into this form at registration.
type HandlerFunc func(c *Context, id string, props map[string]any) (any, error)

// ResourceOptions configures per-kind behavior.
type ResourceOptions struct {
	// DestroyStrategy selects sequential or parallel destruction.
	DestroyStrategy DestroyStrategy

	// AlwaysUpdate disables the skip rule: the handler runs on every
	// apply even when properties are unchanged.
	AlwaysUpdate bool

	// NoDelete removes the state record on destroy but retains the
	// external object, skipping the delete handler entirely.
	NoDelete bool
}

// ResourceOption mutates ResourceOptions at registration.
type ResourceOption func(*ResourceOptions)

// WithDestroyStrategy sets the destroy ordering for a kind.
func WithDestroyStrategy(s DestroyStrategy) ResourceOption {
	return func(o *ResourceOptions) { o.DestroyStrategy = s }
}

// WithAlwaysUpdate forces the handler to run on every apply.
func WithAlwaysUpdate() ResourceOption {
	return func(o *ResourceOptions) { o.AlwaysUpdate = true }
}

// WithNoDelete marks a kind whose external objects are retained on
// destroy; only the state record is removed.
func WithNoDelete() ResourceOption {
	return func(o *ResourceOptions) { o.NoDelete = true }
}

// kindEntry is one registered resource kind.
type kindEntry struct {
	kind    string
	handler HandlerFunc
	opts    ResourceOptions
}

// Registry is the process-wide table mapping resource kinds to their
// handlers. It is populated once per kind at module load; duplicate
// registration is an error.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*kindEntry
}

// NewRegistry creates an empty registry. Most programs use the package
// default registry through Register.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*kindEntry)}
}

// defaultRegistry backs the package-level Register functions.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// kindPattern is the namespaced kind format: "<domain>::<ResourceName>".
var kindPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*::[A-Za-z][A-Za-z0-9]*$`)

func (r *Registry) register(kind string, handler HandlerFunc, opts ResourceOptions) error {
	if !kindPattern.MatchString(kind) {
		return NewPermanentError(
			fmt.Sprintf("invalid resource kind %q, expected \"<domain>::<ResourceName>\"", kind), nil).
			WithCode(ErrCodeValidation)
	}
	if opts.DestroyStrategy == "" {
		opts.DestroyStrategy = DestroySequential
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[kind]; exists {
		return NewPermanentError(
			fmt.Sprintf("resource kind %q is already registered", kind), nil).
			WithCode(ErrCodeDuplicateKind)
	}
	r.kinds[kind] = &kindEntry{kind: kind, handler: handler, opts: opts}
	return nil
}

func (r *Registry) lookup(kind string) (*kindEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.kinds[kind]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no provider registered for kind %q", kind), nil).
			WithCode(ErrCodeUnknownKind)
	}
	return entry, nil
}

// Kinds returns all registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		out = append(out, kind)
	}
	return out
}

// Provider is the typed handle for one registered resource kind. P is
// the provider-specific properties type and O the output type; the
// dynamic map representation exists only at the serialization boundary.
type Provider[P, O any] struct {
	kind     string
	registry *Registry
}

// Kind returns the registered kind name.
func (p *Provider[P, O]) Kind() string {
	return p.kind
}

// Register registers a typed handler for kind in the default registry.
func Register[P, O any](kind string, handler func(c *Context, id string, props P) (O, error), opts ...ResourceOption) (*Provider[P, O], error) {
	return RegisterIn[P, O](defaultRegistry, kind, handler, opts...)
}

// MustRegister is Register for module-load time; it panics on error.
func MustRegister[P, O any](kind string, handler func(c *Context, id string, props P) (O, error), opts ...ResourceOption) *Provider[P, O] {
	p, err := Register[P, O](kind, handler, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// RegisterIn registers a typed handler in a specific registry.
func RegisterIn[P, O any](r *Registry, kind string, handler func(c *Context, id string, props P) (O, error), opts ...ResourceOption) (*Provider[P, O], error) {
	options := ResourceOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	erased := func(c *Context, id string, props map[string]any) (any, error) {
		var typed P
		if err := serde.FromTree(props, &typed); err != nil {
			return nil, NewPermanentError("invalid properties for "+kind, err).
				WithCode(ErrCodeValidation)
		}
		out, err := handler(c, id, typed)
		if err != nil {
			return nil, err
		}
		return serde.ToTree(out)
	}

	if err := r.register(kind, erased, options); err != nil {
		return nil, err
	}
	return &Provider[P, O]{kind: kind, registry: r}, nil
}

// Apply reconciles one resource of this kind within scope. It returns
// the resource identity and its output. Re-applying with identical
// properties is a no-op that returns the persisted output.
func (p *Provider[P, O]) Apply(ctx context.Context, scope *Scope, id string, props P) (*Resource, O, error) {
	var zero O

	tree, err := serde.ToTree(props)
	if err != nil {
		return nil, zero, NewPermanentError("invalid properties for "+p.kind, err).
			WithCode(ErrCodeValidation)
	}
	propsMap, ok := tree.(map[string]any)
	if tree == nil {
		propsMap = map[string]any{}
	} else if !ok {
		return nil, zero, NewPermanentError(
			fmt.Sprintf("properties for %s must serialize to an object, got %T", p.kind, tree), nil).
			WithCode(ErrCodeValidation)
	}

	res, outTree, err := scope.apply(ctx, p.kind, id, propsMap)
	if err != nil {
		return nil, zero, err
	}

	var out O
	if outTree != nil {
		if err := serde.FromTree(outTree, &out); err != nil {
			return nil, zero, NewPermanentError("invalid output for "+p.kind, err).
				WithCode(ErrCodeInternal)
		}
	}
	res.Output = outTree
	return res, out, nil
}
