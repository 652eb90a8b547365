package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/windlass-io/windlass/pkg/serde"
	"github.com/windlass-io/windlass/pkg/state"
	"github.com/windlass-io/windlass/pkg/telemetry"
)

// RunPhase selects what a whole run does.
type RunPhase string

const (
	// PhaseUp reconciles declared resources against state.
	PhaseUp RunPhase = "up"

	// PhaseDestroy tears down every resource in the stage.
	PhaseDestroy RunPhase = "destroy"

	// PhaseRead never mutates infrastructure; it polls state written by
	// a concurrent writer process until it matches the declaration.
	PhaseRead RunPhase = "read"
)

// Phase is the per-resource lifecycle phase a handler runs in.
type Phase string

const (
	PhaseCreate Phase = "create"
	PhaseUpdate Phase = "update"
	PhaseDelete Phase = "delete"
)

// CleanupFunc is an idempotent teardown hook registered on a scope.
type CleanupFunc func(ctx context.Context) error

// PendingDeletion is an old resource instance queued for deletion after
// a non-forced replacement. The previous instance stays reachable until
// every create in the run has succeeded.
type PendingDeletion struct {
	Kind     string
	ID       string
	FQN      string
	Output   any
	OldProps map[string]any
	Data     map[string]any
}

// ScopeOptions configures a root scope. All fields except Store, App,
// and Stage are optional.
type ScopeOptions struct {
	// App is the application name.
	App string

	// Stage is the logical deployment this run targets.
	Stage string

	// Phase selects up, destroy, or read. Defaults to up.
	Phase RunPhase

	// Profile is an optional credential/config profile name passed
	// through to providers.
	Profile string

	// RootDir is the working directory providers resolve relative
	// paths against. Empty means the process working directory.
	RootDir string

	// Store is the state-store binding, exclusively owned by this scope.
	Store state.Store

	// Password keys secret encryption in persisted state.
	Password string

	// Adopt lets providers reconcile pre-existing external objects
	// instead of failing on "already exists".
	Adopt bool

	// Force applies every resource even when properties are unchanged.
	Force bool

	// Local marks an offline-emulation run.
	Local bool

	// Watch marks a file-watching dev run.
	Watch bool

	// Quiet suppresses per-resource transition messages.
	Quiet bool

	// KeepOrphans disables deletion of resources that existed in a
	// previous run but were not re-declared.
	KeepOrphans bool

	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Registry *Registry
}

// Scope is a hierarchical namespace node: an application, a stage, or
// a nested grouping. It owns the resources and child scopes declared
// while it is active, and the root scope owns the state-store binding.
type Scope struct {
	name   string
	parent *Scope

	// Root-only fields; accessors delegate through root().
	opts     ScopeOptions
	runID    string
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	registry *Registry

	mu        sync.Mutex
	children  []*Scope
	childIdx  map[string]*Scope
	resources []*Resource
	declared  map[string]string // id -> kind, this scope, this run
	cleanups  []CleanupFunc
	finalized bool

	// Root-only run state.
	declaredAll map[string]bool // fqn set, whole tree, this run
	pending     []PendingDeletion
	failed      bool
	seq         int64
	seqReady    bool
}

// NewScope creates a root scope for one run.
func NewScope(opts ScopeOptions) (*Scope, error) {
	if opts.App == "" {
		return nil, NewPermanentError("scope requires an app name", nil).WithCode(ErrCodeValidation)
	}
	if opts.Stage == "" {
		return nil, NewPermanentError("scope requires a stage", nil).WithCode(ErrCodeValidation)
	}
	if opts.Store == nil {
		return nil, NewPermanentError("scope requires a state store", nil).WithCode(ErrCodeValidation)
	}
	if opts.Phase == "" {
		opts.Phase = PhaseUp
	}
	switch opts.Phase {
	case PhaseUp, PhaseDestroy, PhaseRead:
	default:
		return nil, NewPermanentError(fmt.Sprintf("unknown run phase %q", opts.Phase), nil).
			WithCode(ErrCodeValidation)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = telemetry.NewLogger(telemetry.DefaultLoggingConfig())
		if err != nil {
			return nil, err
		}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.DefaultMetricsConfig())
	}
	registry := opts.Registry
	if registry == nil {
		registry = defaultRegistry
	}

	opts.Store = state.Measured(opts.Store, state.BackendName(opts.Store), metrics.RecordStoreOp)

	runID := uuid.New().String()
	return &Scope{
		name:        opts.App,
		opts:        opts,
		runID:       runID,
		logger:      logger.NewComponentLogger("engine").WithRunID(runID).WithStage(opts.Stage),
		metrics:     metrics,
		registry:    registry,
		childIdx:    make(map[string]*Scope),
		declared:    make(map[string]string),
		declaredAll: make(map[string]bool),
	}, nil
}

func (s *Scope) root() *Scope {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Name returns this scope's name segment.
func (s *Scope) Name() string { return s.name }

// App returns the application name.
func (s *Scope) App() string { return s.root().opts.App }

// Stage returns the logical deployment name.
func (s *Scope) Stage() string { return s.root().opts.Stage }

// Phase returns the run phase.
func (s *Scope) Phase() RunPhase { return s.root().opts.Phase }

// Profile returns the configured profile name.
func (s *Scope) Profile() string { return s.root().opts.Profile }

// RootDir returns the working directory for relative path resolution.
func (s *Scope) RootDir() string { return s.root().opts.RootDir }

// Store returns the state-store binding owned by the root scope.
func (s *Scope) Store() state.Store { return s.root().opts.Store }

// Adopt reports whether pre-existing external objects may be adopted.
func (s *Scope) Adopt() bool { return s.root().opts.Adopt }

// Force reports whether unchanged resources are applied anyway.
func (s *Scope) Force() bool { return s.root().opts.Force }

// Local reports whether this is an offline-emulation run.
func (s *Scope) Local() bool { return s.root().opts.Local }

// Watch reports whether this is a file-watching dev run.
func (s *Scope) Watch() bool { return s.root().opts.Watch }

// Quiet reports whether transition messages are suppressed.
func (s *Scope) Quiet() bool { return s.root().opts.Quiet }

// Resources returns the resources resolved through this scope in
// declaration order, skips included.
func (s *Scope) Resources() []*Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Resource(nil), s.resources...)
}

// RunID returns the unique identifier of this run.
func (s *Scope) RunID() string { return s.root().runID }

// Logger returns the run logger.
func (s *Scope) Logger() *telemetry.Logger { return s.root().logger }

// Metrics returns the run metrics collector.
func (s *Scope) Metrics() *telemetry.Metrics { return s.root().metrics }

// Registry returns the provider registry for this run.
func (s *Scope) Registry() *Registry { return s.root().registry }

// Failed reports whether any resource in the run failed.
func (s *Scope) Failed() bool {
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (s *Scope) markFailed() {
	r := s.root()
	r.mu.Lock()
	r.failed = true
	r.mu.Unlock()
}

// path returns the scope path segments below the root.
func (s *Scope) path() []string {
	if s.parent == nil {
		return nil
	}
	return append(s.parent.path(), s.name)
}

// prefix is the FQN prefix for resources in this scope: "" at the
// root, "a/b/" below it.
func (s *Scope) prefix() string {
	segments := s.path()
	if len(segments) == 0 {
		return ""
	}
	return strings.Join(segments, fqnSeparator) + fqnSeparator
}

func (s *Scope) fqnFor(id string) string {
	return s.prefix() + id
}

// Child returns the named child scope, creating it on first use. A
// resource invocation gets a child scope named after the resource id,
// so resources a handler declares are owned by that resource.
func (s *Scope) Child(name string) (*Scope, error) {
	if err := validateID(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.childIdx[name]; ok {
		return existing, nil
	}
	child := &Scope{
		name:     name,
		parent:   s,
		childIdx: make(map[string]*Scope),
		declared: make(map[string]string),
	}
	s.children = append(s.children, child)
	s.childIdx[name] = child
	return child, nil
}

// OnCleanup registers an idempotent teardown hook. Hooks run during
// finalization, leaf scopes first, most recent hook first.
func (s *Scope) OnCleanup(fn CleanupFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Run executes fn with this scope as the ambient context and finalizes
// the scope afterwards. On failure the scope is marked failed and only
// cleanup hooks run; successfully persisted state remains intact for
// the next run to resume from.
func (s *Scope) Run(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	ctx = s.Logger().WithContext(ctx)

	if err := fn(ctx, s); err != nil {
		s.markFailed()
		if cleanupErr := s.runCleanups(ctx); cleanupErr != nil {
			s.Logger().WithError(cleanupErr).Warn("cleanup hooks failed")
		}
		return err
	}
	return s.Finalize(ctx)
}

// Finalize completes a scope's unit of work: deferred deletions queued
// by non-forced replacements are swept, in up phase resources present
// in a previous run but not re-declared in this one are pruned, and
// cleanup hooks run leaf to root. Hooks run last so that hooks
// installed by delete handlers during the sweep or the pruning are
// still reached.
func (s *Scope) Finalize(ctx context.Context) error {
	root := s.root()
	if s != root {
		return s.runCleanups(ctx)
	}

	var errs []error
	if err := root.sweepPending(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 && root.opts.Phase == PhaseUp && !root.opts.KeepOrphans && !root.Failed() {
		if err := root.pruneOrphans(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := root.runCleanups(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runCleanups runs hooks leaf scopes first, most recent first.
func (s *Scope) runCleanups(ctx context.Context) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	children := make([]*Scope, len(s.children))
	copy(children, s.children)
	cleanups := make([]CleanupFunc, len(s.cleanups))
	copy(cleanups, s.cleanups)
	s.mu.Unlock()

	var errs []error
	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].runCleanups(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sweepPending deletes every old instance queued by non-forced
// replacements, in reverse queue order. State records are not touched:
// the replacement instance owns the identifier by now.
func (s *Scope) sweepPending(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.metrics.SetPendingDeletions(0)

	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		pd := pending[i]
		if err := s.invokeDelete(ctx, pd); err != nil {
			errs = append(errs, fmt.Errorf("pending deletion of %s: %w", pd.FQN, err))
			continue
		}
		s.transition(pd.Kind, pd.FQN, "deleted")
	}
	return errors.Join(errs...)
}

func (s *Scope) enqueuePending(pd PendingDeletion) {
	root := s.root()
	root.mu.Lock()
	root.pending = append(root.pending, pd)
	n := len(root.pending)
	root.mu.Unlock()
	root.metrics.SetPendingDeletions(n)
}

// PendingDeletionCount returns the depth of the deferred-deletion queue.
func (s *Scope) PendingDeletionCount() int {
	root := s.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return len(root.pending)
}

// pruneOrphans deletes every stored resource that was not declared in
// this run. One failure does not prevent pruning the rest; all errors
// are surfaced together.
func (s *Scope) pruneOrphans(ctx context.Context) error {
	root := s.root()
	fqns, err := root.Store().List(ctx)
	if err != nil {
		return fmt.Errorf("orphan pruning: %w", err)
	}

	root.mu.Lock()
	declared := make(map[string]bool, len(root.declaredAll))
	for fqn := range root.declaredAll {
		declared[fqn] = true
	}
	root.mu.Unlock()

	var errs []error
	// Deepest records first so children go before their owners.
	for i := len(fqns) - 1; i >= 0; i-- {
		fqn := fqns[i]
		if declared[fqn] {
			continue
		}
		rec, err := root.Store().Get(ctx, fqn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec == nil {
			continue
		}
		if err := root.destroyRecord(ctx, rec, false); err != nil {
			errs = append(errs, fmt.Errorf("pruning orphan %s: %w", fqn, err))
			continue
		}
		root.metrics.RecordOrphanPruned()
	}
	return errors.Join(errs...)
}

func (s *Scope) markDeclared(fqn string) {
	root := s.root()
	root.mu.Lock()
	root.declaredAll[fqn] = true
	root.mu.Unlock()
}

// markSubtreeDeclared retains every stored record under fqn. Used when
// an apply is skipped: the handler did not run, so its child resources
// were never re-declared and must not be pruned.
func (s *Scope) markSubtreeDeclared(ctx context.Context, fqn string) error {
	fqns, err := s.Store().List(ctx)
	if err != nil {
		return err
	}
	root := s.root()
	root.mu.Lock()
	for _, candidate := range fqns {
		if strings.HasPrefix(candidate, fqn+fqnSeparator) {
			root.declaredAll[candidate] = true
		}
	}
	root.mu.Unlock()
	return nil
}

// nextSeq returns the next sequence number for the stage. Sequence
// numbers are recovered from the store on first use so they keep
// increasing across runs and are never reused.
func (s *Scope) nextSeq(ctx context.Context) (int64, error) {
	root := s.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	if !root.seqReady {
		all, err := root.opts.Store.All(ctx)
		if err != nil {
			return 0, fmt.Errorf("recovering sequence counter: %w", err)
		}
		for _, rec := range all {
			if rec.Seq > root.seq {
				root.seq = rec.Seq
			}
		}
		root.seqReady = true
	}

	root.seq++
	return root.seq, nil
}

// transition emits the one terminal message per resource transition.
func (s *Scope) transition(kind, fqn, action string) {
	s.root().metrics.RecordTransition(kind, action)
	if s.Quiet() {
		return
	}
	s.Logger().WithResource(kind, fqn).Info(action)
}

// serializeTree converts a live property tree into its persisted form,
// encrypting secret leaves.
func (s *Scope) serializeTree(v any) (any, error) {
	return serde.Serialize(v, serde.Options{
		Password: s.root().opts.Password,
		Scope:    s,
		Observe:  s.Metrics().RecordSecretOp,
	})
}

// serializePlain converts a live tree into the deterministic plaintext
// form used only for in-memory comparison, never persisted.
func (s *Scope) serializePlain(v any) (any, error) {
	return serde.Serialize(v, serde.Options{PlainSecrets: true, Scope: s})
}

// deserializeTree restores a persisted tree into live values,
// decrypting secret leaves and rehydrating scope references to this
// scope.
func (s *Scope) deserializeTree(v any) (any, error) {
	return serde.Deserialize(v, serde.Options{
		Password: s.root().opts.Password,
		Scope:    s,
		Observe:  s.Metrics().RecordSecretOp,
	})
}

// canonical returns the canonical JSON encoding of a live tree in
// plaintext-comparison form. Object keys are emitted sorted, so the
// comparison is order-insensitive for maps and order-sensitive for
// arrays.
func (s *Scope) canonical(v any) ([]byte, error) {
	plain, err := s.serializePlain(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}
