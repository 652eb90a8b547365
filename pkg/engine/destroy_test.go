package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/windlass-io/windlass/pkg/state"
)

func TestDestroyAllReverseOrder(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	rec := &boxRecorder{}
	box := registerBox(t, registry, rec)
	store := state.NewMemoryStore()

	scope := newTestScope(t, registry, store, nil)
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := box.Apply(ctx, scope, id, boxProps{Size: 1}); err != nil {
			t.Fatalf("Apply(%q) error = %v", id, err)
		}
	}
	if err := scope.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	down := newTestScope(t, registry, store, func(o *ScopeOptions) { o.Phase = PhaseDestroy })
	if err := down.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}

	want := []string{"c", "b", "a"}
	if len(rec.deleted) != len(want) {
		t.Fatalf("deleted = %v, want %v", rec.deleted, want)
	}
	for i := range want {
		if rec.deleted[i] != want[i] {
			t.Fatalf("deleted = %v, want newest first %v", rec.deleted, want)
		}
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d after DestroyAll, want 0", n)
	}
}

func TestDestroyAllSubtree(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	rec := &boxRecorder{}
	box := registerBox(t, registry, rec)

	parentHandler := func(c *Context, id string, props boxProps) (boxOutput, error) {
		if c.Phase() == PhaseDelete {
			return boxOutput{}, nil
		}
		if _, _, err := box.Apply(c.Context(), c.Scope(), "inner", boxProps{Size: 1}); err != nil {
			return boxOutput{}, err
		}
		return boxOutput{}, nil
	}
	parent, err := RegisterIn(registry, "test::Parent", parentHandler)
	if err != nil {
		t.Fatalf("RegisterIn() error = %v", err)
	}

	store := state.NewMemoryStore()
	scope := newTestScope(t, registry, store, nil)
	if _, _, err := parent.Apply(ctx, scope, "p", boxProps{Size: 1}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	down := newTestScope(t, registry, store, func(o *ScopeOptions) { o.Phase = PhaseDestroy })
	if err := down.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d, want the whole subtree gone", n)
	}
	if _, _, deletes := rec.counts(); deletes != 1 {
		t.Errorf("box deletes = %d, want inner deleted once", deletes)
	}
}

func TestDestroyRetainChildren(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	rec := &boxRecorder{}
	box := registerBox(t, registry, rec)

	parentHandler := func(c *Context, id string, props boxProps) (boxOutput, error) {
		switch c.Phase() {
		case PhaseDelete:
			c.Destroy(true)
			return boxOutput{}, nil
		default:
			if _, _, err := box.Apply(c.Context(), c.Scope(), "inner", boxProps{Size: 1}); err != nil {
				return boxOutput{}, err
			}
			return boxOutput{}, nil
		}
	}
	parent, err := RegisterIn(registry, "test::Parent", parentHandler)
	if err != nil {
		t.Fatalf("RegisterIn() error = %v", err)
	}

	store := state.NewMemoryStore()
	scope := newTestScope(t, registry, store, nil)
	if _, _, err := parent.Apply(ctx, scope, "p", boxProps{Size: 1}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	down := newTestScope(t, registry, store, func(o *ScopeOptions) { o.Phase = PhaseDestroy })
	if err := down.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}

	// The parent record is gone but the retained child keeps its state
	// and its infrastructure.
	gone, err := store.Get(ctx, "p")
	if err != nil {
		t.Fatalf("Get(p) error = %v", err)
	}
	if gone != nil {
		t.Error("parent record survived its destruction")
	}
	mustGet(t, store, "p/inner")
	if _, _, deletes := rec.counts(); deletes != 0 {
		t.Errorf("box deletes = %d, want 0 with retained children", deletes)
	}
}

func TestDestroyNoDelete(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	rec := &boxRecorder{}
	box := registerBox(t, registry, rec, WithNoDelete())
	store := state.NewMemoryStore()

	scope := newTestScope(t, registry, store, nil)
	if _, _, err := box.Apply(ctx, scope, "a", boxProps{Size: 1}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	down := newTestScope(t, registry, store, func(o *ScopeOptions) { o.Phase = PhaseDestroy })
	if err := down.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}

	// Record removed, external object untouched.
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if _, _, deletes := rec.counts(); deletes != 0 {
		t.Errorf("deletes = %d, want handler skipped for NoDelete kind", deletes)
	}
}

func TestDestroyParallelStrategy(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	rec := &boxRecorder{}
	box := registerBox(t, registry, rec, WithDestroyStrategy(DestroyParallel))
	store := state.NewMemoryStore()

	scope := newTestScope(t, registry, store, nil)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		if _, _, err := box.Apply(ctx, scope, id, boxProps{Size: 1}); err != nil {
			t.Fatalf("Apply(%q) error = %v", id, err)
		}
	}

	down := newTestScope(t, registry, store, func(o *ScopeOptions) { o.Phase = PhaseDestroy })
	if err := down.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}

	if _, _, deletes := rec.counts(); deletes != len(ids) {
		t.Errorf("deletes = %d, want %d", deletes, len(ids))
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestDeclareInDestroyPhase(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	rec := &boxRecorder{}
	box := registerBox(t, registry, rec)

	down := newTestScope(t, registry, state.NewMemoryStore(), func(o *ScopeOptions) { o.Phase = PhaseDestroy })
	if _, _, err := box.Apply(ctx, down, "a", boxProps{Size: 1}); err == nil {
		t.Fatal("Apply() succeeded in destroy phase, want error")
	}
}

// TestDeleteCleanupHooksRunAtFinalize verifies a hook installed by a
// delete handler is reached by the finalization pass, including for
// nested records.
func TestDeleteCleanupHooksRunAtFinalize(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	rec := &boxRecorder{}
	box := registerBox(t, registry, rec)

	var (
		mu      sync.Mutex
		cleaned []string
	)
	janitorHandler := func(c *Context, id string, props boxProps) (boxOutput, error) {
		switch c.Phase() {
		case PhaseDelete:
			fqn := c.FQN()
			c.OnCleanup(func(context.Context) error {
				mu.Lock()
				cleaned = append(cleaned, fqn)
				mu.Unlock()
				return nil
			})
			return boxOutput{}, nil
		default:
			if _, _, err := box.Apply(c.Context(), c.Scope(), "inner", boxProps{Size: props.Size}); err != nil {
				return boxOutput{}, err
			}
			return boxOutput{BoxID: id, Size: props.Size}, nil
		}
	}
	janitor, err := RegisterIn(registry, "test::Janitor", janitorHandler)
	if err != nil {
		t.Fatalf("RegisterIn() error = %v", err)
	}
	store := state.NewMemoryStore()

	up := newTestScope(t, registry, store, nil)
	if _, _, err := janitor.Apply(ctx, up, "p", boxProps{Size: 1}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := up.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	down := newTestScope(t, registry, store, func(o *ScopeOptions) { o.Phase = PhaseDestroy })
	if err := down.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}
	if len(cleaned) != 0 {
		t.Fatalf("cleanup hooks ran before Finalize: %v", cleaned)
	}
	if err := down.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "p" {
		t.Errorf("cleaned = %v, want [p]", cleaned)
	}
}

// TestSweepDeleteCleanupHooksRun verifies finalization also reaches a
// hook installed by the delete handler of a deferred replacement.
func TestSweepDeleteCleanupHooksRun(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()

	var (
		mu      sync.Mutex
		cleaned int
	)
	handler := func(c *Context, id string, props boxProps) (boxOutput, error) {
		switch c.Phase() {
		case PhaseDelete:
			c.OnCleanup(func(context.Context) error {
				mu.Lock()
				cleaned++
				mu.Unlock()
				return nil
			})
			return boxOutput{}, nil
		case PhaseUpdate:
			old := c.OldProps()
			if oldImmutable, _ := old["immutable"].(string); props.Immutable != oldImmutable {
				c.Replace(false)
			}
		}
		return boxOutput{BoxID: id, Size: props.Size}, nil
	}
	p, err := RegisterIn(registry, "test::Cutover", handler)
	if err != nil {
		t.Fatalf("RegisterIn() error = %v", err)
	}
	store := state.NewMemoryStore()

	scope := newTestScope(t, registry, store, nil)
	if _, _, err := p.Apply(ctx, scope, "a", boxProps{Size: 1, Immutable: "v1"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := scope.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	scope2 := newTestScope(t, registry, store, nil)
	if _, _, err := p.Apply(ctx, scope2, "a", boxProps{Size: 1, Immutable: "v2"}); err != nil {
		t.Fatalf("replacing Apply() error = %v", err)
	}
	if err := scope2.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if cleaned != 1 {
		t.Errorf("cleanup hooks ran %d times, want 1", cleaned)
	}
}
