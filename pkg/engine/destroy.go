package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/windlass-io/windlass/pkg/state"
)

// DestroyAll tears down every resource under this scope, newest first.
// On the root scope that is the whole stage. Resources whose kind
// allows it are destroyed concurrently with their siblings; everything
// else is strictly sequential. Declarations are not executed in destroy
// phase, so this is the run's entire work.
func (s *Scope) DestroyAll(ctx context.Context) error {
	all, err := s.Store().All(ctx)
	if err != nil {
		return NewTransientError("reading state", err)
	}

	prefix := s.prefix()
	var top []*state.Record
	for fqn, rec := range all {
		if !strings.HasPrefix(fqn, prefix) {
			continue
		}
		if !strings.Contains(fqn[len(prefix):], fqnSeparator) {
			top = append(top, rec)
		}
	}
	return s.destroyGroup(ctx, top)
}

// destroyGroup destroys sibling records in reverse creation order.
// Consecutive parallel-strategy records form a batch destroyed
// concurrently; a sequential record waits for the batch and runs alone.
func (s *Scope) destroyGroup(ctx context.Context, recs []*state.Record) error {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq > recs[j].Seq })

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	for _, rec := range recs {
		if s.destroyStrategy(rec.Kind) == DestroyParallel {
			wg.Add(1)
			go func(rec *state.Record) {
				defer wg.Done()
				collect(s.destroyRecord(ctx, rec, false))
			}(rec)
			continue
		}
		wg.Wait()
		collect(s.destroyRecord(ctx, rec, false))
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Scope) destroyStrategy(kind string) DestroyStrategy {
	entry, err := s.Registry().lookup(kind)
	if err != nil {
		return DestroySequential
	}
	return entry.opts.DestroyStrategy
}

// destroyRecord tears down one resource and its subtree. The delete
// handler runs before descendants are touched so it can signal child
// retention; descendants then go in reverse creation order, and the
// state record is removed last. A handler failure leaves the record in
// deleting status for the next run to resume.
func (s *Scope) destroyRecord(ctx context.Context, rec *state.Record, retainChildren bool) error {
	entry, err := s.Registry().lookup(rec.Kind)
	if err != nil {
		return err
	}

	if !entry.opts.NoDelete {
		rec.Status = state.StatusDeleting
		if err := s.Store().Set(ctx, rec.FQN, rec); err != nil {
			return NewTransientError("persisting state", err).WithResource(rec.Kind, rec.FQN)
		}

		liveProps, err := s.deserializeTree(rec.Props)
		if err != nil {
			return NewPermanentError("decrypting stored properties", err).
				WithResource(rec.Kind, rec.FQN)
		}
		liveOutput, err := s.deserializeTree(rec.Output)
		if err != nil {
			return NewPermanentError("decrypting stored output", err).
				WithResource(rec.Kind, rec.FQN)
		}
		propsMap, _ := liveProps.(map[string]any)
		liveData, err := s.deserializeTree(rec.Data)
		if err != nil {
			return NewPermanentError("decrypting scratch data", err).
				WithResource(rec.Kind, rec.FQN)
		}
		dataMap, _ := liveData.(map[string]any)

		retain, err := s.runDeleteHandler(ctx, entry, rec.ID, rec.FQN, liveOutput, propsMap, dataMap)
		if err != nil {
			s.markFailed()
			return err
		}
		if retain {
			retainChildren = true
		}
	}

	if !retainChildren {
		children, err := s.childRecords(ctx, rec.FQN)
		if err != nil {
			return err
		}
		if err := s.destroyGroup(ctx, children); err != nil {
			return err
		}
	}

	if err := s.Store().Delete(ctx, rec.FQN); err != nil {
		return NewTransientError("removing state", err).WithResource(rec.Kind, rec.FQN)
	}
	s.transition(rec.Kind, rec.FQN, "deleted")
	return nil
}

// scopeAt resolves the scope owned by the resource at fqn, creating
// the chain of child scopes from the root. Registering the chain keeps
// cleanup hooks a delete handler installs reachable at finalization.
func (s *Scope) scopeAt(fqn string) (*Scope, error) {
	cur := s.root()
	for _, seg := range strings.Split(fqn, fqnSeparator) {
		var err error
		cur, err = cur.Child(seg)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// childRecords returns the records directly below fqn in the namespace.
// Deeper descendants are reached recursively through their parents.
func (s *Scope) childRecords(ctx context.Context, fqn string) ([]*state.Record, error) {
	fqns, err := s.Store().List(ctx)
	if err != nil {
		return nil, NewTransientError("reading state", err)
	}

	prefix := fqn + fqnSeparator
	var out []*state.Record
	for _, candidate := range fqns {
		if !strings.HasPrefix(candidate, prefix) {
			continue
		}
		if strings.Contains(candidate[len(prefix):], fqnSeparator) {
			continue
		}
		rec, err := s.Store().Get(ctx, candidate)
		if err != nil {
			return nil, NewTransientError("reading state", err)
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// runDeleteHandler invokes a kind's handler in delete phase. The
// reported retention flag comes from a DestroyedSignal raised by the
// handler; plain success means full teardown.
func (s *Scope) runDeleteHandler(ctx context.Context, entry *kindEntry,
	id, fqn string, output any, oldProps, data map[string]any) (bool, error) {

	child, err := s.scopeAt(fqn)
	if err != nil {
		return false, err
	}
	c := &Context{
		ctx:      ctx,
		scope:    child,
		phase:    PhaseDelete,
		fqn:      fqn,
		oldProps: oldProps,
		output:   output,
		data:     data,
	}

	start := time.Now()
	out := invokeHandler(c, entry.handler, id, oldProps)
	s.Metrics().RecordApply(entry.kind, string(PhaseDelete), time.Since(start))

	switch out.kind {
	case outcomeContinue:
		return false, nil
	case outcomeDestroyed:
		return out.retainChildren, nil
	case outcomeReplace:
		return false, NewPermanentError(
			fmt.Sprintf("replacement requested during delete of %s", fqn), nil).
			WithResource(entry.kind, fqn).WithOperation("delete")
	default:
		return false, wrapHandlerError(out.err, entry.kind, fqn, "delete")
	}
}

// invokeDelete runs only the delete handler for an instance that no
// longer owns a state record, used when sweeping deferred deletions
// after a replacement. Kinds marked NoDelete skip the handler.
func (s *Scope) invokeDelete(ctx context.Context, p PendingDeletion) error {
	entry, err := s.Registry().lookup(p.Kind)
	if err != nil {
		return err
	}
	if entry.opts.NoDelete {
		return nil
	}
	_, err = s.runDeleteHandler(ctx, entry, p.ID, p.FQN, p.Output, p.OldProps, p.Data)
	return err
}
