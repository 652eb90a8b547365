package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/windlass-io/windlass/pkg/serde"
	"github.com/windlass-io/windlass/pkg/state"
)

// readPollInterval is the base delay between state polls in read phase.
// Each wait adds up to readPollJitter so concurrent readers spread out.
const (
	readPollInterval = 100 * time.Millisecond
	readPollJitter   = 200 * time.Millisecond
)

// apply reconciles one resource declaration against its state record.
// It decides create versus update versus skip, persists the in-flight
// status before the handler runs, dispatches the handler's outcome
// including the replacement protocol, and persists the result.
//
// props is the serializable property tree with live secret values; the
// returned output tree is live as well.
func (s *Scope) apply(ctx context.Context, kind, id string, props map[string]any) (*Resource, any, error) {
	if err := validateID(id); err != nil {
		return nil, nil, err
	}
	entry, err := s.Registry().lookup(kind)
	if err != nil {
		return nil, nil, err
	}

	fqn := s.fqnFor(id)
	if err := s.declare(kind, id, fqn); err != nil {
		return nil, nil, err
	}

	switch s.Phase() {
	case PhaseRead:
		return s.applyRead(ctx, kind, id, fqn, props)
	case PhaseDestroy:
		return nil, nil, NewPermanentError(
			"resources cannot be declared in destroy phase", nil).
			WithResource(kind, fqn).WithCode(ErrCodeValidation)
	}

	newCanon, err := s.canonical(props)
	if err != nil {
		return nil, nil, NewPermanentError("serializing properties", err).
			WithResource(kind, fqn).WithCode(ErrCodeValidation)
	}

	rec, err := s.Store().Get(ctx, fqn)
	if err != nil {
		return nil, nil, NewTransientError("reading state", err).WithResource(kind, fqn)
	}
	if rec != nil && rec.Kind != kind {
		return nil, nil, NewConflictError(
			fmt.Sprintf("identifier %s holds a %s, cannot redeclare as %s", fqn, rec.Kind, kind), nil).
			WithResource(kind, fqn).WithCode(ErrCodeKindMismatch)
	}

	if rec != nil && rec.Status.Stable() && !entry.opts.AlwaysUpdate && !s.Force() {
		same, err := s.sameProps(rec, newCanon)
		if err != nil {
			return nil, nil, err
		}
		if same {
			return s.skip(ctx, rec)
		}
	}

	encProps, err := s.serializeTree(props)
	if err != nil {
		return nil, nil, NewPermanentError("encrypting properties", err).WithResource(kind, fqn)
	}
	encMap, _ := encProps.(map[string]any)

	switch {
	case rec == nil:
		return s.applyCreate(ctx, entry, id, fqn, props, encMap, false, nil)
	case rec.Status == state.StatusCreating:
		// A record left creating by an interrupted run resumes in
		// create phase so the handler can converge partial work.
		return s.applyCreate(ctx, entry, id, fqn, props, encMap, false, rec)
	default:
		return s.applyUpdate(ctx, entry, rec, id, props, encMap)
	}
}

// declare records the identity tuple for this run, rejecting a second
// declaration of the same id in the same scope.
func (s *Scope) declare(kind, id, fqn string) error {
	s.mu.Lock()
	if existing, ok := s.declared[id]; ok {
		s.mu.Unlock()
		return NewConflictError(
			fmt.Sprintf("resource id %q already declared in this scope as %s", id, existing), nil).
			WithResource(kind, fqn).WithCode(ErrCodeAlreadyExists)
	}
	s.declared[id] = kind
	s.mu.Unlock()

	s.markDeclared(fqn)
	return nil
}

// sameProps compares stored properties against the new declaration in
// deterministic plaintext form. Stored properties are decrypted first;
// secret ciphertexts themselves never compare equal across runs.
func (s *Scope) sameProps(rec *state.Record, newCanon []byte) (bool, error) {
	storedLive, err := s.deserializeTree(rec.Props)
	if err != nil {
		return false, NewPermanentError("decrypting stored properties", err).
			WithResource(rec.Kind, rec.FQN)
	}
	storedCanon, err := s.canonical(storedLive)
	if err != nil {
		return false, NewPermanentError("serializing stored properties", err).
			WithResource(rec.Kind, rec.FQN)
	}
	return bytes.Equal(storedCanon, newCanon), nil
}

// skip resolves an unchanged declaration from state without running
// the handler. Stored descendants are retained: the handler did not
// run, so it could not re-declare them.
func (s *Scope) skip(ctx context.Context, rec *state.Record) (*Resource, any, error) {
	if err := s.markSubtreeDeclared(ctx, rec.FQN); err != nil {
		return nil, nil, NewTransientError("retaining descendants", err).
			WithResource(rec.Kind, rec.FQN)
	}
	// Scope references in the output rehydrate to the resource's own
	// scope, the one its handler would have received.
	child, err := s.Child(rec.ID)
	if err != nil {
		return nil, nil, err
	}
	output, err := serde.Deserialize(rec.Output, serde.Options{
		Password: s.root().opts.Password,
		Scope:    child,
		Observe:  s.Metrics().RecordSecretOp,
	})
	if err != nil {
		return nil, nil, NewPermanentError("decrypting stored output", err).
			WithResource(rec.Kind, rec.FQN)
	}
	s.transition(rec.Kind, rec.FQN, "skipped")
	res := s.newResource(rec)
	res.Output = output
	s.trackResource(res)
	return res, output, nil
}

func (s *Scope) newResource(rec *state.Record) *Resource {
	return &Resource{Kind: rec.Kind, ID: rec.ID, FQN: rec.FQN, Seq: rec.Seq, scope: s}
}

// applyCreate runs the create phase. rec is nil for a brand new
// resource; a non-nil rec resumes an interrupted create or carries the
// identity of a replacement, keeping its already-assigned Seq.
func (s *Scope) applyCreate(ctx context.Context, entry *kindEntry, id, fqn string,
	props map[string]any, encProps map[string]any,
	isReplacement bool, rec *state.Record) (*Resource, any, error) {

	if rec == nil {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return nil, nil, NewTransientError("allocating sequence number", err).
				WithResource(entry.kind, fqn)
		}
		rec = &state.Record{Kind: entry.kind, ID: id, FQN: fqn, Seq: seq}
	}
	rec.Status = state.StatusCreating
	rec.Props = encProps
	if err := s.Store().Set(ctx, fqn, rec); err != nil {
		return nil, nil, NewTransientError("persisting state", err).WithResource(entry.kind, fqn)
	}

	c, err := s.newHandlerContext(ctx, id, fqn, PhaseCreate, rec)
	if err != nil {
		return nil, nil, err
	}
	c.isReplacement = isReplacement

	start := time.Now()
	out := invokeHandler(c, entry.handler, id, props)
	s.Metrics().RecordApply(entry.kind, string(PhaseCreate), time.Since(start))

	switch out.kind {
	case outcomeContinue:
		return s.persistResult(ctx, c, rec, state.StatusCreated, out.output, "created")
	case outcomeReplace:
		s.markFailed()
		return nil, nil, NewPermanentError(
			"replacement requested during create: there is no previous instance to replace", nil).
			WithResource(entry.kind, fqn).WithOperation("create").
			WithCode(ErrCodeReplaceDuringCreate)
	case outcomeDestroyed:
		s.markFailed()
		return nil, nil, NewPermanentError("destroy signaled outside delete phase", nil).
			WithResource(entry.kind, fqn).WithOperation("create")
	default:
		s.markFailed()
		return nil, nil, wrapHandlerError(out.err, entry.kind, fqn, "create")
	}
}

// applyUpdate runs the update phase against a settled or interrupted
// record (except creating, which resumes as create).
func (s *Scope) applyUpdate(ctx context.Context, entry *kindEntry, rec *state.Record,
	id string, props map[string]any, encProps map[string]any) (*Resource, any, error) {

	oldLiveProps, err := s.deserializeTree(rec.Props)
	if err != nil {
		return nil, nil, NewPermanentError("decrypting stored properties", err).
			WithResource(entry.kind, rec.FQN)
	}
	oldLiveOutput, err := s.deserializeTree(rec.Output)
	if err != nil {
		return nil, nil, NewPermanentError("decrypting stored output", err).
			WithResource(entry.kind, rec.FQN)
	}
	oldPropsMap, _ := oldLiveProps.(map[string]any)

	rec.Status = state.StatusUpdating
	rec.OldProps = rec.Props
	rec.Props = encProps
	if err := s.Store().Set(ctx, rec.FQN, rec); err != nil {
		return nil, nil, NewTransientError("persisting state", err).WithResource(entry.kind, rec.FQN)
	}

	c, err := s.newHandlerContext(ctx, id, rec.FQN, PhaseUpdate, rec)
	if err != nil {
		return nil, nil, err
	}
	c.oldProps = oldPropsMap
	c.output = oldLiveOutput

	start := time.Now()
	out := invokeHandler(c, entry.handler, id, props)
	s.Metrics().RecordApply(entry.kind, string(PhaseUpdate), time.Since(start))

	switch out.kind {
	case outcomeContinue:
		rec.OldProps = nil
		return s.persistResult(ctx, c, rec, state.StatusUpdated, out.output, "updated")
	case outcomeReplace:
		return s.applyReplace(ctx, entry, rec, id, props, encProps,
			oldPropsMap, oldLiveOutput, out.force)
	case outcomeDestroyed:
		s.markFailed()
		return nil, nil, NewPermanentError("destroy signaled outside delete phase", nil).
			WithResource(entry.kind, rec.FQN).WithOperation("update")
	default:
		s.markFailed()
		return nil, nil, wrapHandlerError(out.err, entry.kind, rec.FQN, "update")
	}
}

// applyReplace implements the two replacement orderings. With force the
// old instance is destroyed first and the handler re-runs as a create
// of the same identifier, trading a window of unavailability for the
// guarantee of no orphaned infrastructure. Without force the new
// instance is created immediately and the old one is queued for
// deletion at finalization, so it stays reachable while the rest of
// the run converges.
func (s *Scope) applyReplace(ctx context.Context, entry *kindEntry, rec *state.Record,
	id string, props map[string]any, encProps map[string]any,
	oldProps map[string]any, oldOutput any, force bool) (*Resource, any, error) {

	s.transition(entry.kind, rec.FQN, "replaced")
	s.Logger().WithResource(entry.kind, rec.FQN).
		WithField("force", force).Debug("replacing instance")

	if force {
		oldRec := &state.Record{
			Kind:   rec.Kind,
			ID:     rec.ID,
			FQN:    rec.FQN,
			Seq:    rec.Seq,
			Status: state.StatusDeleting,
			Props:  rec.OldProps,
			Data:   rec.Data,
			Output: rec.Output,
		}
		if err := s.destroyRecord(ctx, oldRec, false); err != nil {
			s.markFailed()
			return nil, nil, NewPermanentError("destroying replaced instance", err).
				WithResource(entry.kind, rec.FQN).WithOperation("replace")
		}
		return s.applyCreate(ctx, entry, id, rec.FQN, props, encProps, true, nil)
	}

	oldData, err := s.deserializeTree(rec.Data)
	if err != nil {
		return nil, nil, NewPermanentError("decrypting scratch data", err).
			WithResource(entry.kind, rec.FQN)
	}
	oldDataMap, _ := oldData.(map[string]any)
	s.enqueuePending(PendingDeletion{
		Kind:     rec.Kind,
		ID:       rec.ID,
		FQN:      rec.FQN,
		Output:   oldOutput,
		OldProps: oldProps,
		Data:     oldDataMap,
	})

	// The record now carries the replacement instance: fresh Seq, no
	// inherited output or scratch data from the instance being retired.
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, nil, NewTransientError("allocating sequence number", err).
			WithResource(entry.kind, rec.FQN)
	}
	rec.Seq = seq
	rec.OldProps = nil
	rec.Output = nil
	rec.Data = nil
	return s.applyCreate(ctx, entry, id, rec.FQN, props, encProps, true, rec)
}

// persistResult encrypts the handler output and scratch data, settles
// the record, and emits the terminal transition.
func (s *Scope) persistResult(ctx context.Context, c *Context, rec *state.Record,
	status state.Status, output any, action string) (*Resource, any, error) {

	child, err := s.Child(rec.ID)
	if err != nil {
		return nil, nil, err
	}
	encOutput, err := serde.Serialize(output, serde.Options{
		Password: s.root().opts.Password,
		Scope:    child,
		Observe:  s.Metrics().RecordSecretOp,
	})
	if err != nil {
		s.markFailed()
		return nil, nil, NewPermanentError("encrypting output", err).
			WithResource(rec.Kind, rec.FQN)
	}

	encData, err := s.serializeTree(c.data)
	if err != nil {
		s.markFailed()
		return nil, nil, NewPermanentError("encrypting scratch data", err).
			WithResource(rec.Kind, rec.FQN)
	}
	dataMap, _ := encData.(map[string]any)

	rec.Status = status
	rec.Output = encOutput
	rec.Data = dataMap
	if err := s.Store().Set(ctx, rec.FQN, rec); err != nil {
		s.markFailed()
		return nil, nil, NewTransientError("persisting state", err).
			WithResource(rec.Kind, rec.FQN)
	}

	s.transition(rec.Kind, rec.FQN, action)
	res := s.newResource(rec)
	res.Output = output
	s.trackResource(res)
	return res, output, nil
}

func (s *Scope) trackResource(res *Resource) {
	s.mu.Lock()
	s.resources = append(s.resources, res)
	s.mu.Unlock()
}

// newHandlerContext prepares the per-invocation context with a nested
// scope named after the resource and the record's scratch data loaded,
// so resources the handler declares become children of this one and
// provider-private state survives across runs.
func (s *Scope) newHandlerContext(ctx context.Context, id, fqn string, phase Phase, rec *state.Record) (*Context, error) {
	child, err := s.Child(id)
	if err != nil {
		return nil, err
	}
	c := &Context{ctx: ctx, scope: child, phase: phase, fqn: fqn}
	if len(rec.Data) > 0 {
		live, err := s.deserializeTree(rec.Data)
		if err != nil {
			return nil, NewPermanentError("decrypting scratch data", err).
				WithResource(rec.Kind, rec.FQN)
		}
		c.data, _ = live.(map[string]any)
	}
	return c, nil
}

// wrapHandlerError preserves an already classified engine error and
// classifies anything else as a provider failure.
func wrapHandlerError(err error, kind, fqn, op string) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.WithResource(kind, fqn).WithOperation(op)
	}
	return NewPermanentError("provider handler failed", err).
		WithResource(kind, fqn).WithOperation(op).WithCode(ErrCodeProviderFailed)
}

// applyRead resolves a declaration in read phase: poll state written by
// a concurrent writer until a settled record matches the declared
// properties, then return its output without running any handler.
func (s *Scope) applyRead(ctx context.Context, kind, id, fqn string, props map[string]any) (*Resource, any, error) {
	newCanon, err := s.canonical(props)
	if err != nil {
		return nil, nil, NewPermanentError("serializing properties", err).
			WithResource(kind, fqn).WithCode(ErrCodeValidation)
	}

	logged := false
	for {
		rec, err := s.Store().Get(ctx, fqn)
		if err != nil {
			return nil, nil, NewTransientError("reading state", err).WithResource(kind, fqn)
		}
		if rec != nil {
			if rec.Kind != kind {
				return nil, nil, NewConflictError(
					fmt.Sprintf("identifier %s holds a %s, cannot read as %s", fqn, rec.Kind, kind), nil).
					WithResource(kind, fqn).WithCode(ErrCodeKindMismatch)
			}
			if rec.Status == state.StatusDeleting {
				return nil, nil, NewPermanentError(
					"resource is being deleted by the writer, reader cannot proceed", nil).
					WithResource(kind, fqn).WithCode(ErrCodeReaderBlocked)
			}
			if rec.Status.Stable() {
				same, err := s.sameProps(rec, newCanon)
				if err != nil {
					return nil, nil, err
				}
				if same {
					child, err := s.Child(id)
					if err != nil {
						return nil, nil, err
					}
					output, err := serde.Deserialize(rec.Output, serde.Options{
						Password: s.root().opts.Password,
						Scope:    child,
						Observe:  s.Metrics().RecordSecretOp,
					})
					if err != nil {
						return nil, nil, NewPermanentError("decrypting stored output", err).
							WithResource(kind, fqn)
					}
					res := s.newResource(rec)
					res.Output = output
					s.trackResource(res)
					return res, output, nil
				}
			}
		}

		if !logged {
			s.Logger().WithResource(kind, fqn).Debug("waiting for writer")
			logged = true
		}
		wait := readPollInterval + time.Duration(rand.Int63n(int64(readPollJitter)))
		select {
		case <-ctx.Done():
			return nil, nil, NewTransientError("waiting for writer", ctx.Err()).
				WithResource(kind, fqn).WithCode(ErrCodeTimeout)
		case <-time.After(wait):
		}
	}
}
