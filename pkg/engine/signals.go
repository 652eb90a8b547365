package engine

import "errors"

// ReplacedSignal is the control-flow value a handler raises (through
// Context.Replace) to request delete-and-recreate instead of an
// in-place update. It is not a failure: the apply engine consumes it
// and it never propagates to callers of Apply.
type ReplacedSignal struct {
	// Force requests delete-before-create ordering. The default is to
	// defer deletion of the old instance until every create in the run
	// has succeeded.
	Force bool
}

func (s *ReplacedSignal) Error() string {
	if s.Force {
		return "resource requested forced replacement"
	}
	return "resource requested replacement"
}

// DestroyedSignal is the control-flow value a delete handler raises
// (through Context.Destroy) to terminate. It is consumed by the destroy
// engine and never propagates further.
type DestroyedSignal struct {
	// RetainChildren preserves descendant state records without
	// deleting their backing infrastructure, for orphan-adoption
	// hand-off.
	RetainChildren bool
}

func (s *DestroyedSignal) Error() string {
	return "resource destroyed"
}

// outcomeKind tags the result of one handler invocation.
type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeReplace
	outcomeDestroyed
	outcomeError
)

// outcome is the tagged result of invoking a provider handler. The
// wrapper classifies control signals here so no ordinary error path in
// the engine can accidentally swallow one.
type outcome struct {
	kind           outcomeKind
	output         any
	force          bool
	retainChildren bool
	err            error
}

// invokeHandler runs a handler and classifies its result. Control
// signals arrive either as recovered non-local exits from
// Context.Replace and Context.Destroy or as wrapped errors; everything
// else that escapes the handler is a real failure.
func invokeHandler(c *Context, handler HandlerFunc, id string, props map[string]any) (result outcome) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case *ReplacedSignal:
			result = outcome{kind: outcomeReplace, force: sig.Force}
		case *DestroyedSignal:
			result = outcome{kind: outcomeDestroyed, retainChildren: sig.RetainChildren}
		default:
			panic(r)
		}
	}()

	out, err := handler(c, id, props)
	if err == nil {
		return outcome{kind: outcomeContinue, output: out}
	}

	var replaced *ReplacedSignal
	if errors.As(err, &replaced) {
		return outcome{kind: outcomeReplace, force: replaced.Force}
	}
	var destroyed *DestroyedSignal
	if errors.As(err, &destroyed) {
		return outcome{kind: outcomeDestroyed, retainChildren: destroyed.RetainChildren}
	}
	return outcome{kind: outcomeError, err: err}
}
