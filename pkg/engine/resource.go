package engine

import (
	"fmt"
	"strings"
)

// Resource is the identity of one declared, independently reconciled
// unit of infrastructure. The identity tuple (kind, id) is unique
// within the owning scope; FQN is the scope path joined with the id and
// is unique within the stage. Seq is assigned once at creation,
// monotonically increasing per scope and never reused.
type Resource struct {
	Kind string
	ID   string
	FQN  string
	Seq  int64

	// Output is the last-applied result as a dynamic property tree.
	Output any

	scope *Scope
}

// Scope returns the scope that owns this resource.
func (r *Resource) Scope() *Scope {
	return r.scope
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.FQN)
}

// fqnSeparator joins scope path segments and resource ids. Identifiers
// therefore must not contain it.
const fqnSeparator = "/"

// validateID rejects empty identifiers and identifiers containing
// namespace separator characters.
func validateID(id string) error {
	if id == "" {
		return NewPermanentError("resource id must not be empty", nil).
			WithCode(ErrCodeInvalidID)
	}
	if strings.ContainsAny(id, fqnSeparator+":") {
		return NewPermanentError(
			fmt.Sprintf("resource id %q must not contain %q or %q", id, fqnSeparator, ":"), nil).
			WithCode(ErrCodeInvalidID)
	}
	return nil
}
