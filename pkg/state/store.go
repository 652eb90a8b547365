package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// Status is the lifecycle status of a resource's persisted state.
type Status string

const (
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusUpdating Status = "updating"
	StatusUpdated  Status = "updated"
	StatusDeleting Status = "deleting"
	StatusDeleted  Status = "deleted"
)

// Stable reports whether the status represents a settled resource, as
// opposed to one with an operation in flight.
func (s Status) Stable() bool {
	return s == StatusCreated || s == StatusUpdated || s == StatusDeleted
}

// Record is the persisted state of one resource. Props, OldProps,
// Data, and Output hold serialized trees: JSON-safe values with secret
// leaves already encrypted. Records are mutated only by the apply and
// destroy engines; provider handlers return new output values instead.
type Record struct {
	Kind     string         `json:"kind"`
	ID       string         `json:"id"`
	FQN      string         `json:"fqn"`
	Seq      int64          `json:"seq"`
	Status   Status         `json:"status"`
	Data     map[string]any `json:"data,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	OldProps map[string]any `json:"oldProps,omitempty"`
	Output   any            `json:"output,omitempty"`
}

// Clone returns a deep copy of the record via a JSON round trip.
func (r *Record) Clone() (*Record, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("state: failed to clone record: %w", err)
	}
	out := &Record{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("state: failed to clone record: %w", err)
	}
	return out, nil
}

// Store persists one Record per resource identifier within a stage.
// Get returns (nil, nil) when no record exists for the identifier.
type Store interface {
	Get(ctx context.Context, fqn string) (*Record, error)
	Set(ctx context.Context, fqn string, record *Record) error
	Delete(ctx context.Context, fqn string) error
	List(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	All(ctx context.Context) (map[string]*Record, error)
	Close() error
}
