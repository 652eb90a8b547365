package state

import (
	"context"
	"time"
)

// Measured wraps a store so every operation is reported to record with
// the backend label and its duration. The wrapped store keeps the
// Store contract unchanged.
func Measured(s Store, backend string, record func(backend, op string, d time.Duration)) Store {
	if record == nil {
		return s
	}
	return &measuredStore{inner: s, backend: backend, record: record}
}

// BackendName returns the label for a store's backing implementation.
func BackendName(s Store) string {
	switch s.(type) {
	case *MemoryStore:
		return "memory"
	case *FileStore:
		return "file"
	case *SQLiteStore:
		return "sqlite"
	case *measuredStore:
		return s.(*measuredStore).backend
	default:
		return "custom"
	}
}

type measuredStore struct {
	inner   Store
	backend string
	record  func(backend, op string, d time.Duration)
}

func (m *measuredStore) observe(op string, start time.Time) {
	m.record(m.backend, op, time.Since(start))
}

func (m *measuredStore) Get(ctx context.Context, fqn string) (*Record, error) {
	defer m.observe("get", time.Now())
	return m.inner.Get(ctx, fqn)
}

func (m *measuredStore) Set(ctx context.Context, fqn string, record *Record) error {
	defer m.observe("set", time.Now())
	return m.inner.Set(ctx, fqn, record)
}

func (m *measuredStore) Delete(ctx context.Context, fqn string) error {
	defer m.observe("delete", time.Now())
	return m.inner.Delete(ctx, fqn)
}

func (m *measuredStore) List(ctx context.Context) ([]string, error) {
	defer m.observe("list", time.Now())
	return m.inner.List(ctx)
}

func (m *measuredStore) Count(ctx context.Context) (int, error) {
	defer m.observe("count", time.Now())
	return m.inner.Count(ctx)
}

func (m *measuredStore) All(ctx context.Context) (map[string]*Record, error) {
	defer m.observe("all", time.Now())
	return m.inner.All(ctx)
}

func (m *measuredStore) Close() error {
	return m.inner.Close()
}
