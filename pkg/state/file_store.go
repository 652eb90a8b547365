package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists one JSON document per resource under
// <root>/<app>/<stage>/. Nested scope identifiers map to nested
// directories. Writes are atomic (temp file + rename) so a concurrent
// reader process never observes a torn record.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir, creating it if
// needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(fqn string) string {
	return filepath.Join(s.dir, filepath.FromSlash(fqn)+".json")
}

// Get retrieves a record, or (nil, nil) when absent.
func (s *FileStore) Get(_ context.Context, fqn string) (*Record, error) {
	raw, err := os.ReadFile(s.path(fqn))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: failed to read record %s: %w", fqn, err)
	}

	rec := &Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("state: corrupt record %s: %w", fqn, err)
	}
	return rec, nil
}

// Set writes a record atomically.
func (s *FileStore) Set(_ context.Context, fqn string, record *Record) error {
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("state: failed to encode record %s: %w", fqn, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(fqn)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state: failed to create record directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*")
	if err != nil {
		return fmt.Errorf("state: failed to create temp record: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("state: failed to write record %s: %w", fqn, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("state: failed to close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("state: failed to persist record %s: %w", fqn, err)
	}
	return nil
}

// Delete removes a record. Absent identifiers are a no-op.
func (s *FileStore) Delete(_ context.Context, fqn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(fqn))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state: failed to delete record %s: %w", fqn, err)
	}
	return nil
}

// List returns every identifier in lexical order.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	var fqns []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		fqns = append(fqns, strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: failed to list records: %w", err)
	}
	sort.Strings(fqns)
	return fqns, nil
}

// Count returns the number of records.
func (s *FileStore) Count(ctx context.Context) (int, error) {
	fqns, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(fqns), nil
}

// All returns every record keyed by identifier.
func (s *FileStore) All(ctx context.Context) (map[string]*Record, error) {
	fqns, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Record, len(fqns))
	for _, fqn := range fqns {
		rec, err := s.Get(ctx, fqn)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out[fqn] = rec
		}
	}
	return out, nil
}

// Close releases nothing; records live on disk.
func (s *FileStore) Close() error {
	return nil
}
