package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a SQLite database. Records for every
// stage share one database file; a store instance is bound to a single
// stage.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	stage string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	Stage           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a SQLite store bound to one stage.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("state: database path is required")
	}
	if cfg.Stage == "" {
		return nil, fmt.Errorf("state: stage is required")
	}

	return &SQLiteStore{
		path:  cfg.Path,
		stage: cfg.Stage,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("state: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("state: failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("state: database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("state: failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("state: failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("state: failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("state: failed to run migrations: %w", err)
	}

	return nil
}

// Get retrieves a record, or (nil, nil) when absent.
func (s *SQLiteStore) Get(ctx context.Context, fqn string) (*Record, error) {
	query := `SELECT record FROM resource_state WHERE stage = ? AND fqn = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, query, s.stage, fqn).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: failed to get record %s: %w", fqn, err)
	}

	rec := &Record{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("state: corrupt record %s: %w", fqn, err)
	}
	return rec, nil
}

// Set upserts a record.
func (s *SQLiteStore) Set(ctx context.Context, fqn string, record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("state: failed to encode record %s: %w", fqn, err)
	}

	query := `
		INSERT INTO resource_state (stage, fqn, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stage, fqn) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, s.stage, fqn, string(raw), now, now); err != nil {
		return fmt.Errorf("state: failed to set record %s: %w", fqn, err)
	}
	return nil
}

// Delete removes a record. Absent identifiers are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, fqn string) error {
	query := `DELETE FROM resource_state WHERE stage = ? AND fqn = ?`
	if _, err := s.db.ExecContext(ctx, query, s.stage, fqn); err != nil {
		return fmt.Errorf("state: failed to delete record %s: %w", fqn, err)
	}
	return nil
}

// List returns every identifier in the stage in lexical order.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	query := `SELECT fqn FROM resource_state WHERE stage = ? ORDER BY fqn`

	rows, err := s.db.QueryContext(ctx, query, s.stage)
	if err != nil {
		return nil, fmt.Errorf("state: failed to list records: %w", err)
	}
	defer rows.Close()

	fqns := []string{}
	for rows.Next() {
		var fqn string
		if err := rows.Scan(&fqn); err != nil {
			return nil, fmt.Errorf("state: failed to scan record id: %w", err)
		}
		fqns = append(fqns, fqn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: failed to list records: %w", err)
	}
	return fqns, nil
}

// Count returns the number of records in the stage.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM resource_state WHERE stage = ?`

	var count int
	if err := s.db.QueryRowContext(ctx, query, s.stage).Scan(&count); err != nil {
		return 0, fmt.Errorf("state: failed to count records: %w", err)
	}
	return count, nil
}

// All returns every record in the stage keyed by identifier.
func (s *SQLiteStore) All(ctx context.Context) (map[string]*Record, error) {
	query := `SELECT fqn, record FROM resource_state WHERE stage = ?`

	rows, err := s.db.QueryContext(ctx, query, s.stage)
	if err != nil {
		return nil, fmt.Errorf("state: failed to load records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Record)
	for rows.Next() {
		var fqn, raw string
		if err := rows.Scan(&fqn, &raw); err != nil {
			return nil, fmt.Errorf("state: failed to scan record: %w", err)
		}
		rec := &Record{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, fmt.Errorf("state: corrupt record %s: %w", fqn, err)
		}
		out[fqn] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: failed to load records: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
