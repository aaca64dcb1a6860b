package schedule

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("schedule: entry not found")

// Entry is one persisted one-shot job.
type Entry struct {
	Key       string    `json:"key"`
	FireAt    time.Time `json:"fireAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists entries so armed jobs survive a restart.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, key string) (*Entry, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Entry, error)
	Due(ctx context.Context, before time.Time, limit int) ([]Entry, error)
}

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *MemoryStore) Due(ctx context.Context, before time.Time, limit int) ([]Entry, error) {
	all, _ := s.List(ctx)
	var out []Entry
	for _, e := range all {
		if e.FireAt.After(before) {
			break
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PostgresStore persists entries in the release_schedule table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO release_schedule (key, fire_at, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE
		SET fire_at = EXCLUDED.fire_at, attempts = EXCLUDED.attempts,
		    last_error = EXCLUDED.last_error, updated_at = NOW()
	`, e.Key, e.FireAt, e.Attempts, e.LastError)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT key, fire_at, attempts, last_error, updated_at FROM release_schedule WHERE key = $1
	`, key).Scan(&e.Key, &e.FireAt, &e.Attempts, &e.LastError, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM release_schedule WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `
		SELECT key, fire_at, attempts, last_error, updated_at FROM release_schedule ORDER BY fire_at ASC
	`)
}

func (s *PostgresStore) Due(ctx context.Context, before time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT key, fire_at, attempts, last_error, updated_at FROM release_schedule
		WHERE fire_at <= $1 ORDER BY fire_at ASC LIMIT $2
	`, before, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.FireAt, &e.Attempts, &e.LastError, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
