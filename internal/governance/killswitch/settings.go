package killswitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Setting is one row of system_settings.
type Setting struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	UpdatedBy *uuid.UUID `json:"updated_by,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Settings persists process-wide key/value settings. Get returns nil, nil
// when the key was never written.
type Settings interface {
	Get(ctx context.Context, key string) (*Setting, error)
	Put(ctx context.Context, s *Setting) error
}

type postgresSettings struct {
	pool *pgxpool.Pool
}

func NewPostgresSettings(pool *pgxpool.Pool) Settings {
	return &postgresSettings{pool: pool}
}

func (r *postgresSettings) Get(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{}
	err := r.pool.QueryRow(ctx,
		`SELECT key, value, updated_by, updated_at FROM system_settings WHERE key = $1`, key,
	).Scan(&s.Key, &s.Value, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying setting %s: %w", key, err)
	}
	return s, nil
}

func (r *postgresSettings) Put(ctx context.Context, s *Setting) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO system_settings (key, value, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		s.Key, s.Value, s.UpdatedBy, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", s.Key, err)
	}
	return nil
}

// MemorySettings keeps settings in process.
type MemorySettings struct {
	mu   sync.RWMutex
	rows map[string]Setting
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{rows: make(map[string]Setting)}
}

func (m *MemorySettings) Get(_ context.Context, key string) (*Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemorySettings) Put(_ context.Context, s *Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.Key] = *s
	return nil
}
