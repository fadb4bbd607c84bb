// Package tenant reads the organization directory owned by the identity side
// of the platform. Governance never writes to it.
package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Directory interface {
	List(ctx context.Context) ([]Organization, error)
}

type postgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) Directory {
	return &postgresDirectory{pool: pool}
}

func (d *postgresDirectory) List(ctx context.Context) ([]Organization, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, name, created_at FROM organizations ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning organization: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// MemoryDirectory is a fixed directory for development and tests.
type MemoryDirectory struct {
	mu   sync.RWMutex
	orgs map[uuid.UUID]Organization
}

func NewMemoryDirectory(orgs ...Organization) *MemoryDirectory {
	d := &MemoryDirectory{orgs: make(map[uuid.UUID]Organization)}
	for _, o := range orgs {
		d.Add(o)
	}
	return d
}

func (d *MemoryDirectory) Add(o Organization) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orgs[o.ID] = o
}

func (d *MemoryDirectory) List(_ context.Context) ([]Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Organization, 0, len(d.orgs))
	for _, o := range d.orgs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
