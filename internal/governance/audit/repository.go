package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists audit logs.
type Store interface {
	Insert(ctx context.Context, log *Log) error
	List(ctx context.Context, params ListParams) ([]Log, int64, error)
}

type postgresStore struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

// Insert persists a single audit log entry.
func (r *postgresStore) Insert(ctx context.Context, log *Log) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO governance_audit_logs (id, organization_id, actor_id, event_type, severity, resource_type, resource_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		log.ID, log.OrganizationID, log.ActorID, log.EventType, log.Severity,
		log.ResourceType, log.ResourceID, log.Details, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

func (r *postgresStore) List(ctx context.Context, params ListParams) ([]Log, int64, error) {
	params.normalize()

	var conditions []string
	var args []any
	argIdx := 1

	if params.OrganizationID != nil {
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", argIdx))
		args = append(args, *params.OrganizationID)
		argIdx++
	}

	if params.EventType != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, params.EventType)
		argIdx++
	}

	if params.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argIdx))
		args = append(args, params.Severity)
		argIdx++
	}

	if params.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *params.From)
		argIdx++
	}

	if params.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *params.To)
		argIdx++
	}

	where := "TRUE"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	var totalCount int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM governance_audit_logs WHERE "+where, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting audit logs: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(
		`SELECT id, organization_id, actor_id, event_type, severity, resource_type, resource_id, details, created_at
		 FROM governance_audit_logs WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.ActorID, &l.EventType, &l.Severity,
			&l.ResourceType, &l.ResourceID, &l.Details, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, totalCount, rows.Err()
}

// MemoryStore keeps audit logs in process.
type MemoryStore struct {
	mu   sync.RWMutex
	logs []Log
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, log *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs {
		if l.ID == log.ID {
			return nil
		}
	}
	m.logs = append(m.logs, *log)
	return nil
}

func (m *MemoryStore) List(_ context.Context, params ListParams) ([]Log, int64, error) {
	params.normalize()
	m.mu.RLock()
	var matched []Log
	for _, l := range m.logs {
		switch {
		case params.OrganizationID != nil && (l.OrganizationID == nil || *l.OrganizationID != *params.OrganizationID):
		case params.EventType != "" && l.EventType != params.EventType:
		case params.Severity != "" && l.Severity != params.Severity:
		case params.From != nil && l.CreatedAt.Before(*params.From):
		case params.To != nil && !l.CreatedAt.Before(*params.To):
		default:
			matched = append(matched, l)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	offset := (params.Page - 1) * params.PageSize
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > params.PageSize {
		matched = matched[:params.PageSize]
	}
	return matched, total, nil
}
