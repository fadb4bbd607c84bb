package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aiox-platform/aigov/internal/governance/errs"
)

// Cursor marks a position in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Repository is the ledger persistence contract. Get returns nil, nil for a
// missing record.
type Repository interface {
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]Record, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Totals(ctx context.Context, f Filter) (Totals, error)
	Stats(ctx context.Context, f Filter) (Stats, error)
	GroupBy(ctx context.Context, f Filter, key GroupKey, order GroupOrder, limit int) ([]Group, error)
	ListPending(ctx context.Context, q PendingQuery) ([]Record, error)
	// ListExpired pages pending records past their deadline in (created_at, id)
	// order, starting strictly after the cursor. The zero Cursor starts at the
	// oldest record.
	ListExpired(ctx context.Context, now time.Time, window time.Duration, after Cursor, limit int) ([]Record, error)
	// Transition persists rec if its stored version still equals rec.Version,
	// then bumps rec.Version. A stale version yields errs.ErrConflict.
	Transition(ctx context.Context, rec *Record) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const recordColumns = `id, organization_id, agent_type, decision_type, entity_type, entity_id, entity_name,
	prompt_tokens, completion_tokens, cost, confidence, execution_time_ms, success, error_message,
	status, requires_approval, requested_by, approval_deadline, reviewed_by, reviewed_at, review_notes,
	was_applied, applied_at, actual_outcome, version, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	err := row.Scan(&r.ID, &r.OrganizationID, &r.AgentType, &r.DecisionType, &r.EntityType, &r.EntityID, &r.EntityName,
		&r.PromptTokens, &r.CompletionTokens, &r.Cost, &r.Confidence, &r.ExecutionTimeMs, &r.Success, &r.ErrorMessage,
		&r.Status, &r.RequiresApproval, &r.RequestedBy, &r.ApprovalDeadline, &r.ReviewedBy, &r.ReviewedAt, &r.ReviewNotes,
		&r.WasApplied, &r.AppliedAt, &r.ActualOutcome, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *postgresRepository) Append(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO ai_usage_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.OrganizationID, rec.AgentType, rec.DecisionType, rec.EntityType, rec.EntityID, rec.EntityName,
		rec.PromptTokens, rec.CompletionTokens, rec.Cost, rec.Confidence, rec.ExecutionTimeMs, rec.Success, rec.ErrorMessage,
		rec.Status, rec.RequiresApproval, rec.RequestedBy, rec.ApprovalDeadline, rec.ReviewedBy, rec.ReviewedAt, rec.ReviewNotes,
		rec.WasApplied, rec.AppliedAt, rec.ActualOutcome, rec.Version, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

func (r *postgresRepository) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM ai_usage_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying usage record: %w", err)
	}
	return rec, nil
}

// where renders f as a SQL predicate. Date bounds are half-open so a record at
// exactly To belongs to the next window.
func where(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrganizationID != nil {
		add("organization_id = $%d", *f.OrganizationID)
	}
	if f.RequestedBy != nil {
		add("requested_by = $%d", *f.RequestedBy)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if f.DecisionType != "" {
		add("decision_type = $%d", f.DecisionType)
	}
	if f.AgentType != "" {
		add("agent_type = $%d", f.AgentType)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), args
}

func (r *postgresRepository) List(ctx context.Context, f Filter, limit, offset int) ([]Record, error) {
	cond, args := where(f)
	query := fmt.Sprintf(`SELECT %s FROM ai_usage_records WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, recordColumns, cond, len(args)+1, len(args)+2)
	return r.query(ctx, "listing usage records", query, append(args, limit, offset)...)
}

func (r *postgresRepository) query(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scanning: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (r *postgresRepository) Count(ctx context.Context, f Filter) (int64, error) {
	cond, args := where(f)
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ai_usage_records WHERE `+cond, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting usage records: %w", err)
	}
	return n, nil
}

func (r *postgresRepository) Totals(ctx context.Context, f Filter) (Totals, error) {
	cond, args := where(f)
	query := `
		SELECT COALESCE(SUM(prompt_tokens + completion_tokens), 0)::bigint,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE was_applied),
		       COALESCE(SUM(cost), 0)
		FROM ai_usage_records WHERE ` + cond

	var t Totals
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&t.Tokens, &t.Requests, &t.Decisions, &t.Cost); err != nil {
		return Totals{}, fmt.Errorf("summing usage records: %w", err)
	}
	return t, nil
}

func (r *postgresRepository) Stats(ctx context.Context, f Filter) (Stats, error) {
	cond, args := where(f)
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'approved'),
		       COUNT(*) FILTER (WHERE status = 'rejected'),
		       COUNT(*) FILTER (WHERE status = 'applied'),
		       COALESCE(AVG(confidence), 0),
		       COALESCE(SUM(cost), 0),
		       COALESCE(SUM(prompt_tokens + completion_tokens), 0)::bigint
		FROM ai_usage_records WHERE ` + cond

	var s Stats
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&s.Total, &s.Pending, &s.Approved, &s.Rejected, &s.Applied, &s.AvgConfidence, &s.TotalCost, &s.TotalTokens)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregating decision stats: %w", err)
	}
	s.AvgConfidence = s.AvgConfidence.Round(4)
	return s, nil
}

func (r *postgresRepository) GroupBy(ctx context.Context, f Filter, key GroupKey, order GroupOrder, limit int) ([]Group, error) {
	if key != GroupAgentType && key != GroupDecisionType {
		return nil, errs.Validation("unknown group key %q", key)
	}
	orderCol := "decisions"
	if order == OrderByTokens {
		orderCol = "tokens"
	}
	cond, args := where(f)
	query := fmt.Sprintf(`
		SELECT %[1]s, COUNT(*) AS decisions,
		       COALESCE(SUM(prompt_tokens + completion_tokens), 0)::bigint AS tokens,
		       COALESCE(SUM(cost), 0)
		FROM ai_usage_records WHERE %[2]s
		GROUP BY %[1]s
		ORDER BY %[3]s DESC, %[1]s ASC
		LIMIT $%[4]d`, key, cond, orderCol, len(args)+1)

	rows, err := r.pool.Query(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("grouping usage records by %s: %w", key, err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.Key, &g.Decisions, &g.Tokens, &g.Cost); err != nil {
			return nil, fmt.Errorf("scanning usage group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListPending orders by effective deadline, earliest first, then newest first.
func (r *postgresRepository) ListPending(ctx context.Context, q PendingQuery) ([]Record, error) {
	window := q.Window
	if window <= 0 {
		window = DefaultApprovalWindow
	}
	cond, args := where(Filter{OrganizationID: q.OrganizationID, DecisionType: q.DecisionType, Status: StatusPending})
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM ai_usage_records WHERE %s
		ORDER BY COALESCE(approval_deadline, created_at + make_interval(secs => $%d)) ASC, created_at DESC
		LIMIT $%d OFFSET $%d`, recordColumns, cond, n+1, n+2, n+3)
	return r.query(ctx, "listing pending approvals", query, append(args, window.Seconds(), q.Limit, q.Offset)...)
}

func (r *postgresRepository) ListExpired(ctx context.Context, now time.Time, window time.Duration, after Cursor, limit int) ([]Record, error) {
	if window <= 0 {
		window = DefaultApprovalWindow
	}
	query := `SELECT ` + recordColumns + ` FROM ai_usage_records
		WHERE status = 'pending'
		  AND COALESCE(approval_deadline, created_at + make_interval(secs => $1)) < $2
		  AND (created_at, id) > ($3, $4)
		ORDER BY created_at ASC, id ASC
		LIMIT $5`
	return r.query(ctx, "listing expired approvals", query, window.Seconds(), now, after.CreatedAt, after.ID, limit)
}

func (r *postgresRepository) Transition(ctx context.Context, rec *Record) error {
	query := `
		UPDATE ai_usage_records
		SET status = $3, reviewed_by = $4, reviewed_at = $5, review_notes = $6,
		    was_applied = $7, applied_at = $8, actual_outcome = $9,
		    version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2`

	tag, err := r.pool.Exec(ctx, query,
		rec.ID, rec.Version, rec.Status, rec.ReviewedBy, rec.ReviewedAt, rec.ReviewNotes,
		rec.WasApplied, rec.AppliedAt, rec.ActualOutcome, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating usage record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("decision %s was modified concurrently", rec.ID)
	}
	rec.Version++
	return nil
}
