package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aiox-platform/aigov/internal/governance/errs"
)

// Store persists templates, organization quotas and user overrides.
// Lookups of missing rows return nil, nil.
type Store interface {
	ListTemplates(ctx context.Context, includeInactive bool) ([]Template, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)
	GetTemplateByTier(ctx context.Context, tier string) (*Template, error)
	CreateTemplate(ctx context.Context, t *Template) error
	UpdateTemplate(ctx context.Context, t *Template) error
	SoftDeleteTemplate(ctx context.Context, id uuid.UUID, at time.Time) error

	GetOrganizationQuota(ctx context.Context, orgID uuid.UUID) (*OrganizationQuota, error)
	ListOrganizationQuotas(ctx context.Context) ([]OrganizationQuota, error)
	UpsertOrganizationQuota(ctx context.Context, q *OrganizationQuota) error

	GetUserOverride(ctx context.Context, orgID, userID uuid.UUID) (*UserOverride, error)
	UpsertUserOverride(ctx context.Context, o *UserOverride) error
	DeleteUserOverride(ctx context.Context, orgID, userID uuid.UUID) error
}

type postgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

const templateColumns = `id, tier_name, max_tokens, max_requests, max_decisions, max_cost,
	allow_overage, overage_rate, alert_threshold, display_order, is_active, created_at, updated_at, deleted_at`

func scanTemplate(row pgx.Row) (*Template, error) {
	t := &Template{}
	err := row.Scan(&t.ID, &t.TierName, &t.MaxTokens, &t.MaxRequests, &t.MaxDecisions, &t.MaxCost,
		&t.AllowOverage, &t.OverageRate, &t.AlertThreshold, &t.DisplayOrder, &t.IsActive,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *postgresStore) ListTemplates(ctx context.Context, includeInactive bool) ([]Template, error) {
	query := `SELECT ` + templateColumns + `
		FROM quota_templates
		WHERE deleted_at IS NULL AND (is_active OR $1)
		ORDER BY display_order ASC, tier_name ASC`

	rows, err := r.pool.Query(ctx, query, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("listing quota templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning quota template: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *postgresStore) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM quota_templates WHERE id = $1 AND deleted_at IS NULL`
	t, err := scanTemplate(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying quota template: %w", err)
	}
	return t, nil
}

func (r *postgresStore) GetTemplateByTier(ctx context.Context, tier string) (*Template, error) {
	query := `SELECT ` + templateColumns + `
		FROM quota_templates
		WHERE tier_name = $1 AND is_active AND deleted_at IS NULL`
	t, err := scanTemplate(r.pool.QueryRow(ctx, query, tier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying quota template by tier: %w", err)
	}
	return t, nil
}

func (r *postgresStore) CreateTemplate(ctx context.Context, t *Template) error {
	query := `
		INSERT INTO quota_templates (id, tier_name, max_tokens, max_requests, max_decisions, max_cost,
			allow_overage, overage_rate, alert_threshold, display_order, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.pool.Exec(ctx, query,
		t.ID, t.TierName, t.MaxTokens, t.MaxRequests, t.MaxDecisions, t.MaxCost,
		t.AllowOverage, t.OverageRate, t.AlertThreshold, t.DisplayOrder, t.IsActive,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return translateWriteErr("inserting quota template", err)
	}
	return nil
}

func (r *postgresStore) UpdateTemplate(ctx context.Context, t *Template) error {
	query := `
		UPDATE quota_templates
		SET tier_name = $2, max_tokens = $3, max_requests = $4, max_decisions = $5, max_cost = $6,
			allow_overage = $7, overage_rate = $8, alert_threshold = $9, display_order = $10,
			is_active = $11, updated_at = $12
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := r.pool.Exec(ctx, query,
		t.ID, t.TierName, t.MaxTokens, t.MaxRequests, t.MaxDecisions, t.MaxCost,
		t.AllowOverage, t.OverageRate, t.AlertThreshold, t.DisplayOrder, t.IsActive, t.UpdatedAt)
	if err != nil {
		return translateWriteErr("updating quota template", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("quota template %s", t.ID)
	}
	return nil
}

func (r *postgresStore) SoftDeleteTemplate(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quota_templates SET deleted_at = $2, is_active = FALSE, updated_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("deleting quota template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("quota template %s", id)
	}
	return nil
}

const orgQuotaColumns = `organization_id, tier, monthly_token_limit, monthly_request_limit,
	monthly_decision_limit, monthly_cost_limit, reset_day_of_month, is_ai_enabled, created_at, updated_at`

func scanOrganizationQuota(row pgx.Row) (*OrganizationQuota, error) {
	q := &OrganizationQuota{}
	var cost decimal.NullDecimal
	err := row.Scan(&q.OrganizationID, &q.Tier, &q.MonthlyTokenLimit, &q.MonthlyRequestLimit,
		&q.MonthlyDecisionLimit, &cost, &q.ResetDayOfMonth, &q.IsAIEnabled, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cost.Valid {
		q.MonthlyCostLimit = &cost.Decimal
	}
	return q, nil
}

func (r *postgresStore) GetOrganizationQuota(ctx context.Context, orgID uuid.UUID) (*OrganizationQuota, error) {
	query := `SELECT ` + orgQuotaColumns + ` FROM organization_quotas WHERE organization_id = $1`
	q, err := scanOrganizationQuota(r.pool.QueryRow(ctx, query, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying organization quota: %w", err)
	}
	return q, nil
}

func (r *postgresStore) ListOrganizationQuotas(ctx context.Context) ([]OrganizationQuota, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orgQuotaColumns+` FROM organization_quotas ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("listing organization quotas: %w", err)
	}
	defer rows.Close()

	var out []OrganizationQuota
	for rows.Next() {
		q, err := scanOrganizationQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning organization quota: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (r *postgresStore) UpsertOrganizationQuota(ctx context.Context, q *OrganizationQuota) error {
	var cost decimal.NullDecimal
	if q.MonthlyCostLimit != nil {
		cost = decimal.NewNullDecimal(*q.MonthlyCostLimit)
	}
	query := `
		INSERT INTO organization_quotas (organization_id, tier, monthly_token_limit, monthly_request_limit,
			monthly_decision_limit, monthly_cost_limit, reset_day_of_month, is_ai_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (organization_id) DO UPDATE
		SET tier = EXCLUDED.tier,
			monthly_token_limit = EXCLUDED.monthly_token_limit,
			monthly_request_limit = EXCLUDED.monthly_request_limit,
			monthly_decision_limit = EXCLUDED.monthly_decision_limit,
			monthly_cost_limit = EXCLUDED.monthly_cost_limit,
			reset_day_of_month = EXCLUDED.reset_day_of_month,
			is_ai_enabled = EXCLUDED.is_ai_enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		q.OrganizationID, q.Tier, q.MonthlyTokenLimit, q.MonthlyRequestLimit,
		q.MonthlyDecisionLimit, cost, q.ResetDayOfMonth, q.IsAIEnabled, q.UpdatedAt,
	).Scan(&q.CreatedAt)
	if err != nil {
		return translateWriteErr("upserting organization quota", err)
	}
	return nil
}

const overrideColumns = `user_id, organization_id, token_limit, request_limit, decision_limit,
	is_ai_enabled, reason, updated_by, created_at, updated_at`

func (r *postgresStore) GetUserOverride(ctx context.Context, orgID, userID uuid.UUID) (*UserOverride, error) {
	query := `SELECT ` + overrideColumns + `
		FROM user_quota_overrides
		WHERE organization_id = $1 AND user_id = $2`

	o := &UserOverride{}
	err := r.pool.QueryRow(ctx, query, orgID, userID).Scan(
		&o.UserID, &o.OrganizationID, &o.TokenLimit, &o.RequestLimit, &o.DecisionLimit,
		&o.IsAIEnabled, &o.Reason, &o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user override: %w", err)
	}
	return o, nil
}

func (r *postgresStore) UpsertUserOverride(ctx context.Context, o *UserOverride) error {
	query := `
		INSERT INTO user_quota_overrides (user_id, organization_id, token_limit, request_limit, decision_limit,
			is_ai_enabled, reason, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (organization_id, user_id) DO UPDATE
		SET token_limit = EXCLUDED.token_limit,
			request_limit = EXCLUDED.request_limit,
			decision_limit = EXCLUDED.decision_limit,
			is_ai_enabled = EXCLUDED.is_ai_enabled,
			reason = EXCLUDED.reason,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		o.UserID, o.OrganizationID, o.TokenLimit, o.RequestLimit, o.DecisionLimit,
		o.IsAIEnabled, o.Reason, o.UpdatedBy, o.UpdatedAt,
	).Scan(&o.CreatedAt)
	if err != nil {
		return translateWriteErr("upserting user override", err)
	}
	return nil
}

func (r *postgresStore) DeleteUserOverride(ctx context.Context, orgID, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_quota_overrides WHERE organization_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return fmt.Errorf("deleting user override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("no override for user %s", userID)
	}
	return nil
}

// translateWriteErr maps constraint violations onto domain errors.
func translateWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return errs.Conflict("%s: %s", op, pgErr.ConstraintName)
		case pgerrcode.CheckViolation:
			return errs.Validation("%s: %s", op, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
