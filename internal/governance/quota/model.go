package quota

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Template is a named tier of default limits. Templates are soft-deleted only
// so quotas that referenced them stay auditable.
type Template struct {
	ID             uuid.UUID       `json:"id"`
	TierName       string          `json:"tier_name"`
	MaxTokens      int64           `json:"max_tokens"`
	MaxRequests    int64           `json:"max_requests"`
	MaxDecisions   int64           `json:"max_decisions"`
	MaxCost        decimal.Decimal `json:"max_cost"`
	AllowOverage   bool            `json:"allow_overage"`
	OverageRate    decimal.Decimal `json:"overage_rate"`
	AlertThreshold int             `json:"alert_threshold"`
	DisplayOrder   int             `json:"display_order"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// OrganizationQuota is the per-tenant row. Nil limits inherit from the tier.
type OrganizationQuota struct {
	OrganizationID       uuid.UUID        `json:"organization_id"`
	Tier                 string           `json:"tier"`
	MonthlyTokenLimit    *int64           `json:"monthly_token_limit,omitempty"`
	MonthlyRequestLimit  *int64           `json:"monthly_request_limit,omitempty"`
	MonthlyDecisionLimit *int64           `json:"monthly_decision_limit,omitempty"`
	MonthlyCostLimit     *decimal.Decimal `json:"monthly_cost_limit,omitempty"`
	ResetDayOfMonth      int              `json:"reset_day_of_month"`
	IsAIEnabled          bool             `json:"is_ai_enabled"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// UserOverride narrows or widens limits for one user inside one organization.
// A nil field inherits; IsAIEnabled=false is a hard deny.
type UserOverride struct {
	UserID         uuid.UUID `json:"user_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	TokenLimit     *int64    `json:"token_limit,omitempty"`
	RequestLimit   *int64    `json:"request_limit,omitempty"`
	DecisionLimit  *int64    `json:"decision_limit,omitempty"`
	IsAIEnabled    *bool     `json:"is_ai_enabled,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	UpdatedBy      uuid.UUID `json:"updated_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EffectiveQuota is the fully resolved quota for an organization or one of its users.
// A zero limit means the dimension is unlimited.
type EffectiveQuota struct {
	OrganizationID  uuid.UUID       `json:"organization_id"`
	UserID          uuid.UUID       `json:"user_id,omitempty"`
	Tier            string          `json:"tier"`
	TokenLimit      int64           `json:"token_limit"`
	RequestLimit    int64           `json:"request_limit"`
	DecisionLimit   int64           `json:"decision_limit"`
	CostLimit       decimal.Decimal `json:"cost_limit"`
	AIEnabled       bool            `json:"ai_enabled"`
	HasOverride     bool            `json:"has_override"`
	AllowOverage    bool            `json:"allow_overage"`
	OverageRate     decimal.Decimal `json:"overage_rate"`
	AlertThreshold  int             `json:"alert_threshold"`
	ResetDayOfMonth int             `json:"reset_day_of_month"`
}

// Defaults are the built-in free tier used when no template can be loaded.
type Defaults struct {
	Tier           string
	MaxTokens      int64
	MaxRequests    int64
	MaxDecisions   int64
	MaxCost        decimal.Decimal
	AlertThreshold int
}

// Template renders the defaults as a synthetic template.
func (d Defaults) Template() Template {
	return Template{
		TierName:       d.Tier,
		MaxTokens:      d.MaxTokens,
		MaxRequests:    d.MaxRequests,
		MaxDecisions:   d.MaxDecisions,
		MaxCost:        d.MaxCost,
		AlertThreshold: d.AlertThreshold,
		IsActive:       true,
	}
}

// TemplateRequest creates or replaces a template.
type TemplateRequest struct {
	TierName       string          `json:"tier_name" validate:"required,min=1,max=50"`
	MaxTokens      int64           `json:"max_tokens" validate:"gte=0"`
	MaxRequests    int64           `json:"max_requests" validate:"gte=0"`
	MaxDecisions   int64           `json:"max_decisions" validate:"gte=0"`
	MaxCost        decimal.Decimal `json:"max_cost"`
	AllowOverage   bool            `json:"allow_overage"`
	OverageRate    decimal.Decimal `json:"overage_rate"`
	AlertThreshold int             `json:"alert_threshold" validate:"omitempty,gte=1,lte=100"`
	DisplayOrder   int             `json:"display_order" validate:"gte=0"`
	IsActive       *bool           `json:"is_active"`
}

// OrganizationQuotaRequest upserts an organization quota.
type OrganizationQuotaRequest struct {
	Tier                 string           `json:"tier" validate:"max=50"`
	MonthlyTokenLimit    *int64           `json:"monthly_token_limit" validate:"omitempty,gte=0"`
	MonthlyRequestLimit  *int64           `json:"monthly_request_limit" validate:"omitempty,gte=0"`
	MonthlyDecisionLimit *int64           `json:"monthly_decision_limit" validate:"omitempty,gte=0"`
	MonthlyCostLimit     *decimal.Decimal `json:"monthly_cost_limit"`
	ResetDayOfMonth      int              `json:"reset_day_of_month" validate:"omitempty,gte=1,lte=31"`
	IsAIEnabled          *bool            `json:"is_ai_enabled"`
}

// UserOverrideRequest upserts a user override.
type UserOverrideRequest struct {
	TokenLimit    *int64 `json:"token_limit" validate:"omitempty,gte=0"`
	RequestLimit  *int64 `json:"request_limit" validate:"omitempty,gte=0"`
	DecisionLimit *int64 `json:"decision_limit" validate:"omitempty,gte=0"`
	IsAIEnabled   *bool  `json:"is_ai_enabled"`
	Reason        string `json:"reason" validate:"max=500"`
}
