package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aiox-platform/aigov/internal/governance/ledger"
)

// Quota dimensions.
const (
	DimTokens    = "tokens"
	DimRequests  = "requests"
	DimDecisions = "decisions"
	DimCost      = "cost"
)

// Dimension is usage against one limit. Percentage is the raw ratio and may
// exceed 100; DisplayPercentage is clamped to [0, 100]. A zero limit never
// exceeds.
type Dimension struct {
	Used              int64   `json:"used"`
	Limit             int64   `json:"limit"`
	Percentage        float64 `json:"percentage"`
	DisplayPercentage float64 `json:"display_percentage"`
	Exceeded          bool    `json:"exceeded"`
}

type CostDimension struct {
	Used              decimal.Decimal `json:"used"`
	Limit             decimal.Decimal `json:"limit"`
	Percentage        float64         `json:"percentage"`
	DisplayPercentage float64         `json:"display_percentage"`
	Exceeded          bool            `json:"exceeded"`
}

// Status is a point-in-time quota snapshot. It is derived from the ledger on
// every call and never stored.
type Status struct {
	OrganizationID uuid.UUID     `json:"organization_id"`
	UserID         uuid.UUID     `json:"user_id,omitempty"`
	Tier           string        `json:"tier"`
	Tokens         Dimension     `json:"tokens"`
	Requests       Dimension     `json:"requests"`
	Decisions      Dimension     `json:"decisions"`
	Cost           CostDimension `json:"cost"`
	IsExceeded     bool          `json:"is_exceeded"`
	IsAlert        bool          `json:"is_alert"`
	AlertThreshold int           `json:"alert_threshold"`
	// Utilization is the highest display percentage across dimensions.
	Utilization   float64         `json:"utilization"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
	DaysRemaining int             `json:"days_remaining"`
	AIEnabled     bool            `json:"ai_enabled"`
	HasOverride   bool            `json:"has_override"`
	AllowOverage  bool            `json:"allow_overage"`
	OverageTokens int64           `json:"overage_tokens"`
	OverageCharge decimal.Decimal `json:"overage_charge"`
}

// ExceededDimension returns the first exceeded dimension with its usage and limit.
func (s *Status) ExceededDimension() (name, used, limit string, ok bool) {
	for _, d := range []struct {
		name string
		dim  Dimension
	}{{DimTokens, s.Tokens}, {DimRequests, s.Requests}, {DimDecisions, s.Decisions}} {
		if d.dim.Exceeded {
			return d.name, fmt.Sprint(d.dim.Used), fmt.Sprint(d.dim.Limit), true
		}
	}
	if s.Cost.Exceeded {
		return DimCost, s.Cost.Used.String(), s.Cost.Limit.String(), true
	}
	return "", "", "", false
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func clampDisplay(p float64) float64 {
	return math.Max(0, math.Min(100, p))
}

func dimension(used, limit int64) Dimension {
	if limit < 0 {
		limit = 0
	}
	d := Dimension{Used: used, Limit: limit}
	if limit == 0 {
		return d
	}
	d.Percentage = round2(float64(used*100) / float64(limit))
	d.DisplayPercentage = clampDisplay(d.Percentage)
	d.Exceeded = used >= limit
	return d
}

func costDimension(used, limit decimal.Decimal) CostDimension {
	d := CostDimension{Used: used, Limit: limit}
	if !limit.IsPositive() {
		d.Limit = decimal.Zero
		return d
	}
	d.Percentage = used.Mul(decimal.NewFromInt(100)).Div(limit).Round(2).InexactFloat64()
	d.DisplayPercentage = clampDisplay(d.Percentage)
	d.Exceeded = used.GreaterThanOrEqual(limit)
	return d
}

// ComputeStatus evaluates usage against an effective quota.
func ComputeStatus(eq EffectiveQuota, usage ledger.Totals, period Period, now time.Time) *Status {
	s := &Status{
		OrganizationID: eq.OrganizationID,
		UserID:         eq.UserID,
		Tier:           eq.Tier,
		Tokens:         dimension(usage.Tokens, eq.TokenLimit),
		Requests:       dimension(usage.Requests, eq.RequestLimit),
		Decisions:      dimension(usage.Decisions, eq.DecisionLimit),
		Cost:           costDimension(usage.Cost, eq.CostLimit),
		AlertThreshold: eq.AlertThreshold,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		DaysRemaining:  period.DaysRemaining(now),
		AIEnabled:      eq.AIEnabled,
		HasOverride:    eq.HasOverride,
		AllowOverage:   eq.AllowOverage,
		OverageCharge:  decimal.Zero,
	}

	threshold := float64(eq.AlertThreshold)
	for _, p := range []struct {
		pct      float64
		limited  bool
		exceeded bool
	}{
		{s.Tokens.Percentage, s.Tokens.Limit > 0, s.Tokens.Exceeded},
		{s.Requests.Percentage, s.Requests.Limit > 0, s.Requests.Exceeded},
		{s.Decisions.Percentage, s.Decisions.Limit > 0, s.Decisions.Exceeded},
		{s.Cost.Percentage, s.Cost.Limit.IsPositive(), s.Cost.Exceeded},
	} {
		if !p.limited {
			continue
		}
		s.IsExceeded = s.IsExceeded || p.exceeded
		s.IsAlert = s.IsAlert || p.pct >= threshold
		s.Utilization = math.Max(s.Utilization, clampDisplay(p.pct))
	}

	if eq.TokenLimit > 0 && usage.Tokens > eq.TokenLimit {
		s.OverageTokens = usage.Tokens - eq.TokenLimit
		if eq.AllowOverage {
			s.OverageCharge = decimal.NewFromInt(s.OverageTokens).
				Div(decimal.NewFromInt(1000)).
				Mul(eq.OverageRate).
				Round(4)
		}
	}
	return s
}

// UsageSource sums ledger records.
type UsageSource interface {
	Totals(ctx context.Context, f ledger.Filter) (ledger.Totals, error)
}

// Accountant produces quota status for the current period.
type Accountant struct {
	resolver *Resolver
	usage    UsageSource
	now      func() time.Time
}

func NewAccountant(resolver *Resolver, usage UsageSource) *Accountant {
	return &Accountant{resolver: resolver, usage: usage, now: time.Now}
}

func (a *Accountant) Resolver() *Resolver { return a.resolver }

// Status returns the organization-wide status when userID is uuid.Nil, or the
// user's own usage against the user's effective quota otherwise.
func (a *Accountant) Status(ctx context.Context, orgID, userID uuid.UUID) (*Status, error) {
	eq, err := a.resolver.Resolve(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	return a.StatusFor(ctx, eq)
}

// StatusFor computes status for an already resolved quota.
func (a *Accountant) StatusFor(ctx context.Context, eq EffectiveQuota) (*Status, error) {
	now := a.now()
	period := PeriodAt(now, eq.ResetDayOfMonth)

	orgID := eq.OrganizationID
	f := ledger.Filter{OrganizationID: &orgID, From: period.Start, To: period.End}
	if eq.UserID != uuid.Nil {
		userID := eq.UserID
		f.RequestedBy = &userID
	}

	totals, err := a.usage.Totals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("summing usage for %s: %w", orgID, err)
	}
	return ComputeStatus(eq, totals, period, now), nil
}
