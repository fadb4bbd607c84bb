package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Merge resolves a tier template, an optional organization quota and an
// optional user override into an EffectiveQuota. Each field takes the first
// value set in user, organization, tier order.
//
// AI enablement follows the same order, which makes it asymmetric: a tenant
// that disabled AI only lets a user through with an explicit true override,
// while an enabled tenant lets every user through unless overridden to false.
// With no organization row AI is enabled.
func Merge(tier Template, org *OrganizationQuota, override *UserOverride) EffectiveQuota {
	var (
		orgTokens, orgRequests, orgDecisions *int64
		usrTokens, usrRequests, usrDecisions *int64
		orgAI, usrAI                         *bool
	)
	eq := EffectiveQuota{
		Tier:            tier.TierName,
		CostLimit:       tier.MaxCost,
		AllowOverage:    tier.AllowOverage,
		OverageRate:     tier.OverageRate,
		AlertThreshold:  tier.AlertThreshold,
		ResetDayOfMonth: 1,
	}
	if org != nil {
		eq.OrganizationID = org.OrganizationID
		orgTokens, orgRequests, orgDecisions = org.MonthlyTokenLimit, org.MonthlyRequestLimit, org.MonthlyDecisionLimit
		orgAI = &org.IsAIEnabled
		if org.MonthlyCostLimit != nil {
			eq.CostLimit = *org.MonthlyCostLimit
		}
		if org.ResetDayOfMonth > 0 {
			eq.ResetDayOfMonth = org.ResetDayOfMonth
		}
	}
	if override != nil {
		eq.UserID = override.UserID
		eq.HasOverride = true
		usrTokens, usrRequests, usrDecisions = override.TokenLimit, override.RequestLimit, override.DecisionLimit
		usrAI = override.IsAIEnabled
	}

	eq.TokenLimit = coalesce(tier.MaxTokens, usrTokens, orgTokens)
	eq.RequestLimit = coalesce(tier.MaxRequests, usrRequests, orgRequests)
	eq.DecisionLimit = coalesce(tier.MaxDecisions, usrDecisions, orgDecisions)
	eq.AIEnabled = coalesce(true, usrAI, orgAI)
	if eq.AlertThreshold <= 0 {
		eq.AlertThreshold = 80
	}
	return eq
}

// coalesce returns the first non-nil value, or fallback.
func coalesce[T any](fallback T, layers ...*T) T {
	for _, v := range layers {
		if v != nil {
			return *v
		}
	}
	return fallback
}

// Resolver loads the layers for a tenant and merges them. Missing rows never
// produce an error; only store failures do.
type Resolver struct {
	store    Store
	defaults Defaults
}

func NewResolver(store Store, defaults Defaults) *Resolver {
	return &Resolver{store: store, defaults: defaults}
}

// Resolve returns the effective quota for orgID, or for userID within orgID when
// userID is not uuid.Nil.
func (r *Resolver) Resolve(ctx context.Context, orgID, userID uuid.UUID) (EffectiveQuota, error) {
	org, err := r.store.GetOrganizationQuota(ctx, orgID)
	if err != nil {
		return EffectiveQuota{}, fmt.Errorf("loading organization quota: %w", err)
	}

	var override *UserOverride
	if userID != uuid.Nil {
		override, err = r.store.GetUserOverride(ctx, orgID, userID)
		if err != nil {
			return EffectiveQuota{}, fmt.Errorf("loading user override: %w", err)
		}
	}

	tierName := r.defaults.Tier
	if org != nil && org.Tier != "" {
		tierName = org.Tier
	}
	tier := r.tier(ctx, tierName)

	eq := Merge(tier, org, override)
	eq.OrganizationID = orgID
	eq.UserID = userID
	return eq, nil
}

// tier finds the named active template, then the default tier, then the
// lowest ordered active template, then the built-in defaults.
func (r *Resolver) tier(ctx context.Context, name string) Template {
	candidates := []string{name}
	if name != r.defaults.Tier {
		candidates = append(candidates, r.defaults.Tier)
	}
	for _, n := range candidates {
		t, err := r.store.GetTemplateByTier(ctx, n)
		if err != nil {
			slog.Warn("loading tier template, using built-in defaults", "tier", n, "error", err)
			return r.defaults.Template()
		}
		if t != nil {
			return *t
		}
		slog.Debug("tier template not found", "tier", n)
	}

	templates, err := r.store.ListTemplates(ctx, false)
	if err != nil {
		slog.Warn("listing tier templates, using built-in defaults", "error", err)
		return r.defaults.Template()
	}
	if len(templates) > 0 {
		return templates[0]
	}
	return r.defaults.Template()
}
