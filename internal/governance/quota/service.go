package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
	"github.com/aiox-platform/aigov/internal/governance/audit"
	"github.com/aiox-platform/aigov/internal/governance/errs"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

// Service is the administrative surface over templates, organization quotas and
// user overrides, plus the tenant-scoped status reads.
type Service struct {
	store      Store
	accountant *Accountant
	authz      *authz.Authorizer
	events     inats.Events
	now        func() time.Time
}

func NewService(store Store, accountant *Accountant, az *authz.Authorizer, events inats.Events) *Service {
	return &Service{
		store:      store,
		accountant: accountant,
		authz:      az,
		events:     events,
		now:        time.Now,
	}
}

// ListTemplates returns active templates ordered by display order. Inactive
// templates are only listed for super admins.
func (s *Service) ListTemplates(ctx context.Context, p auth.Principal, includeInactive bool) ([]Template, error) {
	if err := s.authz.Authorize(p, p.OrganizationID, authz.ObjTemplate, authz.ActRead); err != nil {
		return nil, err
	}
	return s.store.ListTemplates(ctx, includeInactive && p.IsSuperAdmin())
}

func (s *Service) CreateTemplate(ctx context.Context, p auth.Principal, req *TemplateRequest) (*Template, error) {
	if err := s.authz.AuthorizeGlobal(p, authz.ObjTemplate, authz.ActWrite); err != nil {
		return nil, err
	}
	if err := checkTemplate(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &Template{ID: uuid.New(), IsActive: true, CreatedAt: now}
	applyTemplate(t, req, now)

	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.events, audit.NewEvent(p, uuid.Nil, inats.EventTemplateCreated, "template", t.ID.String(), t))
	return t, nil
}

func (s *Service) UpdateTemplate(ctx context.Context, p auth.Principal, id uuid.UUID, req *TemplateRequest) (*Template, error) {
	if err := s.authz.AuthorizeGlobal(p, authz.ObjTemplate, authz.ActWrite); err != nil {
		return nil, err
	}
	if err := checkTemplate(req); err != nil {
		return nil, err
	}

	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errs.NotFound("template %s not found", id)
	}
	applyTemplate(t, req, s.now().UTC())

	if err := s.store.UpdateTemplate(ctx, t); err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.events, audit.NewEvent(p, uuid.Nil, inats.EventTemplateUpdated, "template", t.ID.String(), t))
	return t, nil
}

// DeleteTemplate soft-deletes a template. Organizations on that tier fall back
// to the default tier on their next resolution.
func (s *Service) DeleteTemplate(ctx context.Context, p auth.Principal, id uuid.UUID) error {
	if err := s.authz.AuthorizeGlobal(p, authz.ObjTemplate, authz.ActWrite); err != nil {
		return err
	}
	if err := s.store.SoftDeleteTemplate(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	audit.Emit(ctx, s.events, audit.NewEvent(p, uuid.Nil, inats.EventTemplateDeleted, "template", id.String(), nil))
	return nil
}

func checkTemplate(req *TemplateRequest) error {
	if strings.TrimSpace(req.TierName) == "" {
		return errs.Validation("tier_name is required")
	}
	if req.MaxCost.IsNegative() {
		return errs.Validation("max_cost must not be negative")
	}
	if req.OverageRate.IsNegative() {
		return errs.Validation("overage_rate must not be negative")
	}
	return nil
}

func applyTemplate(t *Template, req *TemplateRequest, now time.Time) {
	t.TierName = strings.TrimSpace(req.TierName)
	t.MaxTokens = req.MaxTokens
	t.MaxRequests = req.MaxRequests
	t.MaxDecisions = req.MaxDecisions
	t.MaxCost = req.MaxCost
	t.AllowOverage = req.AllowOverage
	t.OverageRate = req.OverageRate
	t.AlertThreshold = req.AlertThreshold
	if t.AlertThreshold == 0 {
		t.AlertThreshold = 80
	}
	t.DisplayOrder = req.DisplayOrder
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	t.UpdatedAt = now
}

// GetOrganizationQuota returns the stored row for orgID.
func (s *Service) GetOrganizationQuota(ctx context.Context, p auth.Principal, orgID uuid.UUID) (*OrganizationQuota, error) {
	if err := s.authz.Authorize(p, orgID, authz.ObjQuota, authz.ActRead); err != nil {
		return nil, err
	}
	q, err := s.store.GetOrganizationQuota(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, errs.NotFound("no quota configured for organization %s", orgID)
	}
	return q, nil
}

// ListOrganizationQuotas lists every tenant's row for super admins and the
// caller's own row otherwise.
func (s *Service) ListOrganizationQuotas(ctx context.Context, p auth.Principal) ([]OrganizationQuota, error) {
	if !p.IsSuperAdmin() {
		q, err := s.GetOrganizationQuota(ctx, p, p.OrganizationID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return []OrganizationQuota{}, nil
			}
			return nil, err
		}
		return []OrganizationQuota{*q}, nil
	}
	return s.store.ListOrganizationQuotas(ctx)
}

// UpsertOrganizationQuota replaces the limits of orgID. An omitted AI flag or
// reset day keeps the stored value.
func (s *Service) UpsertOrganizationQuota(ctx context.Context, p auth.Principal, orgID uuid.UUID, req *OrganizationQuotaRequest) (*OrganizationQuota, error) {
	if err := s.authz.Authorize(p, orgID, authz.ObjQuota, authz.ActWrite); err != nil {
		return nil, err
	}
	if req.MonthlyCostLimit != nil && req.MonthlyCostLimit.IsNegative() {
		return nil, errs.Validation("monthly_cost_limit must not be negative")
	}
	if req.ResetDayOfMonth != 0 && (req.ResetDayOfMonth < 1 || req.ResetDayOfMonth > 31) {
		return nil, errs.Validation("reset_day_of_month must be between 1 and 31")
	}
	for name, v := range map[string]*int64{
		"monthly_token_limit":    req.MonthlyTokenLimit,
		"monthly_request_limit":  req.MonthlyRequestLimit,
		"monthly_decision_limit": req.MonthlyDecisionLimit,
	} {
		if v != nil && *v < 0 {
			return nil, errs.Validation("%s must not be negative", name)
		}
	}

	tier := strings.TrimSpace(req.Tier)
	if tier != "" {
		t, err := s.store.GetTemplateByTier(ctx, tier)
		if err != nil {
			return nil, fmt.Errorf("checking tier %q: %w", tier, err)
		}
		if t == nil {
			return nil, errs.Validation("unknown tier %q", tier)
		}
	}

	existing, err := s.store.GetOrganizationQuota(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	q := &OrganizationQuota{
		OrganizationID:       orgID,
		Tier:                 tier,
		MonthlyTokenLimit:    req.MonthlyTokenLimit,
		MonthlyRequestLimit:  req.MonthlyRequestLimit,
		MonthlyDecisionLimit: req.MonthlyDecisionLimit,
		MonthlyCostLimit:     req.MonthlyCostLimit,
		ResetDayOfMonth:      1,
		IsAIEnabled:          true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if existing != nil {
		q.ResetDayOfMonth = existing.ResetDayOfMonth
		q.IsAIEnabled = existing.IsAIEnabled
		q.CreatedAt = existing.CreatedAt
	}
	if req.ResetDayOfMonth != 0 {
		q.ResetDayOfMonth = req.ResetDayOfMonth
	}
	if req.IsAIEnabled != nil {
		q.IsAIEnabled = *req.IsAIEnabled
	}

	if err := s.store.UpsertOrganizationQuota(ctx, q); err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.events, audit.NewEvent(p, orgID, inats.EventQuotaUpdated, "organization_quota", orgID.String(), q))
	return q, nil
}

func (s *Service) GetUserOverride(ctx context.Context, p auth.Principal, orgID, userID uuid.UUID) (*UserOverride, error) {
	if err := s.authz.Authorize(p, orgID, authz.ObjOverride, authz.ActRead); err != nil {
		return nil, err
	}
	o, err := s.store.GetUserOverride(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errs.NotFound("no override for user %s", userID)
	}
	return o, nil
}

func (s *Service) UpsertUserOverride(ctx context.Context, p auth.Principal, orgID, userID uuid.UUID, req *UserOverrideRequest) (*UserOverride, error) {
	if err := s.authz.Authorize(p, orgID, authz.ObjOverride, authz.ActWrite); err != nil {
		return nil, err
	}
	if userID == uuid.Nil {
		return nil, errs.Validation("user_id is required")
	}
	for name, v := range map[string]*int64{
		"token_limit":    req.TokenLimit,
		"request_limit":  req.RequestLimit,
		"decision_limit": req.DecisionLimit,
	} {
		if v != nil && *v < 0 {
			return nil, errs.Validation("%s must not be negative", name)
		}
	}

	now := s.now().UTC()
	o := &UserOverride{
		UserID:         userID,
		OrganizationID: orgID,
		TokenLimit:     req.TokenLimit,
		RequestLimit:   req.RequestLimit,
		DecisionLimit:  req.DecisionLimit,
		IsAIEnabled:    req.IsAIEnabled,
		Reason:         req.Reason,
		UpdatedBy:      p.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertUserOverride(ctx, o); err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.events, audit.NewEvent(p, orgID, inats.EventOverrideUpdated, "user_override", userID.String(), o))
	return o, nil
}

// DeleteUserOverride reverts the user to the organization's limits.
func (s *Service) DeleteUserOverride(ctx context.Context, p auth.Principal, orgID, userID uuid.UUID) error {
	if err := s.authz.Authorize(p, orgID, authz.ObjOverride, authz.ActWrite); err != nil {
		return err
	}
	if err := s.store.DeleteUserOverride(ctx, orgID, userID); err != nil {
		return err
	}
	audit.Emit(ctx, s.events, audit.NewEvent(p, orgID, inats.EventOverrideDeleted, "user_override", userID.String(), nil))
	return nil
}

// subject decides which user a status read targets. Members only ever see
// their own numbers.
func (s *Service) subject(p auth.Principal, orgID, userID uuid.UUID) (uuid.UUID, error) {
	if err := s.authz.Authorize(p, orgID, authz.ObjQuota, authz.ActRead); err != nil {
		return uuid.Nil, err
	}
	if p.IsAdmin() {
		return userID, nil
	}
	if userID != uuid.Nil && userID != p.UserID {
		return uuid.Nil, errs.Unauthorized("members may only view their own quota")
	}
	return p.UserID, nil
}

// Effective resolves the merged quota for orgID, or for userID within it.
func (s *Service) Effective(ctx context.Context, p auth.Principal, orgID, userID uuid.UUID) (EffectiveQuota, error) {
	userID, err := s.subject(p, orgID, userID)
	if err != nil {
		return EffectiveQuota{}, err
	}
	return s.accountant.Resolver().Resolve(ctx, orgID, userID)
}

// Status returns the current period's usage against the effective quota.
func (s *Service) Status(ctx context.Context, p auth.Principal, orgID, userID uuid.UUID) (*Status, error) {
	userID, err := s.subject(p, orgID, userID)
	if err != nil {
		return nil, err
	}
	return s.accountant.Status(ctx, orgID, userID)
}
