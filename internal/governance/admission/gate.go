// Package admission is the pre-flight check every AI call goes through and the
// place where the outcome of the call is recorded afterwards.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/cache"
	"github.com/aiox-platform/aigov/internal/governance/errs"
	"github.com/aiox-platform/aigov/internal/governance/quota"
	"github.com/aiox-platform/aigov/internal/metrics"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

// KillSwitch is the global gate.
type KillSwitch interface {
	IsEnabled(ctx context.Context) bool
}

// Decision describes an admitted call.
type Decision struct {
	Allowed    bool                 `json:"allowed"`
	Quota      quota.EffectiveQuota `json:"quota"`
	OrgStatus  *quota.Status        `json:"organization_status,omitempty"`
	UserStatus *quota.Status        `json:"user_status,omitempty"`
}

type Gate struct {
	killSwitch   KillSwitch
	accountant   *quota.Accountant
	limiter      *quota.BurstLimiter
	maxPerMinute int
	recorder     *Recorder
}

// NewGate wires the checks. limiter may be nil, and a maxPerMinute of zero
// turns burst limiting off.
func NewGate(ks KillSwitch, accountant *quota.Accountant, limiter *quota.BurstLimiter, maxPerMinute int, recorder *Recorder) *Gate {
	return &Gate{
		killSwitch:   ks,
		accountant:   accountant,
		limiter:      limiter,
		maxPerMinute: maxPerMinute,
		recorder:     recorder,
	}
}

// Recorder returns the usage recorder paired with this gate.
func (g *Gate) Recorder() *Recorder { return g.recorder }

// Check decides whether userID in orgID may make an AI call right now. The
// order is kill switch, AI enablement, organization quota, user quota, burst
// rate. A denial is an *errs.AdmissionError.
//
// Quota lookups that fail after the tenant has been resolved let the call
// through with a warning; failing to resolve the tenant itself is an error.
func (g *Gate) Check(ctx context.Context, orgID, userID uuid.UUID) (*Decision, error) {
	d, err := g.check(ctx, orgID, userID)
	if ae, ok := errs.AsAdmission(err); ok {
		metrics.AdmissionDecisionsTotal.WithLabelValues("denied", string(ae.Reason)).Inc()
		slog.Info("admission denied", "organization_id", orgID, "user_id", userID, "reason", ae.Reason, "dimension", ae.Dimension)
		return nil, err
	}
	if err != nil {
		metrics.AdmissionDecisionsTotal.WithLabelValues("error", "").Inc()
		return nil, err
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues("allowed", "").Inc()
	return d, nil
}

func (g *Gate) check(ctx context.Context, orgID, userID uuid.UUID) (*Decision, error) {
	if !g.killSwitch.IsEnabled(ctx) {
		return nil, &errs.AdmissionError{Reason: errs.ReasonGloballyDisabled}
	}

	resolver := g.accountant.Resolver()
	eq, err := resolver.Resolve(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving quota: %w", err)
	}
	if !eq.AIEnabled {
		return nil, &errs.AdmissionError{Reason: errs.ReasonAIDisabled}
	}

	d := &Decision{Allowed: true, Quota: eq}

	orgEq := eq
	if userID != uuid.Nil {
		if orgEq, err = resolver.Resolve(ctx, orgID, uuid.Nil); err != nil {
			return nil, fmt.Errorf("resolving organization quota: %w", err)
		}
	}
	if d.OrgStatus, err = g.status(ctx, orgEq); err != nil {
		return nil, err
	}
	if userID != uuid.Nil {
		if d.UserStatus, err = g.status(ctx, eq); err != nil {
			return nil, err
		}
	}

	if userID != uuid.Nil && g.limiter != nil && g.maxPerMinute > 0 {
		ok, err := g.limiter.Allow(ctx, orgID, userID, g.maxPerMinute)
		switch {
		case err != nil:
			slog.Warn("admission: burst limiter unavailable, allowing", "organization_id", orgID, "error", err)
		case !ok:
			return nil, &errs.AdmissionError{Reason: errs.ReasonRateLimited, Limit: strconv.Itoa(g.maxPerMinute)}
		}
	}
	return d, nil
}

// status computes usage for eq and turns an exhausted quota into a denial
// unless overage is allowed.
func (g *Gate) status(ctx context.Context, eq quota.EffectiveQuota) (*quota.Status, error) {
	s, err := g.accountant.StatusFor(ctx, eq)
	if err != nil {
		slog.Warn("admission: usage unavailable, allowing",
			"organization_id", eq.OrganizationID, "user_id", eq.UserID, "error", err)
		return nil, nil
	}
	if s.IsExceeded && !eq.AllowOverage {
		dim, used, limit, _ := s.ExceededDimension()
		return s, &errs.AdmissionError{Reason: errs.ReasonQuotaExceeded, Dimension: dim, Used: used, Limit: limit}
	}
	return s, nil
}

// alertKey identifies one alert per organization and period.
func alertKey(orgID uuid.UUID, period time.Time) string {
	return "quota-alert:" + orgID.String() + ":" + period.Format("2006-01-02")
}

// alertOnce publishes a quota alert the first time s crosses its threshold in
// the period.
func alertOnce(ctx context.Context, c cache.Cache, events inats.Events, s *quota.Status, now time.Time) {
	if s == nil || !s.IsAlert {
		return
	}
	ttl := s.PeriodEnd.Sub(now)
	if ttl <= 0 {
		return
	}
	key := alertKey(s.OrganizationID, s.PeriodStart)
	first, err := c.SetNX(ctx, key, []byte("1"), ttl)
	if err != nil {
		slog.Warn("admission: alert dedupe marker", "organization_id", s.OrganizationID, "error", err)
		return
	}
	if !first {
		return
	}

	alert := inats.QuotaAlert{
		OrganizationID: s.OrganizationID,
		Tier:           s.Tier,
		Utilization:    s.Utilization,
		AlertThreshold: s.AlertThreshold,
		IsExceeded:     s.IsExceeded,
		PeriodStart:    s.PeriodStart,
		PeriodEnd:      s.PeriodEnd,
		Timestamp:      now,
	}
	if err := events.PublishQuotaAlert(ctx, alert); err != nil {
		slog.Warn("admission: publishing quota alert", "organization_id", s.OrganizationID, "error", err)
		_ = c.Delete(ctx, key)
	}
}
