// Package reporting aggregates the ledger and quota configuration for the
// governance dashboard.
//
// Every section is computed on its own. A section that fails is logged,
// counted and replaced with its zero value, and its name is listed in
// DegradedSections; the rest of the report is still returned.
package reporting

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
	"github.com/aiox-platform/aigov/internal/governance/quota"
	"github.com/aiox-platform/aigov/internal/governance/tenant"
	"github.com/aiox-platform/aigov/internal/metrics"
)

// Lookback is the rolling window of decision statistics.
const Lookback = 30 * 24 * time.Hour

// Section names reported in DegradedSections.
const (
	SectionOrganizations = "organizations"
	SectionDecisions     = "decisions"
	SectionByAgent       = "by_agent"
	SectionTopByTokens   = "top_agents_by_tokens"
	SectionByDecision    = "by_decision_type"
	SectionTierAssign    = "tier_assignment"
	SectionTierTemplates = "tier_templates"
)

type KillSwitch interface {
	IsEnabled(ctx context.Context) bool
}

type OrganizationCounts struct {
	Total      int64 `json:"total"`
	AIEnabled  int64 `json:"ai_enabled"`
	AIDisabled int64 `json:"ai_disabled"`
}

type Overview struct {
	Organizations     OrganizationCounts `json:"organizations"`
	Decisions         ledger.Stats       `json:"decisions"`
	KillSwitchEnabled bool               `json:"killswitch_enabled"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	DegradedSections  []string           `json:"degraded_sections"`
}

type Breakdown struct {
	ByAgentType       []ledger.Group `json:"by_agent_type"`
	TopAgentsByTokens []ledger.Group `json:"top_agents_by_tokens"`
	ByDecisionType    []ledger.Group `json:"by_decision_type"`
	PeriodStart       time.Time      `json:"period_start"`
	PeriodEnd         time.Time      `json:"period_end"`
	DegradedSections  []string       `json:"degraded_sections"`
}

// TierUsage summarizes the organizations assigned to one tier. Organizations
// whose status could not be computed count toward OrganizationCount but not
// toward AverageUtilization.
type TierUsage struct {
	Tier               string  `json:"tier"`
	OrganizationCount  int     `json:"organization_count"`
	MeasuredCount      int     `json:"measured_count"`
	AverageUtilization float64 `json:"average_utilization"`
	ExceededCount      int     `json:"exceeded_count"`
}

type TierReport struct {
	Tiers            []TierUsage `json:"tiers"`
	DegradedSections []string    `json:"degraded_sections"`
}

type Service struct {
	directory   tenant.Directory
	quotas      quota.Store
	usage       ledger.Repository
	accountant  *quota.Accountant
	killSwitch  KillSwitch
	authz       *authz.Authorizer
	defaultTier string
	topN        int
	now         func() time.Time
}

func NewService(
	directory tenant.Directory,
	quotas quota.Store,
	usage ledger.Repository,
	accountant *quota.Accountant,
	ks KillSwitch,
	az *authz.Authorizer,
	defaultTier string,
	topN int,
) *Service {
	if topN <= 0 {
		topN = 10
	}
	return &Service{
		directory:   directory,
		quotas:      quotas,
		usage:       usage,
		accountant:  accountant,
		killSwitch:  ks,
		authz:       az,
		defaultTier: defaultTier,
		topN:        topN,
		now:         time.Now,
	}
}

// report collects degraded section names.
type report struct {
	degraded []string
}

func (r *report) run(ctx context.Context, section string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		slog.Warn("reporting: section degraded", "section", section, "error", err)
		metrics.ReportSectionsDegradedTotal.WithLabelValues(section).Inc()
		r.degraded = append(r.degraded, section)
	}
}

func (r *report) sections() []string {
	if r.degraded == nil {
		return []string{}
	}
	return r.degraded
}

// scope returns the organization a report is limited to: the caller's own for
// org admins, any requested one or none for super admins.
func (s *Service) scope(p auth.Principal, requested *uuid.UUID) (*uuid.UUID, error) {
	if !p.IsSuperAdmin() {
		org := p.OrganizationID
		if err := s.authz.Authorize(p, org, authz.ObjReport, authz.ActRead); err != nil {
			return nil, err
		}
		return &org, nil
	}
	target := uuid.Nil
	if requested != nil {
		target = *requested
	}
	if err := s.authz.Authorize(p, target, authz.ObjReport, authz.ActRead); err != nil {
		return nil, err
	}
	return requested, nil
}

func (s *Service) window() (time.Time, time.Time) {
	end := s.now().UTC()
	return end.Add(-Lookback), end
}

func (s *Service) Overview(ctx context.Context, p auth.Principal, orgID *uuid.UUID) (*Overview, error) {
	scope, err := s.scope(p, orgID)
	if err != nil {
		return nil, err
	}

	from, to := s.window()
	out := &Overview{
		Decisions:   ledger.Stats{AvgConfidence: decimal.Zero, TotalCost: decimal.Zero},
		PeriodStart: from,
		PeriodEnd:   to,
	}
	var r report

	r.run(ctx, SectionOrganizations, func(ctx context.Context) error {
		counts, err := s.organizationCounts(ctx, scope)
		if err != nil {
			return err
		}
		out.Organizations = counts
		return nil
	})
	r.run(ctx, SectionDecisions, func(ctx context.Context) error {
		stats, err := s.usage.Stats(ctx, ledger.Filter{OrganizationID: scope, From: from, To: to})
		if err != nil {
			return err
		}
		out.Decisions = stats
		return nil
	})
	out.KillSwitchEnabled = s.killSwitch.IsEnabled(ctx)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.DegradedSections = r.sections()
	return out, nil
}

func (s *Service) organizationCounts(ctx context.Context, scope *uuid.UUID) (OrganizationCounts, error) {
	var c OrganizationCounts
	if scope != nil {
		q, err := s.quotas.GetOrganizationQuota(ctx, *scope)
		if err != nil {
			return c, err
		}
		c.Total = 1
		if q == nil || q.IsAIEnabled {
			c.AIEnabled = 1
		} else {
			c.AIDisabled = 1
		}
		return c, nil
	}

	orgs, err := s.directory.List(ctx)
	if err != nil {
		return c, err
	}
	rows, err := s.quotas.ListOrganizationQuotas(ctx)
	if err != nil {
		return c, err
	}
	disabled := make(map[uuid.UUID]bool, len(rows))
	for _, q := range rows {
		if !q.IsAIEnabled {
			disabled[q.OrganizationID] = true
		}
	}
	for _, o := range orgs {
		c.Total++
		if disabled[o.ID] {
			c.AIDisabled++
		} else {
			c.AIEnabled++
		}
	}
	return c, nil
}

func (s *Service) Breakdown(ctx context.Context, p auth.Principal, orgID *uuid.UUID) (*Breakdown, error) {
	scope, err := s.scope(p, orgID)
	if err != nil {
		return nil, err
	}

	from, to := s.window()
	f := ledger.Filter{OrganizationID: scope, From: from, To: to}
	out := &Breakdown{
		ByAgentType:       []ledger.Group{},
		TopAgentsByTokens: []ledger.Group{},
		ByDecisionType:    []ledger.Group{},
		PeriodStart:       from,
		PeriodEnd:         to,
	}
	var r report

	group := func(dst *[]ledger.Group, key ledger.GroupKey, order ledger.GroupOrder) func(context.Context) error {
		return func(ctx context.Context) error {
			groups, err := s.usage.GroupBy(ctx, f, key, order, s.topN)
			if err != nil {
				return err
			}
			if groups != nil {
				*dst = groups
			}
			return nil
		}
	}
	r.run(ctx, SectionByAgent, group(&out.ByAgentType, ledger.GroupAgentType, ledger.OrderByDecisions))
	r.run(ctx, SectionTopByTokens, group(&out.TopAgentsByTokens, ledger.GroupAgentType, ledger.OrderByTokens))
	r.run(ctx, SectionByDecision, group(&out.ByDecisionType, ledger.GroupDecisionType, ledger.OrderByDecisions))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.DegradedSections = r.sections()
	return out, nil
}

// Tiers groups every organization by its configured tier. It is a cross-tenant
// report and only available to super admins.
func (s *Service) Tiers(ctx context.Context, p auth.Principal) (*TierReport, error) {
	if err := s.authz.Authorize(p, uuid.Nil, authz.ObjReport, authz.ActRead); err != nil {
		return nil, err
	}

	var r report
	assigned := make(map[uuid.UUID]string)

	r.run(ctx, SectionOrganizations, func(ctx context.Context) error {
		orgs, err := s.directory.List(ctx)
		if err != nil {
			return err
		}
		for _, o := range orgs {
			assigned[o.ID] = s.defaultTier
		}
		return nil
	})
	r.run(ctx, SectionTierAssign, func(ctx context.Context) error {
		rows, err := s.quotas.ListOrganizationQuotas(ctx)
		if err != nil {
			return err
		}
		for _, q := range rows {
			tier := q.Tier
			if tier == "" {
				tier = s.defaultTier
			}
			assigned[q.OrganizationID] = tier
		}
		return nil
	})

	byTier := make(map[string]*TierUsage)
	order := []string{}
	usage := func(name string) *TierUsage {
		if u, ok := byTier[name]; ok {
			return u
		}
		u := &TierUsage{Tier: name}
		byTier[name] = u
		order = append(order, name)
		return u
	}

	r.run(ctx, SectionTierTemplates, func(ctx context.Context) error {
		templates, err := s.quotas.ListTemplates(ctx, false)
		if err != nil {
			return err
		}
		for _, t := range templates {
			usage(t.TierName)
		}
		return nil
	})

	ids := make([]uuid.UUID, 0, len(assigned))
	for id := range assigned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	sums := make(map[string]float64)
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		u := usage(assigned[id])
		u.OrganizationCount++

		st, err := s.accountant.Status(ctx, id, uuid.Nil)
		if err != nil {
			slog.Warn("reporting: organization status unavailable", "section", "tiers", "organization_id", id, "error", err)
			continue
		}
		u.MeasuredCount++
		sums[u.Tier] += st.Utilization
		if st.IsExceeded {
			u.ExceededCount++
		}
	}

	out := &TierReport{Tiers: make([]TierUsage, 0, len(order))}
	for _, name := range order {
		u := byTier[name]
		if u.MeasuredCount > 0 {
			u.AverageUtilization = roundPct(sums[name] / float64(u.MeasuredCount))
		}
		out.Tiers = append(out.Tiers, *u)
	}
	out.DegradedSections = r.sections()
	return out, nil
}

func roundPct(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
