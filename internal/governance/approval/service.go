package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
	"github.com/aiox-platform/aigov/internal/governance/audit"
	"github.com/aiox-platform/aigov/internal/governance/errs"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
	"github.com/aiox-platform/aigov/internal/metrics"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

// ReviewRequest carries an approver's optional notes.
type ReviewRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// ApplyRequest records what happened when the decision was applied.
type ApplyRequest struct {
	ActualOutcome string `json:"actual_outcome" validate:"max=4000"`
}

// PendingParams filters the pending approvals list.
type PendingParams struct {
	OrganizationID *uuid.UUID
	DecisionType   string
	Page           int
	PageSize       int
}

func (p *PendingParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
}

type Service struct {
	repo   ledger.Repository
	authz  *authz.Authorizer
	events inats.Events
	window time.Duration
	now    func() time.Time
}

func NewService(repo ledger.Repository, az *authz.Authorizer, events inats.Events, window time.Duration) *Service {
	if window <= 0 {
		window = ledger.DefaultApprovalWindow
	}
	return &Service{repo: repo, authz: az, events: events, window: window, now: time.Now}
}

// Window is the default review window applied to decisions without a deadline.
func (s *Service) Window() time.Duration { return s.window }

// load fetches a decision and checks act against its organization. A decision
// in another tenant is reported as not found to non super admins.
func (s *Service) load(ctx context.Context, p auth.Principal, id uuid.UUID, act string) (*ledger.Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || (rec.OrganizationID != p.OrganizationID && !p.IsSuperAdmin()) {
		return nil, errs.NotFound("decision %s not found", id)
	}
	if err := s.authz.Authorize(p, rec.OrganizationID, authz.ObjDecision, act); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, p auth.Principal, id uuid.UUID) (*ledger.View, error) {
	rec, err := s.load(ctx, p, id, authz.ActRead)
	if err != nil {
		return nil, err
	}
	v := rec.View(s.now(), s.window)
	return &v, nil
}

// ListPending returns pending decisions, most urgent first. Expired ones stay
// in the list, flagged, until someone acts on them.
func (s *Service) ListPending(ctx context.Context, p auth.Principal, params PendingParams) ([]ledger.View, int64, error) {
	params.normalize()
	if !p.IsSuperAdmin() {
		org := p.OrganizationID
		params.OrganizationID = &org
	}
	target := uuid.Nil
	if params.OrganizationID != nil {
		target = *params.OrganizationID
	}
	if err := s.authz.Authorize(p, target, authz.ObjDecision, authz.ActRead); err != nil {
		return nil, 0, err
	}

	recs, err := s.repo.ListPending(ctx, ledger.PendingQuery{
		OrganizationID: params.OrganizationID,
		DecisionType:   params.DecisionType,
		Window:         s.window,
		Limit:          params.PageSize,
		Offset:         (params.Page - 1) * params.PageSize,
	})
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, ledger.Filter{
		OrganizationID: params.OrganizationID,
		DecisionType:   params.DecisionType,
		Status:         ledger.StatusPending,
	})
	if err != nil {
		return nil, 0, err
	}

	now := s.now()
	views := make([]ledger.View, 0, len(recs))
	for i := range recs {
		views = append(views, recs[i].View(now, s.window))
	}
	return views, total, nil
}

func (s *Service) Approve(ctx context.Context, p auth.Principal, id uuid.UUID, req ReviewRequest) (*ledger.View, error) {
	return s.transition(ctx, p, id, ActionApprove, authz.ActApprove, req.Notes, inats.EventDecisionApproved)
}

func (s *Service) Reject(ctx context.Context, p auth.Principal, id uuid.UUID, req ReviewRequest) (*ledger.View, error) {
	return s.transition(ctx, p, id, ActionReject, authz.ActApprove, req.Notes, inats.EventDecisionRejected)
}

func (s *Service) Apply(ctx context.Context, p auth.Principal, id uuid.UUID, req ApplyRequest) (*ledger.View, error) {
	return s.transition(ctx, p, id, ActionApply, authz.ActApply, req.ActualOutcome, inats.EventDecisionApplied)
}

func (s *Service) transition(ctx context.Context, p auth.Principal, id uuid.UUID, action Action, act, note, eventType string) (*ledger.View, error) {
	rec, err := s.load(ctx, p, id, act)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	from := rec.Status
	if err := Transition(rec, action, p.UserID, note, now, s.window); err != nil {
		metrics.ApprovalTransitionsTotal.WithLabelValues(string(action), "rejected").Inc()
		return nil, err
	}
	if err := s.repo.Transition(ctx, rec); err != nil {
		result := "error"
		if errors.Is(err, errs.ErrConflict) {
			result = "conflict"
		}
		metrics.ApprovalTransitionsTotal.WithLabelValues(string(action), result).Inc()
		return nil, err
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(action), "ok").Inc()

	audit.Emit(ctx, s.events, audit.NewEvent(p, rec.OrganizationID, eventType, "decision", rec.ID.String(), map[string]any{
		"from":  from,
		"to":    rec.Status,
		"notes": note,
	}))

	v := rec.View(now, s.window)
	return &v, nil
}
