package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aiox-platform/aigov/internal/cache"
	"github.com/aiox-platform/aigov/internal/governance/approval"
	"github.com/aiox-platform/aigov/internal/governance/errs"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
	"github.com/aiox-platform/aigov/internal/governance/quota"
	"github.com/aiox-platform/aigov/internal/metrics"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

// UsageRequest describes one finished AI invocation. Applied marks a decision
// that needed no approval and was already applied.
type UsageRequest struct {
	AgentType        string           `json:"agent_type" validate:"required,notblank,max=100"`
	DecisionType     string           `json:"decision_type" validate:"required,notblank,max=100"`
	EntityType       string           `json:"entity_type" validate:"max=100"`
	EntityID         string           `json:"entity_id" validate:"max=100"`
	EntityName       string           `json:"entity_name" validate:"max=255"`
	PromptTokens     int64            `json:"prompt_tokens" validate:"gte=0"`
	CompletionTokens int64            `json:"completion_tokens" validate:"gte=0"`
	Cost             decimal.Decimal  `json:"cost"`
	Confidence       *decimal.Decimal `json:"confidence"`
	ExecutionTimeMs  int64            `json:"execution_time_ms" validate:"gte=0"`
	Success          bool             `json:"success"`
	ErrorMessage     string           `json:"error_message" validate:"max=2000"`
	RequiresApproval bool             `json:"requires_approval"`
	Applied          bool             `json:"applied"`
	ActualOutcome    string           `json:"actual_outcome" validate:"max=4000"`
	ApprovalDeadline *time.Time       `json:"approval_deadline"`
}

var one = decimal.NewFromInt(1)

// check covers the rules struct tags cannot express. Tags are enforced by the
// HTTP layer before a request gets here.
func (r *UsageRequest) check() error {
	if r.Cost.IsNegative() {
		return errs.Validation("cost must not be negative")
	}
	if r.Confidence != nil && (r.Confidence.IsNegative() || r.Confidence.GreaterThan(one)) {
		return errs.Validation("confidence must be between 0 and 1")
	}
	if r.Applied && r.RequiresApproval {
		return errs.Validation("a decision that requires approval cannot be recorded as applied")
	}
	return nil
}

// Recorder appends usage records and raises the notifications that follow
// from them.
type Recorder struct {
	ledger     ledger.Repository
	accountant *quota.Accountant
	cache      cache.Cache
	events     inats.Events
	window     time.Duration
	now        func() time.Time
}

func NewRecorder(repo ledger.Repository, accountant *quota.Accountant, c cache.Cache, events inats.Events, window time.Duration) *Recorder {
	if window <= 0 {
		window = ledger.DefaultApprovalWindow
	}
	return &Recorder{ledger: repo, accountant: accountant, cache: c, events: events, window: window, now: time.Now}
}

// Record appends a usage record for userID in orgID. Notifications are best
// effort and never fail the call.
func (r *Recorder) Record(ctx context.Context, orgID, userID uuid.UUID, req *UsageRequest) (*ledger.Record, error) {
	if err := req.check(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	rec := &ledger.Record{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		AgentType:        strings.TrimSpace(req.AgentType),
		DecisionType:     strings.TrimSpace(req.DecisionType),
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		EntityName:       req.EntityName,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		Cost:             req.Cost,
		ExecutionTimeMs:  req.ExecutionTimeMs,
		Success:          req.Success,
		ErrorMessage:     req.ErrorMessage,
		Status:           approval.InitialStatus(req.RequiresApproval, req.Applied),
		RequiresApproval: req.RequiresApproval,
		RequestedBy:      userID,
		ApprovalDeadline: req.ApprovalDeadline,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Confidence != nil {
		rec.Confidence = decimal.NewNullDecimal(*req.Confidence)
	}
	if rec.Status == ledger.StatusApplied {
		rec.WasApplied = true
		rec.AppliedAt = &now
		rec.ActualOutcome = req.ActualOutcome
	}

	if err := r.ledger.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("appending usage record: %w", err)
	}
	metrics.UsageRecordsTotal.WithLabelValues(string(rec.Status)).Inc()
	metrics.UsageTokensTotal.WithLabelValues(rec.AgentType).Add(float64(rec.TotalTokens()))

	if rec.Status == ledger.StatusPending {
		n := inats.ApprovalNotification{
			DecisionID:     rec.ID,
			OrganizationID: rec.OrganizationID,
			AgentType:      rec.AgentType,
			DecisionType:   rec.DecisionType,
			RequestedBy:    rec.RequestedBy,
			Deadline:       rec.EffectiveDeadline(r.window),
			Timestamp:      now,
		}
		if err := r.events.PublishApprovalPending(ctx, n); err != nil {
			slog.Warn("admission: publishing pending approval", "decision_id", rec.ID, "error", err)
		}
	}

	if status, err := r.accountant.Status(ctx, orgID, uuid.Nil); err != nil {
		slog.Warn("admission: computing status for alert", "organization_id", orgID, "error", err)
	} else {
		alertOnce(ctx, r.cache, r.events, status, now)
	}
	return rec, nil
}
