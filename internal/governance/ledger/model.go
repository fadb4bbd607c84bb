// Package ledger is the append-only record of AI invocations. Quota status and
// reports are aggregated from it at read time; records are only ever mutated by
// approval transitions.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
)

// StatusExpired is never stored. It is reported for pending records whose
// deadline has passed.
const StatusExpired Status = "expired"

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusApplied:
		return true
	}
	return false
}

// DefaultApprovalWindow is used when a record carries no explicit deadline.
const DefaultApprovalWindow = 48 * time.Hour

// Record is one AI invocation.
type Record struct {
	ID               uuid.UUID           `json:"id"`
	OrganizationID   uuid.UUID           `json:"organization_id"`
	AgentType        string              `json:"agent_type"`
	DecisionType     string              `json:"decision_type"`
	EntityType       string              `json:"entity_type,omitempty"`
	EntityID         string              `json:"entity_id,omitempty"`
	EntityName       string              `json:"entity_name,omitempty"`
	PromptTokens     int64               `json:"prompt_tokens"`
	CompletionTokens int64               `json:"completion_tokens"`
	Cost             decimal.Decimal     `json:"cost"`
	Confidence       decimal.NullDecimal `json:"confidence"`
	ExecutionTimeMs  int64               `json:"execution_time_ms"`
	Success          bool                `json:"success"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	Status           Status              `json:"status"`
	RequiresApproval bool                `json:"requires_approval"`
	RequestedBy      uuid.UUID           `json:"requested_by"`
	ApprovalDeadline *time.Time          `json:"approval_deadline,omitempty"`
	ReviewedBy       *uuid.UUID          `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time          `json:"reviewed_at,omitempty"`
	ReviewNotes      string              `json:"review_notes,omitempty"`
	WasApplied       bool                `json:"was_applied"`
	AppliedAt        *time.Time          `json:"applied_at,omitempty"`
	ActualOutcome    string              `json:"actual_outcome,omitempty"`
	Version          int                 `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func (r *Record) TotalTokens() int64 {
	return r.PromptTokens + r.CompletionTokens
}

// EffectiveDeadline is the explicit deadline, or CreatedAt plus window.
func (r *Record) EffectiveDeadline(window time.Duration) time.Time {
	if r.ApprovalDeadline != nil {
		return *r.ApprovalDeadline
	}
	if window <= 0 {
		window = DefaultApprovalWindow
	}
	return r.CreatedAt.Add(window)
}

// IsExpired reports whether a pending record is past its effective deadline.
func (r *Record) IsExpired(now time.Time, window time.Duration) bool {
	return r.Status == StatusPending && now.After(r.EffectiveDeadline(window))
}

// View is a Record with its time-derived fields evaluated.
type View struct {
	Record
	EffectiveDeadline *time.Time `json:"effective_deadline,omitempty"`
	IsExpired         bool       `json:"is_expired"`
	DisplayStatus     Status     `json:"display_status"`
}

func (r *Record) View(now time.Time, window time.Duration) View {
	v := View{Record: *r, DisplayStatus: r.Status}
	if r.RequiresApproval {
		d := r.EffectiveDeadline(window)
		v.EffectiveDeadline = &d
	}
	if r.IsExpired(now, window) {
		v.IsExpired = true
		v.DisplayStatus = StatusExpired
	}
	return v
}

// Filter selects records. Zero values match everything; From/To bound
// created_at as [From, To).
type Filter struct {
	OrganizationID *uuid.UUID
	RequestedBy    *uuid.UUID
	From           time.Time
	To             time.Time
	DecisionType   string
	AgentType      string
	Status         Status
}

// Totals are the quota dimensions summed over a window. Requests counts every
// invocation; Decisions counts only applied ones.
type Totals struct {
	Tokens    int64           `json:"tokens"`
	Requests  int64           `json:"requests"`
	Decisions int64           `json:"decisions"`
	Cost      decimal.Decimal `json:"cost"`
}

// Stats summarize decisions for the overview.
type Stats struct {
	Total         int64           `json:"total"`
	Pending       int64           `json:"pending"`
	Approved      int64           `json:"approved"`
	Rejected      int64           `json:"rejected"`
	Applied       int64           `json:"applied"`
	AvgConfidence decimal.Decimal `json:"avg_confidence"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalTokens   int64           `json:"total_tokens"`
}

type GroupKey string

const (
	GroupAgentType    GroupKey = "agent_type"
	GroupDecisionType GroupKey = "decision_type"
)

type GroupOrder string

const (
	OrderByDecisions GroupOrder = "decisions"
	OrderByTokens    GroupOrder = "tokens"
)

// Group is one row of a grouped aggregation.
type Group struct {
	Key       string          `json:"key"`
	Decisions int64           `json:"decisions"`
	Tokens    int64           `json:"tokens"`
	Cost      decimal.Decimal `json:"cost"`
}

// PendingQuery lists pending records by urgency.
type PendingQuery struct {
	OrganizationID *uuid.UUID
	DecisionType   string
	Window         time.Duration
	Limit          int
	Offset         int
}
