package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents        = "AIGOV_EVENTS"
	StreamNotifications = "AIGOV_NOTIFICATIONS"
)

// Subject constants.
const (
	SubjectAuditEvent      = "aigov.events.audit"
	SubjectQuotaAlert      = "aigov.notifications.quota_alert"
	SubjectApprovalPending = "aigov.notifications.approval_pending"
	SubjectApprovalExpired = "aigov.notifications.approval_expired"
)

// Audit event types.
const (
	EventDecisionApproved  = "decision.approved"
	EventDecisionRejected  = "decision.rejected"
	EventDecisionApplied   = "decision.applied"
	EventKillSwitchToggled = "killswitch.toggled"
	EventTemplateCreated   = "template.created"
	EventTemplateUpdated   = "template.updated"
	EventTemplateDeleted   = "template.deleted"
	EventQuotaUpdated      = "quota.updated"
	EventOverrideUpdated   = "override.updated"
	EventOverrideDeleted   = "override.deleted"
)

// Severities.
const (
	SeverityInfo = "info"
	SeverityWarn = "warn"
)

// AuditEvent is published for every governance mutation. OrganizationID is nil
// for global changes such as the kill switch.
type AuditEvent struct {
	OrganizationID *uuid.UUID      `json:"organization_id,omitempty"`
	ActorID        uuid.UUID       `json:"actor_id"`
	EventType      string          `json:"event_type"`
	Severity       string          `json:"severity"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	Details        json.RawMessage `json:"details,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// QuotaAlert is published once per period when usage crosses the alert threshold.
type QuotaAlert struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         uuid.UUID `json:"user_id,omitempty"`
	Tier           string    `json:"tier"`
	Utilization    float64   `json:"utilization"`
	AlertThreshold int       `json:"alert_threshold"`
	IsExceeded     bool      `json:"is_exceeded"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	Timestamp      time.Time `json:"timestamp"`
}

// MsgID identifies the alert for JetStream deduplication.
func (a QuotaAlert) MsgID() string {
	return fmt.Sprintf("quota:%s:%s:%s", a.OrganizationID, a.UserID, a.PeriodStart.Format("2006-01-02"))
}

// ApprovalNotification announces a decision waiting for review or one whose
// review window lapsed.
type ApprovalNotification struct {
	DecisionID     uuid.UUID `json:"decision_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	AgentType      string    `json:"agent_type"`
	DecisionType   string    `json:"decision_type"`
	RequestedBy    uuid.UUID `json:"requested_by"`
	Deadline       time.Time `json:"deadline"`
	Timestamp      time.Time `json:"timestamp"`
}
