package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/auth"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

// Log matches the governance_audit_logs table schema.
type Log struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID *uuid.UUID      `json:"organization_id,omitempty"`
	ActorID        *uuid.UUID      `json:"actor_id,omitempty"`
	EventType      string          `json:"event_type"`
	Severity       string          `json:"severity"`
	ResourceType   string          `json:"resource_type,omitempty"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for audit log queries.
// A nil OrganizationID lists every tenant plus global events.
type ListParams struct {
	OrganizationID *uuid.UUID
	EventType      string
	Severity       string
	From           *time.Time
	To             *time.Time
	Page           int
	PageSize       int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}

func (p *ListParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
}

// FromEvent converts a published event into a row.
func FromEvent(event inats.AuditEvent) *Log {
	l := &Log{
		ID:             uuid.New(),
		OrganizationID: event.OrganizationID,
		EventType:      event.EventType,
		Severity:       event.Severity,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		Details:        event.Details,
		CreatedAt:      event.Timestamp,
	}
	if event.ActorID != uuid.Nil {
		actor := event.ActorID
		l.ActorID = &actor
	}
	if l.Severity == "" {
		l.Severity = inats.SeverityInfo
	}
	if len(l.Details) == 0 {
		l.Details = json.RawMessage(`{}`)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return l
}

// NewEvent builds an audit event for a mutation performed by actor. orgID is
// uuid.Nil for global changes.
func NewEvent(actor auth.Principal, orgID uuid.UUID, eventType, resourceType, resourceID string, details any) inats.AuditEvent {
	e := inats.AuditEvent{
		ActorID:      actor.UserID,
		EventType:    eventType,
		Severity:     inats.SeverityInfo,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if orgID != uuid.Nil {
		e.OrganizationID = &orgID
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			e.Details = data
		}
	}
	return e
}

// Emit publishes e without failing the caller; audit delivery is best effort.
func Emit(ctx context.Context, events inats.Events, e inats.AuditEvent) {
	if events == nil {
		return
	}
	if err := events.PublishAuditEvent(ctx, e); err != nil {
		slog.Warn("publishing audit event", "event_type", e.EventType, "resource_id", e.ResourceID, "error", err)
	}
}
