package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Events is the publishing surface governance services depend on.
type Events interface {
	PublishAuditEvent(ctx context.Context, event AuditEvent) error
	PublishQuotaAlert(ctx context.Context, alert QuotaAlert) error
	PublishApprovalPending(ctx context.Context, n ApprovalNotification) error
	PublishApprovalExpired(ctx context.Context, n ApprovalNotification) error
}

// Publisher publishes governance events to JetStream.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishAuditEvent publishes an audit event.
func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	return p.publish(ctx, SubjectAuditEvent, event)
}

// PublishQuotaAlert publishes with a message id per subject and period, so
// replicas racing on the same threshold crossing produce one message.
func (p *Publisher) PublishQuotaAlert(ctx context.Context, alert QuotaAlert) error {
	return p.publish(ctx, SubjectQuotaAlert, alert, alert.MsgID())
}

func (p *Publisher) PublishApprovalPending(ctx context.Context, n ApprovalNotification) error {
	return p.publish(ctx, SubjectApprovalPending, n, "pending:"+n.DecisionID.String())
}

func (p *Publisher) PublishApprovalExpired(ctx context.Context, n ApprovalNotification) error {
	return p.publish(ctx, SubjectApprovalExpired, n, "expired:"+n.DecisionID.String())
}

func (p *Publisher) publish(ctx context.Context, subject string, data any, msgID ...string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	var opts []jetstream.PublishOpt
	if len(msgID) > 0 {
		opts = append(opts, jetstream.WithMsgID(msgID[0]))
	}
	if _, err := p.js.Publish(ctx, subject, payload, opts...); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// LogEvents logs events instead of publishing them. It is used when no NATS
// server is configured.
type LogEvents struct{}

func (LogEvents) PublishAuditEvent(_ context.Context, e AuditEvent) error {
	slog.Info("audit event", "event_type", e.EventType, "resource_type", e.ResourceType, "resource_id", e.ResourceID)
	return nil
}

func (LogEvents) PublishQuotaAlert(_ context.Context, a QuotaAlert) error {
	slog.Info("quota alert", "organization_id", a.OrganizationID, "utilization", a.Utilization, "exceeded", a.IsExceeded)
	return nil
}

func (LogEvents) PublishApprovalPending(_ context.Context, n ApprovalNotification) error {
	slog.Info("approval pending", "decision_id", n.DecisionID, "deadline", n.Deadline)
	return nil
}

func (LogEvents) PublishApprovalExpired(_ context.Context, n ApprovalNotification) error {
	slog.Info("approval expired", "decision_id", n.DecisionID, "deadline", n.Deadline)
	return nil
}
