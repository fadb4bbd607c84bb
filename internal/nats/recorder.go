package nats

import (
	"context"
	"sync"
)

// Recorder keeps published events in memory. Setting Err makes every publish
// fail with it.
type Recorder struct {
	mu      sync.Mutex
	Err     error
	audits  []AuditEvent
	alerts  []QuotaAlert
	pending []ApprovalNotification
	expired []ApprovalNotification
}

func (r *Recorder) PublishAuditEvent(_ context.Context, e AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.audits = append(r.audits, e)
	return nil
}

func (r *Recorder) PublishQuotaAlert(_ context.Context, a QuotaAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *Recorder) PublishApprovalPending(_ context.Context, n ApprovalNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.pending = append(r.pending, n)
	return nil
}

func (r *Recorder) PublishApprovalExpired(_ context.Context, n ApprovalNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.expired = append(r.expired, n)
	return nil
}

func (r *Recorder) AuditEvents() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEvent(nil), r.audits...)
}

func (r *Recorder) QuotaAlerts() []QuotaAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]QuotaAlert(nil), r.alerts...)
}

func (r *Recorder) ApprovalsPending() []ApprovalNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ApprovalNotification(nil), r.pending...)
}

func (r *Recorder) ApprovalsExpired() []ApprovalNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ApprovalNotification(nil), r.expired...)
}
