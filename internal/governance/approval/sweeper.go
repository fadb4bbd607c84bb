package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/aiox-platform/aigov/internal/cache"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

const (
	sweepBatch = 500
	// Expired decisions are announced again once their marker lapses.
	expiryMarkerTTL = 30 * 24 * time.Hour
)

// Sweeper announces decisions whose review window lapsed. Reads already report
// expiry on their own; the sweeper only notifies, once per decision.
type Sweeper struct {
	repo     ledger.Repository
	cache    cache.Cache
	events   inats.Events
	window   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(repo ledger.Repository, c cache.Cache, events inats.Events, window, interval time.Duration) *Sweeper {
	if window <= 0 {
		window = ledger.DefaultApprovalWindow
	}
	return &Sweeper{repo: repo, cache: c, events: events, window: window, interval: interval, now: time.Now}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("approval sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Warn("approval sweeper: sweeping expired decisions", "error", err)
			} else if n > 0 {
				slog.Info("approval sweeper: notified expired decisions", "count", n)
			}
		}
	}
}

// Sweep publishes one expiry notification per newly expired decision and
// returns how many were sent. The whole backlog is walked in batches so
// decisions already announced never hide newer ones.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()

	var (
		after ledger.Cursor
		sent  int
	)
	for {
		recs, err := s.repo.ListExpired(ctx, now, s.window, after, sweepBatch)
		if err != nil {
			return sent, err
		}
		for i := range recs {
			if s.notify(ctx, &recs[i], now) {
				sent++
			}
		}
		if len(recs) < sweepBatch {
			return sent, nil
		}
		last := &recs[len(recs)-1]
		after = ledger.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

func (s *Sweeper) notify(ctx context.Context, rec *ledger.Record, now time.Time) bool {
	first, err := s.cache.SetNX(ctx, expiryMarker(rec), []byte("1"), expiryMarkerTTL)
	if err != nil {
		slog.Warn("approval sweeper: dedupe marker", "decision_id", rec.ID, "error", err)
		return false
	}
	if !first {
		return false
	}

	n := inats.ApprovalNotification{
		DecisionID:     rec.ID,
		OrganizationID: rec.OrganizationID,
		AgentType:      rec.AgentType,
		DecisionType:   rec.DecisionType,
		RequestedBy:    rec.RequestedBy,
		Deadline:       rec.EffectiveDeadline(s.window),
		Timestamp:      now,
	}
	if err := s.events.PublishApprovalExpired(ctx, n); err != nil {
		slog.Warn("approval sweeper: publishing expiry", "decision_id", rec.ID, "error", err)
		_ = s.cache.Delete(ctx, expiryMarker(rec))
		return false
	}
	return true
}

func expiryMarker(rec *ledger.Record) string {
	return "approval-expired:" + rec.ID.String()
}
