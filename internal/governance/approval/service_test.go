package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
	"github.com/aiox-platform/aigov/internal/governance/errs"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

type fixture struct {
	svc    *Service
	repo   *ledger.MemoryRepository
	events *inats.Recorder
	org    uuid.UUID
	admin  auth.Principal
	member auth.Principal
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	az, err := authz.NewDefault()
	require.NoError(t, err)

	f := &fixture{
		repo:   ledger.NewMemoryRepository(),
		events: &inats.Recorder{},
		org:    uuid.New(),
		now:    t0.Add(time.Hour),
	}
	f.admin = auth.Principal{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleAdmin}
	f.member = auth.Principal{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleMember}
	f.svc = NewService(f.repo, az, f.events, 0)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) pending(t *testing.T, org uuid.UUID, createdAt time.Time, deadline *time.Time) *ledger.Record {
	t.Helper()
	rec := &ledger.Record{
		ID:               uuid.New(),
		OrganizationID:   org,
		AgentType:        "planner",
		DecisionType:     "task_assignment",
		PromptTokens:     120,
		CompletionTokens: 80,
		Cost:             decimal.RequireFromString("0.004"),
		Success:          true,
		Status:           ledger.StatusPending,
		RequiresApproval: true,
		RequestedBy:      f.member.UserID,
		ApprovalDeadline: deadline,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	require.NoError(t, f.repo.Append(context.Background(), rec))
	return rec
}

func TestService_ApproveThenApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.pending(t, f.org, t0, nil)

	_, err := f.svc.Apply(ctx, f.member, rec.ID, ApplyRequest{})
	assert.ErrorIs(t, err, errs.ErrConflict, "pending decisions cannot be applied")

	_, err = f.svc.Approve(ctx, f.member, rec.ID, ReviewRequest{})
	assert.ErrorIs(t, err, errs.ErrUnauthorized, "members cannot approve")

	v, err := f.svc.Approve(ctx, f.admin, rec.ID, ReviewRequest{Notes: "fine"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, v.Status)
	assert.Equal(t, 1, v.Version)

	v, err = f.svc.Apply(ctx, f.member, rec.ID, ApplyRequest{ActualOutcome: "assigned"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApplied, v.Status)
	assert.True(t, v.WasApplied)

	stored, err := f.repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApplied, stored.Status)
	assert.Equal(t, 2, stored.Version)

	events := f.events.AuditEvents()
	require.Len(t, events, 2)
	assert.Equal(t, inats.EventDecisionApproved, events[0].EventType)
	assert.Equal(t, inats.EventDecisionApplied, events[1].EventType)
	assert.Equal(t, rec.ID.String(), events[1].ResourceID)
}

func TestService_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	foreign := f.pending(t, uuid.New(), t0, nil)

	_, err := f.svc.Approve(ctx, f.admin, foreign.ID, ReviewRequest{})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.svc.Get(ctx, f.admin, foreign.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	super := auth.Principal{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleSuperAdmin}
	v, err := f.svc.Reject(ctx, super, foreign.ID, ReviewRequest{Notes: "out of policy"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, v.Status)

	_, err = f.svc.Get(ctx, f.admin, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestService_ConcurrentApproveRejectHasOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		rec := f.pending(t, f.org, t0, nil)

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = f.svc.Approve(context.Background(), f.admin, rec.ID, ReviewRequest{})
		}()
		go func() {
			defer wg.Done()
			_, results[1] = f.svc.Reject(context.Background(), f.admin, rec.ID, ReviewRequest{})
		}()
		wg.Wait()

		var ok, conflicts int
		for _, err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrConflict):
				conflicts++
			}
		}
		require.Equal(t, 1, ok, "exactly one transition wins")
		require.Equal(t, 1, conflicts, "the other observes a conflict")
	}
}

func TestService_ListPendingFlagsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.pending(t, f.org, t0, nil)
	explicit := t0.Add(72 * time.Hour)
	fresh := f.pending(t, f.org, t0.Add(time.Hour), &explicit)
	f.pending(t, uuid.New(), t0, nil)

	f.now = t0.Add(49 * time.Hour)
	views, total, err := f.svc.ListPending(ctx, f.admin, PendingParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, views, 2)

	assert.Equal(t, old.ID, views[0].ID, "earliest effective deadline first")
	assert.True(t, views[0].IsExpired)
	assert.Equal(t, ledger.StatusPending, views[0].Status, "expiry never rewrites the stored status")
	assert.Equal(t, ledger.StatusExpired, views[0].DisplayStatus)
	require.NotNil(t, views[0].EffectiveDeadline)
	assert.Equal(t, t0.Add(48*time.Hour), *views[0].EffectiveDeadline)

	assert.Equal(t, fresh.ID, views[1].ID)
	assert.False(t, views[1].IsExpired)

	_, err = f.svc.Approve(ctx, f.admin, old.ID, ReviewRequest{})
	assert.ErrorIs(t, err, ErrDeadlinePassed)
}

func TestService_ListPendingScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := uuid.New()
	f.pending(t, f.org, t0, nil)
	f.pending(t, other, t0, nil)

	views, _, err := f.svc.ListPending(ctx, f.admin, PendingParams{OrganizationID: &other})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, f.org, views[0].OrganizationID, "admins are pinned to their organization")

	super := auth.Principal{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleSuperAdmin}
	views, total, err := f.svc.ListPending(ctx, super, PendingParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, views, 2)
}
