package quota

import (
	"context"
	"testing"

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

type serviceFixture struct {
	svc    *Service
	store  *MemoryStore
	usage  *ledger.MemoryRepository
	events *inats.Recorder
	org    uuid.UUID
	super  auth.Principal
	admin  auth.Principal
	member auth.Principal
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	az, err := authz.NewDefault()
	require.NoError(t, err)

	store := NewMemoryStore()
	usage := ledger.NewMemoryRepository()
	events := &inats.Recorder{}
	acct := NewAccountant(NewResolver(store, testDefaults), usage)
	org := uuid.New()

	return &serviceFixture{
		svc:    NewService(store, acct, az, events),
		store:  store,
		usage:  usage,
		events: events,
		org:    org,
		super:  auth.Principal{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleSuperAdmin},
		admin:  auth.Principal{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleAdmin},
		member: auth.Principal{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleMember},
	}
}

func TestService_TemplateLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTemplate(ctx, f.admin, &TemplateRequest{TierName: "pro"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized, "org admins cannot edit tiers")

	created, err := f.svc.CreateTemplate(ctx, f.super, &TemplateRequest{
		TierName:  " pro ",
		MaxTokens: 5000,
		MaxCost:   decimal.NewFromInt(25),
	})
	require.NoError(t, err)
	assert.Equal(t, "pro", created.TierName)
	assert.Equal(t, 80, created.AlertThreshold)
	assert.True(t, created.IsActive)

	_, err = f.svc.CreateTemplate(ctx, f.super, &TemplateRequest{TierName: "pro"})
	assert.ErrorIs(t, err, errs.ErrConflict)

	inactive := false
	updated, err := f.svc.UpdateTemplate(ctx, f.super, created.ID, &TemplateRequest{
		TierName: "pro", MaxTokens: 6000, IsActive: &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), updated.MaxTokens)
	assert.False(t, updated.IsActive)

	listed, err := f.svc.ListTemplates(ctx, f.admin, true)
	require.NoError(t, err)
	assert.Empty(t, listed, "inactive templates are hidden from org admins")

	listed, err = f.svc.ListTemplates(ctx, f.super, true)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, f.svc.DeleteTemplate(ctx, f.super, created.ID))
	assert.ErrorIs(t, f.svc.DeleteTemplate(ctx, f.super, created.ID), errs.ErrNotFound)

	_, err = f.svc.UpdateTemplate(ctx, f.super, created.ID, &TemplateRequest{TierName: "pro"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	var types []string
	for _, e := range f.events.AuditEvents() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{inats.EventTemplateCreated, inats.EventTemplateUpdated, inats.EventTemplateDeleted}, types)
}

func TestService_TemplateRejectsNegativeMoney(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CreateTemplate(context.Background(), f.super, &TemplateRequest{
		TierName: "bad", MaxCost: decimal.NewFromInt(-1),
	})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.svc.CreateTemplate(context.Background(), f.super, &TemplateRequest{
		TierName: "bad", OverageRate: decimal.RequireFromString("-0.01"),
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestService_UpsertOrganizationQuota(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateTemplate(ctx, &Template{ID: uuid.New(), TierName: "pro", IsActive: true}))

	t.Run("unknown tier", func(t *testing.T) {
		_, err := f.svc.UpsertOrganizationQuota(ctx, f.admin, f.org, &OrganizationQuotaRequest{Tier: "platinum"})
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("negative limit", func(t *testing.T) {
		_, err := f.svc.UpsertOrganizationQuota(ctx, f.admin, f.org, &OrganizationQuotaRequest{MonthlyTokenLimit: ptr(int64(-5))})
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("other tenant", func(t *testing.T) {
		_, err := f.svc.UpsertOrganizationQuota(ctx, f.admin, uuid.New(), &OrganizationQuotaRequest{})
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("member", func(t *testing.T) {
		_, err := f.svc.UpsertOrganizationQuota(ctx, f.member, f.org, &OrganizationQuotaRequest{})
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("create then partial update keeps flags", func(t *testing.T) {
		q, err := f.svc.UpsertOrganizationQuota(ctx, f.admin, f.org, &OrganizationQuotaRequest{
			Tier: "pro", ResetDayOfMonth: 15, IsAIEnabled: ptr(false),
		})
		require.NoError(t, err)
		assert.False(t, q.IsAIEnabled)
		assert.Equal(t, 15, q.ResetDayOfMonth)

		q, err = f.svc.UpsertOrganizationQuota(ctx, f.admin, f.org, &OrganizationQuotaRequest{
			Tier: "pro", MonthlyTokenLimit: ptr(int64(9000)),
		})
		require.NoError(t, err)
		assert.False(t, q.IsAIEnabled)
		assert.Equal(t, 15, q.ResetDayOfMonth)
		require.NotNil(t, q.MonthlyTokenLimit)
		assert.Equal(t, int64(9000), *q.MonthlyTokenLimit)

		got, err := f.svc.GetOrganizationQuota(ctx, f.member, f.org)
		require.NoError(t, err)
		assert.Equal(t, "pro", got.Tier)
	})

	t.Run("listing", func(t *testing.T) {
		own, err := f.svc.ListOrganizationQuotas(ctx, f.admin)
		require.NoError(t, err)
		assert.Len(t, own, 1)

		require.NoError(t, f.store.UpsertOrganizationQuota(ctx, &OrganizationQuota{OrganizationID: uuid.New(), IsAIEnabled: true}))
		all, err := f.svc.ListOrganizationQuotas(ctx, f.super)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestService_GetOrganizationQuotaMissing(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.GetOrganizationQuota(context.Background(), f.admin, f.org)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	rows, err := f.svc.ListOrganizationQuotas(context.Background(), f.admin)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestService_UserOverrides(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.UpsertUserOverride(ctx, f.member, f.org, user, &UserOverrideRequest{})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = f.svc.UpsertUserOverride(ctx, f.admin, f.org, user, &UserOverrideRequest{RequestLimit: ptr(int64(-1))})
	assert.ErrorIs(t, err, errs.ErrValidation)

	o, err := f.svc.UpsertUserOverride(ctx, f.admin, f.org, user, &UserOverrideRequest{
		TokenLimit: ptr(int64(50)), IsAIEnabled: ptr(false), Reason: "trial",
	})
	require.NoError(t, err)
	assert.Equal(t, f.admin.UserID, o.UpdatedBy)

	eq, err := f.svc.Effective(ctx, f.admin, f.org, user)
	require.NoError(t, err)
	assert.False(t, eq.AIEnabled)
	assert.Equal(t, int64(50), eq.TokenLimit)
	assert.True(t, eq.HasOverride)

	require.NoError(t, f.svc.DeleteUserOverride(ctx, f.admin, f.org, user))
	_, err = f.svc.GetUserOverride(ctx, f.admin, f.org, user)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	eq, err = f.svc.Effective(ctx, f.admin, f.org, user)
	require.NoError(t, err)
	assert.True(t, eq.AIEnabled, "deleting the override reverts to inheritance")
	assert.Equal(t, testDefaults.MaxTokens, eq.TokenLimit)
}

func TestService_MembersSeeOnlyThemselves(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Status(ctx, f.member, f.org, uuid.New())
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = f.svc.Status(ctx, f.member, uuid.New(), uuid.Nil)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	s, err := f.svc.Status(ctx, f.member, f.org, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, f.member.UserID, s.UserID)

	s, err = f.svc.Status(ctx, f.admin, f.org, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, s.UserID, "admins read the organization-wide status")
}
