package usage

import (
	"bytes"
	"context"
	"strings"
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
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	repo       *ledger.MemoryRepository
	org, other uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	az, err := authz.NewDefault()
	require.NoError(t, err)
	repo := ledger.NewMemoryRepository()
	f := &fixture{svc: NewService(repo, az, 0), repo: repo, org: uuid.New(), other: uuid.New()}
	f.svc.now = func() time.Time { return t0.Add(72 * time.Hour) }
	return f
}

func (f *fixture) add(t *testing.T, org uuid.UUID, decision string, status ledger.Status, at time.Time) ledger.Record {
	t.Helper()
	rec := ledger.Record{
		ID:               uuid.New(),
		OrganizationID:   org,
		AgentType:        "planner",
		DecisionType:     decision,
		PromptTokens:     40,
		CompletionTokens: 60,
		Cost:             decimal.RequireFromString("0.0125"),
		Status:           status,
		RequiresApproval: status == ledger.StatusPending,
		RequestedBy:      uuid.New(),
		Version:          1,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	require.NoError(t, f.repo.Append(context.Background(), &rec))
	return rec
}

func TestList_ScopesToOwnOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.add(t, f.org, "priority", ledger.StatusApproved, t0.Add(time.Duration(i)*time.Hour))
	}
	f.add(t, f.other, "priority", ledger.StatusApproved, t0)

	member := auth.Principal{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleMember}
	views, total, err := f.svc.List(ctx, member, ListParams{OrganizationID: &f.other})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "the requested organization is ignored")
	require.Len(t, views, 3)
	assert.Equal(t, t0.Add(2*time.Hour), views[0].CreatedAt, "newest first")

	super := auth.Principal{UserID: uuid.New(), Role: auth.RoleSuperAdmin}
	_, total, err = f.svc.List(ctx, super, ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}

func TestList_PagingAndFilters(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.add(t, f.org, "priority", ledger.StatusApproved, t0.Add(time.Duration(i)*time.Minute))
	}
	pending := f.add(t, f.org, "task_assignment", ledger.StatusPending, t0)

	admin := auth.Principal{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleAdmin}
	ctx := context.Background()

	views, total, err := f.svc.List(ctx, admin, ListParams{Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(26), total)
	assert.Len(t, views, 6)

	views, _, err = f.svc.List(ctx, admin, ListParams{Status: ledger.StatusPending})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, pending.ID, views[0].ID)
	assert.True(t, views[0].IsExpired, "48h window passed at t0+72h")
	assert.Equal(t, ledger.StatusExpired, views[0].DisplayStatus)

	_, total, err = f.svc.List(ctx, admin, ListParams{From: t0.Add(10 * time.Minute), To: t0.Add(20 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(10), total, "to is exclusive")

	_, _, err = f.svc.List(ctx, admin, ListParams{From: t0, To: t0})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, _, err = f.svc.List(ctx, admin, ListParams{Status: "archived"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestList_PageSizeBounds(t *testing.T) {
	p := ListParams{PageSize: 1000}
	p.normalize()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 100, p.PageSize)

	p = ListParams{}
	p.normalize()
	assert.Equal(t, 20, p.PageSize)
}

func TestExport_RoundTrip(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.add(t, f.org, "priority", ledger.StatusApproved, t0.Add(time.Duration(i)*time.Hour))
	}
	f.add(t, f.other, "priority", ledger.StatusApproved, t0)

	admin := auth.Principal{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleAdmin}
	var buf bytes.Buffer
	n, err := f.svc.Export(context.Background(), admin, ListParams{Page: 2, PageSize: 1}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "paging does not apply to exports")

	recs, err := ledger.ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, f.org, r.OrganizationID)
		assert.Equal(t, int64(100), r.TotalTokens())
	}
}

// appendingRepo appends a fresh record the first time a batch is read.
type appendingRepo struct {
	*ledger.MemoryRepository
	late *ledger.Record
}

func (r *appendingRepo) List(ctx context.Context, f ledger.Filter, limit, offset int) ([]ledger.Record, error) {
	if r.late != nil {
		if err := r.MemoryRepository.Append(ctx, r.late); err != nil {
			return nil, err
		}
		r.late = nil
	}
	return r.MemoryRepository.List(ctx, f, limit, offset)
}

func TestExport_IgnoresRecordsAppendedDuringExport(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.add(t, f.org, "priority", ledger.StatusApproved, t0.Add(time.Duration(i)*time.Hour))
	}
	late := &ledger.Record{
		ID: uuid.New(), OrganizationID: f.org, AgentType: "planner", DecisionType: "priority",
		Status: ledger.StatusApproved, RequestedBy: uuid.New(), Version: 1,
		CreatedAt: t0.Add(72*time.Hour + time.Second), UpdatedAt: t0.Add(72*time.Hour + time.Second),
	}
	f.svc.repo = &appendingRepo{MemoryRepository: f.repo, late: late}

	admin := auth.Principal{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleAdmin}
	var buf bytes.Buffer
	n, err := f.svc.Export(context.Background(), admin, ListParams{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := ledger.ReadCSV(&buf)
	require.NoError(t, err)
	for _, r := range recs {
		assert.NotEqual(t, late.ID, r.ID)
	}
}

func TestExport_EmptyStillHasHeader(t *testing.T) {
	f := newFixture(t)
	super := auth.Principal{UserID: uuid.New(), Role: auth.RoleSuperAdmin}

	var buf bytes.Buffer
	n, err := f.svc.Export(context.Background(), super, ListParams{}, &buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, strings.HasPrefix(buf.String(), "id,organization_id,"))
}

func TestExport_MembersCannotExport(t *testing.T) {
	f := newFixture(t)
	member := auth.Principal{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleMember}

	params := ListParams{}
	assert.ErrorIs(t, f.svc.Authorize(member, &params), errs.ErrUnauthorized)

	var buf bytes.Buffer
	_, err := f.svc.Export(context.Background(), member, ListParams{}, &buf)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Zero(t, buf.Len())
}
