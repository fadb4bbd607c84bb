package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/aigov/internal/governance/errs"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func newRecord(org uuid.UUID, tokens int64, at time.Time) *Record {
	return &Record{
		ID:               uuid.New(),
		OrganizationID:   org,
		AgentType:        "planner",
		DecisionType:     "task_assignment",
		PromptTokens:     tokens / 2,
		CompletionTokens: tokens - tokens/2,
		Cost:             decimal.NewFromInt(tokens).Div(decimal.NewFromInt(1000)),
		Success:          true,
		Status:           StatusApproved,
		RequestedBy:      uuid.New(),
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

func TestMemory_TotalsHalfOpenWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	org := uuid.New()
	start, end := t0, t0.AddDate(0, 1, 0)

	atStart := newRecord(org, 100, start)
	inside := newRecord(org, 200, start.Add(12*time.Hour))
	inside.WasApplied = true
	atEnd := newRecord(org, 400, end)
	before := newRecord(org, 800, start.Add(-time.Nanosecond))
	otherOrg := newRecord(uuid.New(), 1600, start.Add(time.Hour))
	for _, r := range []*Record{atStart, inside, atEnd, before, otherOrg} {
		require.NoError(t, repo.Append(ctx, r))
	}

	totals, err := repo.Totals(ctx, Filter{OrganizationID: &org, From: start, To: end})
	require.NoError(t, err)
	assert.Equal(t, int64(300), totals.Tokens, "record at start included, record at end excluded")
	assert.Equal(t, int64(2), totals.Requests)
	assert.Equal(t, int64(1), totals.Decisions, "only applied records count as decisions")
	assert.True(t, decimal.RequireFromString("0.3").Equal(totals.Cost))
}

func TestMemory_TotalsPerUser(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	org := uuid.New()

	mine := newRecord(org, 100, t0)
	theirs := newRecord(org, 900, t0)
	require.NoError(t, repo.Append(ctx, mine))
	require.NoError(t, repo.Append(ctx, theirs))

	totals, err := repo.Totals(ctx, Filter{OrganizationID: &org, RequestedBy: &mine.RequestedBy})
	require.NoError(t, err)
	assert.Equal(t, int64(100), totals.Tokens)
}

func TestMemory_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	org := uuid.New()

	for i := 0; i < 5; i++ {
		r := newRecord(org, 10, t0.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			r.DecisionType = "sprint_planning"
		}
		require.NoError(t, repo.Append(ctx, r))
	}

	f := Filter{OrganizationID: &org, DecisionType: "sprint_planning"}
	n, err := repo.Count(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	first, err := repo.List(ctx, f, 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, t0.Add(4*time.Hour), first[0].CreatedAt, "newest first")

	rest, err := repo.List(ctx, f, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, t0, rest[0].CreatedAt)
}

func TestMemory_ListPendingOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	org := uuid.New()

	explicit := t0.Add(10 * time.Hour)
	urgent := newRecord(org, 1, t0)
	urgent.Status = StatusPending
	urgent.ApprovalDeadline = &explicit

	// Same effective deadline, different creation times.
	olderTie := newRecord(org, 1, t0.Add(time.Hour))
	olderTie.Status = StatusPending
	tieDeadline := t0.Add(49 * time.Hour)
	olderTie.ApprovalDeadline = &tieDeadline
	newerTie := newRecord(org, 1, t0.Add(time.Hour+time.Minute))
	newerTie.Status = StatusPending
	newerTie.ApprovalDeadline = &tieDeadline

	// Default deadline t0+2h+48h.
	implicit := newRecord(org, 1, t0.Add(2*time.Hour))
	implicit.Status = StatusPending

	done := newRecord(org, 1, t0)
	for _, r := range []*Record{implicit, newerTie, done, olderTie, urgent} {
		require.NoError(t, repo.Append(ctx, r))
	}

	got, err := repo.ListPending(ctx, PendingQuery{OrganizationID: &org, Window: 48 * time.Hour, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, urgent.ID, got[0].ID)
	assert.Equal(t, newerTie.ID, got[1].ID)
	assert.Equal(t, olderTie.ID, got[2].ID)
	assert.Equal(t, implicit.ID, got[3].ID)
}

func TestMemory_ListExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	org := uuid.New()

	stale := newRecord(org, 1, t0)
	stale.Status = StatusPending
	fresh := newRecord(org, 1, t0.Add(24*time.Hour))
	fresh.Status = StatusPending
	require.NoError(t, repo.Append(ctx, stale))
	require.NoError(t, repo.Append(ctx, fresh))

	got, err := repo.ListExpired(ctx, t0.Add(49*time.Hour), 48*time.Hour, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestMemory_ListExpiredPagesByCursor(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	org := uuid.New()

	for i := 0; i < 5; i++ {
		r := newRecord(org, 1, t0.Add(time.Duration(i/2)*time.Minute))
		r.Status = StatusPending
		require.NoError(t, repo.Append(ctx, r))
	}

	now := t0.Add(72 * time.Hour)
	var (
		after Cursor
		seen  = map[uuid.UUID]bool{}
	)
	for {
		batch, err := repo.ListExpired(ctx, now, 48*time.Hour, after, 2)
		require.NoError(t, err)
		for i := range batch {
			assert.False(t, seen[batch[i].ID], "record listed twice")
			seen[batch[i].ID] = true
		}
		if len(batch) < 2 {
			break
		}
		last := batch[len(batch)-1]
		after = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	assert.Len(t, seen, 5)
}

func TestMemory_TransitionVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	rec := newRecord(uuid.New(), 1, t0)
	rec.Status = StatusPending
	require.NoError(t, repo.Append(ctx, rec))

	a, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	b, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)

	a.Status = StatusApproved
	require.NoError(t, repo.Transition(ctx, a))
	assert.Equal(t, 1, a.Version)

	b.Status = StatusRejected
	err = repo.Transition(ctx, b)
	assert.ErrorIs(t, err, errs.ErrConflict)

	stored, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
}

func TestMemory_ConcurrentTransitionsOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	rec := newRecord(uuid.New(), 1, t0)
	rec.Status = StatusPending
	require.NoError(t, repo.Append(ctx, rec))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := *rec
			r.Status = StatusApproved
			err := repo.Transition(ctx, &r)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, errs.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)
}

func TestMemory_StatsAndGroups(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	org := uuid.New()

	recs := []*Record{
		newRecord(org, 100, t0),
		newRecord(org, 300, t0),
		newRecord(org, 50, t0),
	}
	recs[0].Status = StatusPending
	recs[0].Confidence = decimal.NewNullDecimal(decimal.RequireFromString("0.8"))
	recs[1].Status = StatusRejected
	recs[1].AgentType = "reviewer"
	recs[1].Confidence = decimal.NewNullDecimal(decimal.RequireFromString("0.6"))
	recs[2].Status = StatusApplied
	for _, r := range recs {
		require.NoError(t, repo.Append(ctx, r))
	}

	s, err := repo.Stats(ctx, Filter{OrganizationID: &org})
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(1), s.Pending)
	assert.Equal(t, int64(1), s.Rejected)
	assert.Equal(t, int64(1), s.Applied)
	assert.True(t, decimal.RequireFromString("0.7").Equal(s.AvgConfidence), "null confidence is ignored")
	assert.Equal(t, int64(450), s.TotalTokens)

	byVolume, err := repo.GroupBy(ctx, Filter{OrganizationID: &org}, GroupAgentType, OrderByDecisions, 10)
	require.NoError(t, err)
	require.Len(t, byVolume, 2)
	assert.Equal(t, "planner", byVolume[0].Key)
	assert.Equal(t, int64(2), byVolume[0].Decisions)

	byTokens, err := repo.GroupBy(ctx, Filter{OrganizationID: &org}, GroupAgentType, OrderByTokens, 1)
	require.NoError(t, err)
	require.Len(t, byTokens, 1)
	assert.Equal(t, "reviewer", byTokens[0].Key)
	assert.Equal(t, int64(300), byTokens[0].Tokens)
}

func TestRecord_Expiry(t *testing.T) {
	rec := newRecord(uuid.New(), 1, t0)
	rec.Status = StatusPending
	rec.RequiresApproval = true

	assert.Equal(t, t0.Add(48*time.Hour), rec.EffectiveDeadline(0))
	assert.False(t, rec.IsExpired(t0.Add(48*time.Hour), 0), "deadline instant itself is not past")
	assert.True(t, rec.IsExpired(t0.Add(49*time.Hour), 0))

	v := rec.View(t0.Add(49*time.Hour), 0)
	assert.True(t, v.IsExpired)
	assert.Equal(t, StatusPending, v.Status, "stored status is untouched")
	assert.Equal(t, StatusExpired, v.DisplayStatus)

	rec.Status = StatusApproved
	assert.False(t, rec.IsExpired(t0.Add(100*time.Hour), 0), "only pending records expire")
}
