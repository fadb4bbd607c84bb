package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/aigov/internal/governance/ledger"
)

func TestComputeStatus_ExceededScenario(t *testing.T) {
	eq := EffectiveQuota{TokenLimit: 1000, AlertThreshold: 80}
	period := PeriodAt(date(2026, 4, 10, 0), 1)

	s := ComputeStatus(eq, ledger.Totals{Tokens: 1100, Requests: 2}, period, date(2026, 4, 10, 0))

	assert.Equal(t, int64(1100), s.Tokens.Used)
	assert.Equal(t, 110.0, s.Tokens.Percentage)
	assert.Equal(t, 100.0, s.Tokens.DisplayPercentage)
	assert.True(t, s.Tokens.Exceeded)
	assert.True(t, s.IsExceeded)
	assert.True(t, s.IsAlert)
	assert.Equal(t, 100.0, s.Utilization)
	assert.Equal(t, int64(100), s.OverageTokens)

	dim, used, limit, ok := s.ExceededDimension()
	require.True(t, ok)
	assert.Equal(t, DimTokens, dim)
	assert.Equal(t, "1100", used)
	assert.Equal(t, "1000", limit)
}

func TestComputeStatus_ZeroLimitIsUnlimited(t *testing.T) {
	s := ComputeStatus(EffectiveQuota{AlertThreshold: 80}, ledger.Totals{Tokens: 1 << 40, Cost: decimal.NewFromInt(999)},
		PeriodAt(date(2026, 4, 10, 0), 1), date(2026, 4, 10, 0))

	assert.False(t, s.IsExceeded)
	assert.False(t, s.IsAlert)
	assert.Zero(t, s.Tokens.Percentage)
	assert.Zero(t, s.Utilization)
}

func TestComputeStatus_AlertBelowExceeded(t *testing.T) {
	eq := EffectiveQuota{RequestLimit: 100, CostLimit: decimal.NewFromInt(10), AlertThreshold: 80}
	s := ComputeStatus(eq, ledger.Totals{Requests: 50, Cost: decimal.RequireFromString("8.5")},
		PeriodAt(date(2026, 4, 10, 0), 1), date(2026, 4, 10, 0))

	assert.False(t, s.IsExceeded)
	assert.True(t, s.IsAlert, "cost at 85% crosses the threshold")
	assert.Equal(t, 85.0, s.Cost.Percentage)
	assert.Equal(t, 85.0, s.Utilization)
}

func TestComputeStatus_OverageCharge(t *testing.T) {
	eq := EffectiveQuota{TokenLimit: 1000, AllowOverage: true, OverageRate: decimal.RequireFromString("0.02"), AlertThreshold: 80}
	s := ComputeStatus(eq, ledger.Totals{Tokens: 3500}, PeriodAt(date(2026, 4, 10, 0), 1), date(2026, 4, 10, 0))

	assert.Equal(t, int64(2500), s.OverageTokens)
	assert.True(t, decimal.RequireFromString("0.05").Equal(s.OverageCharge))
}

func TestAccountant_StatusUsesCurrentPeriod(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	usage := ledger.NewMemoryRepository()
	org, user := uuid.New(), uuid.New()
	require.NoError(t, store.UpsertOrganizationQuota(ctx, &OrganizationQuota{
		OrganizationID:    org,
		IsAIEnabled:       true,
		MonthlyTokenLimit: ptr(int64(1000)),
		ResetDayOfMonth:   31,
	}))

	now := date(2026, 4, 30, 12)
	add := func(tokens int64, at time.Time, by uuid.UUID) {
		require.NoError(t, usage.Append(ctx, &ledger.Record{
			ID: uuid.New(), OrganizationID: org, PromptTokens: tokens, Status: ledger.StatusApproved,
			RequestedBy: by, CreatedAt: at, UpdatedAt: at,
		}))
	}
	add(400, date(2026, 4, 30, 0), user)
	add(700, date(2026, 4, 30, 6), uuid.New())
	add(5000, date(2026, 4, 29, 23), user)

	a := NewAccountant(NewResolver(store, testDefaults), usage)
	a.now = func() time.Time { return now }

	s, err := a.Status(ctx, org, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, date(2026, 4, 30, 0), s.PeriodStart)
	assert.Equal(t, date(2026, 5, 31, 0), s.PeriodEnd)
	assert.Equal(t, int64(1100), s.Tokens.Used)
	assert.Equal(t, 110.0, s.Tokens.Percentage)
	assert.True(t, s.IsExceeded)
	assert.Equal(t, 31, s.DaysRemaining)

	mine, err := a.Status(ctx, org, user)
	require.NoError(t, err)
	assert.Equal(t, int64(400), mine.Tokens.Used, "user status counts only the user's records")
	assert.False(t, mine.IsExceeded)
}
