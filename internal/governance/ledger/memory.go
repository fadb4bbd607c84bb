package ledger

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aiox-platform/aigov/internal/governance/errs"
)

// MemoryRepository is an in-memory Repository for development and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]Record)}
}

func (m *MemoryRepository) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return errs.Conflict("usage record %s already exists", rec.ID)
	}
	m.records[rec.ID] = *rec
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f Filter) match(r *Record) bool {
	switch {
	case f.OrganizationID != nil && r.OrganizationID != *f.OrganizationID:
		return false
	case f.RequestedBy != nil && r.RequestedBy != *f.RequestedBy:
		return false
	case !f.From.IsZero() && r.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !r.CreatedAt.Before(f.To):
		return false
	case f.DecisionType != "" && r.DecisionType != f.DecisionType:
		return false
	case f.AgentType != "" && r.AgentType != f.AgentType:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	}
	return true
}

func (m *MemoryRepository) selectRecords(f Filter) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if f.match(&r) {
			out = append(out, r)
		}
	}
	return out
}

func page(recs []Record, limit, offset int) []Record {
	if offset >= len(recs) {
		return nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

func (m *MemoryRepository) List(_ context.Context, f Filter, limit, offset int) ([]Record, error) {
	recs := m.selectRecords(f)
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID.String() < recs[j].ID.String()
	})
	return page(recs, limit, offset), nil
}

func (m *MemoryRepository) Count(_ context.Context, f Filter) (int64, error) {
	return int64(len(m.selectRecords(f))), nil
}

func (m *MemoryRepository) Totals(_ context.Context, f Filter) (Totals, error) {
	var t Totals
	for _, r := range m.selectRecords(f) {
		t.Tokens += r.TotalTokens()
		t.Requests++
		if r.WasApplied {
			t.Decisions++
		}
		t.Cost = t.Cost.Add(r.Cost)
	}
	return t, nil
}

func (m *MemoryRepository) Stats(_ context.Context, f Filter) (Stats, error) {
	var (
		s         Stats
		confSum   decimal.Decimal
		confCount int64
	)
	for _, r := range m.selectRecords(f) {
		s.Total++
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusApproved:
			s.Approved++
		case StatusRejected:
			s.Rejected++
		case StatusApplied:
			s.Applied++
		}
		if r.Confidence.Valid {
			confSum = confSum.Add(r.Confidence.Decimal)
			confCount++
		}
		s.TotalCost = s.TotalCost.Add(r.Cost)
		s.TotalTokens += r.TotalTokens()
	}
	if confCount > 0 {
		s.AvgConfidence = confSum.Div(decimal.NewFromInt(confCount)).Round(4)
	}
	return s, nil
}

func (m *MemoryRepository) GroupBy(_ context.Context, f Filter, key GroupKey, order GroupOrder, limit int) ([]Group, error) {
	groups := make(map[string]*Group)
	for _, r := range m.selectRecords(f) {
		var k string
		switch key {
		case GroupAgentType:
			k = r.AgentType
		case GroupDecisionType:
			k = r.DecisionType
		default:
			return nil, errs.Validation("unknown group key %q", key)
		}
		g, ok := groups[k]
		if !ok {
			g = &Group{Key: k}
			groups[k] = g
		}
		g.Decisions++
		g.Tokens += r.TotalTokens()
		g.Cost = g.Cost.Add(r.Cost)
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Decisions, out[j].Decisions
		if order == OrderByTokens {
			a, b = out[i].Tokens, out[j].Tokens
		}
		if a != b {
			return a > b
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListPending(_ context.Context, q PendingQuery) ([]Record, error) {
	recs := m.selectRecords(Filter{OrganizationID: q.OrganizationID, DecisionType: q.DecisionType, Status: StatusPending})
	SortByUrgency(recs, q.Window)
	return page(recs, q.Limit, q.Offset), nil
}

// SortByUrgency orders records by effective deadline ascending, breaking ties
// with the most recently created first.
func SortByUrgency(recs []Record, window time.Duration) {
	sort.SliceStable(recs, func(i, j int) bool {
		di, dj := recs[i].EffectiveDeadline(window), recs[j].EffectiveDeadline(window)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func (m *MemoryRepository) ListExpired(_ context.Context, now time.Time, window time.Duration, after Cursor, limit int) ([]Record, error) {
	var out []Record
	for _, r := range m.selectRecords(Filter{Status: StatusPending}) {
		if r.IsExpired(now, window) && after.before(&r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return Cursor{CreatedAt: out[i].CreatedAt, ID: out[i].ID}.before(&out[j])
	})
	return page(out, limit, 0), nil
}

// before reports whether c sorts strictly ahead of rec.
func (c Cursor) before(rec *Record) bool {
	if !c.CreatedAt.Equal(rec.CreatedAt) {
		return c.CreatedAt.Before(rec.CreatedAt)
	}
	return bytes.Compare(c.ID[:], rec.ID[:]) < 0
}

func (m *MemoryRepository) Transition(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.ID]
	if !ok || cur.Version != rec.Version {
		return errs.Conflict("decision %s was modified concurrently", rec.ID)
	}
	rec.Version++
	m.records[rec.ID] = *rec
	return nil
}
