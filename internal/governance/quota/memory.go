package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/governance/errs"
)

type overrideKey struct {
	org  uuid.UUID
	user uuid.UUID
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[uuid.UUID]Template
	orgs      map[uuid.UUID]OrganizationQuota
	overrides map[overrideKey]UserOverride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[uuid.UUID]Template),
		orgs:      make(map[uuid.UUID]OrganizationQuota),
		overrides: make(map[overrideKey]UserOverride),
	}
}

func (s *MemoryStore) ListTemplates(_ context.Context, includeInactive bool) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Template
	for _, t := range s.templates {
		if t.DeletedAt != nil || (!t.IsActive && !includeInactive) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].TierName < out[j].TierName
	})
	return out, nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id uuid.UUID) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok || t.DeletedAt != nil {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryStore) GetTemplateByTier(_ context.Context, tier string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.templates {
		if t.TierName == tier && t.IsActive && t.DeletedAt == nil {
			return &t, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateTemplate(_ context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tierTaken(t.TierName, t.ID) {
		return errs.Conflict("tier %q already exists", t.TierName)
	}
	s.templates[t.ID] = *t
	return nil
}

func (s *MemoryStore) UpdateTemplate(_ context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.templates[t.ID]
	if !ok || cur.DeletedAt != nil {
		return errs.NotFound("quota template %s", t.ID)
	}
	if s.tierTaken(t.TierName, t.ID) {
		return errs.Conflict("tier %q already exists", t.TierName)
	}
	t.CreatedAt = cur.CreatedAt
	s.templates[t.ID] = *t
	return nil
}

// tierTaken mirrors the partial unique index on live tier names.
func (s *MemoryStore) tierTaken(tier string, except uuid.UUID) bool {
	for id, t := range s.templates {
		if id != except && t.TierName == tier && t.DeletedAt == nil {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SoftDeleteTemplate(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok || t.DeletedAt != nil {
		return errs.NotFound("quota template %s", id)
	}
	t.DeletedAt = &at
	t.IsActive = false
	t.UpdatedAt = at
	s.templates[id] = t
	return nil
}

func (s *MemoryStore) GetOrganizationQuota(_ context.Context, orgID uuid.UUID) (*OrganizationQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.orgs[orgID]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (s *MemoryStore) ListOrganizationQuotas(_ context.Context) ([]OrganizationQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]OrganizationQuota, 0, len(s.orgs))
	for _, q := range s.orgs {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrganizationID.String() < out[j].OrganizationID.String()
	})
	return out, nil
}

func (s *MemoryStore) UpsertOrganizationQuota(_ context.Context, q *OrganizationQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.orgs[q.OrganizationID]; ok {
		q.CreatedAt = cur.CreatedAt
	} else {
		q.CreatedAt = q.UpdatedAt
	}
	s.orgs[q.OrganizationID] = *q
	return nil
}

func (s *MemoryStore) GetUserOverride(_ context.Context, orgID, userID uuid.UUID) (*UserOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[overrideKey{orgID, userID}]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemoryStore) UpsertUserOverride(_ context.Context, o *UserOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := overrideKey{o.OrganizationID, o.UserID}
	if cur, ok := s.overrides[key]; ok {
		o.CreatedAt = cur.CreatedAt
	} else {
		o.CreatedAt = o.UpdatedAt
	}
	s.overrides[key] = *o
	return nil
}

func (s *MemoryStore) DeleteUserOverride(_ context.Context, orgID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := overrideKey{orgID, userID}
	if _, ok := s.overrides[key]; !ok {
		return errs.NotFound("no override for user %s", userID)
	}
	delete(s.overrides, key)
	return nil
}
