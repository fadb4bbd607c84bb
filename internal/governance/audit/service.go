package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
)

type Service struct {
	store Store
	authz *authz.Authorizer
}

func NewService(store Store, az *authz.Authorizer) *Service {
	return &Service{store: store, authz: az}
}

// List returns audit logs visible to p. Callers other than super admins are
// pinned to their own organization.
func (s *Service) List(ctx context.Context, p auth.Principal, params ListParams) ([]Log, int64, error) {
	if !p.IsSuperAdmin() {
		org := p.OrganizationID
		params.OrganizationID = &org
	}
	target := uuid.Nil
	if params.OrganizationID != nil {
		target = *params.OrganizationID
	}
	if err := s.authz.Authorize(p, target, authz.ObjAudit, authz.ActRead); err != nil {
		return nil, 0, err
	}
	return s.store.List(ctx, params)
}
