// Package usage is the read side of the usage ledger: filtered listing and
// CSV export.
package usage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
	"github.com/aiox-platform/aigov/internal/governance/errs"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
)

const exportBatch = 1000

type ListParams struct {
	OrganizationID *uuid.UUID
	RequestedBy    *uuid.UUID
	From           time.Time
	To             time.Time
	DecisionType   string
	AgentType      string
	Status         ledger.Status
	Page           int
	PageSize       int
}

func (p *ListParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
}

func (p *ListParams) filter() (ledger.Filter, error) {
	if !p.From.IsZero() && !p.To.IsZero() && !p.From.Before(p.To) {
		return ledger.Filter{}, errs.Validation("from must be before to")
	}
	if p.Status != "" && !p.Status.Valid() {
		return ledger.Filter{}, errs.Validation("unknown status %q", p.Status)
	}
	return ledger.Filter{
		OrganizationID: p.OrganizationID,
		RequestedBy:    p.RequestedBy,
		From:           p.From,
		To:             p.To,
		DecisionType:   p.DecisionType,
		AgentType:      p.AgentType,
		Status:         p.Status,
	}, nil
}

type Service struct {
	repo   ledger.Repository
	authz  *authz.Authorizer
	window time.Duration
	now    func() time.Time
}

func NewService(repo ledger.Repository, az *authz.Authorizer, window time.Duration) *Service {
	if window <= 0 {
		window = ledger.DefaultApprovalWindow
	}
	return &Service{repo: repo, authz: az, window: window, now: time.Now}
}

// scope pins the organization filter for callers other than super admins and
// checks act on the resulting target.
func (s *Service) scope(p auth.Principal, params *ListParams, act string) error {
	if !p.IsSuperAdmin() {
		org := p.OrganizationID
		params.OrganizationID = &org
	}
	target := uuid.Nil
	if params.OrganizationID != nil {
		target = *params.OrganizationID
	}
	return s.authz.Authorize(p, target, authz.ObjUsage, act)
}

// List returns one page of records, newest first, with the total match count.
func (s *Service) List(ctx context.Context, p auth.Principal, params ListParams) ([]ledger.View, int64, error) {
	params.normalize()
	if err := s.scope(p, &params, authz.ActRead); err != nil {
		return nil, 0, err
	}
	f, err := params.filter()
	if err != nil {
		return nil, 0, err
	}

	recs, err := s.repo.List(ctx, f, params.PageSize, (params.Page-1)*params.PageSize)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	now := s.now()
	views := make([]ledger.View, len(recs))
	for i := range recs {
		views[i] = recs[i].View(now, s.window)
	}
	return views, total, nil
}

// Authorize checks an export up front so a handler can fail before it
// commits to a CSV response.
func (s *Service) Authorize(p auth.Principal, params *ListParams) error {
	if err := s.scope(p, params, authz.ActExport); err != nil {
		return err
	}
	_, err := params.filter()
	return err
}

// Export streams every matching record as CSV, up to ledger.MaxExportRows.
// Paging is ignored. An open-ended range is closed at the export's start so
// records appended meanwhile do not shift the batches. It returns the number
// of rows written.
func (s *Service) Export(ctx context.Context, p auth.Principal, params ListParams, w io.Writer) (int, error) {
	if err := s.scope(p, &params, authz.ActExport); err != nil {
		return 0, err
	}
	f, err := params.filter()
	if err != nil {
		return 0, err
	}
	if f.To.IsZero() {
		f.To = s.now()
	}

	cw := ledger.NewCSVWriter(w)
	written := 0
	for written < ledger.MaxExportRows {
		limit := min(exportBatch, ledger.MaxExportRows-written)
		recs, err := s.repo.List(ctx, f, limit, written)
		if err != nil {
			return written, fmt.Errorf("exporting usage: %w", err)
		}
		for i := range recs {
			if err := cw.Write(&recs[i]); err != nil {
				return written, err
			}
		}
		written += len(recs)
		if len(recs) < limit {
			break
		}
	}
	return written, cw.Flush()
}
