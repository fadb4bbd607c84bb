// Package approval drives the human sign-off workflow of AI decisions.
//
// Stored states only move forward:
//
//	pending -> approved -> applied
//	pending -> rejected
//
// Decisions recorded without an approval requirement start as approved (or
// applied) and never visit pending. Expiry is derived from the deadline at read
// time and is not a stored state.
package approval

import (
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/governance/errs"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionApply   Action = "apply"
)

// ErrDeadlinePassed is returned when approving a decision past its deadline.
var ErrDeadlinePassed = errs.Validation("approval deadline passed")

// Transition applies action to rec in memory. It does not persist anything; the
// caller writes rec back with a version check.
//
// Moving a decision out of a state it has already left is a conflict, which is
// also what the losing side of a concurrent approve/reject observes.
func Transition(rec *ledger.Record, action Action, actor uuid.UUID, note string, now time.Time, window time.Duration) error {
	switch action {
	case ActionApprove, ActionReject:
		if rec.Status != ledger.StatusPending {
			return errs.Conflict("decision %s is %s, not pending", rec.ID, rec.Status)
		}
		if action == ActionApprove && rec.IsExpired(now, window) {
			return ErrDeadlinePassed
		}
		rec.Status = ledger.StatusApproved
		if action == ActionReject {
			rec.Status = ledger.StatusRejected
		}
		rec.ReviewedBy = &actor
		rec.ReviewedAt = &now
		rec.ReviewNotes = note

	case ActionApply:
		if rec.Status != ledger.StatusApproved {
			return errs.Conflict("decision %s is %s, only approved decisions can be applied", rec.ID, rec.Status)
		}
		rec.Status = ledger.StatusApplied
		rec.WasApplied = true
		rec.AppliedAt = &now
		rec.ActualOutcome = note

	default:
		return errs.Validation("unknown action %q", action)
	}
	rec.UpdatedAt = now
	return nil
}

// InitialStatus is the stored status of a freshly recorded decision.
func InitialStatus(requiresApproval, applied bool) ledger.Status {
	switch {
	case requiresApproval:
		return ledger.StatusPending
	case applied:
		return ledger.StatusApplied
	default:
		return ledger.StatusApproved
	}
}
