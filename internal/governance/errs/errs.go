// Package errs holds the governance error taxonomy shared by every
// governance component and mapped to HTTP responses at the boundary.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation error")
	// ErrDegraded marks a sub-aggregation that was replaced with a default.
	// It is logged by the reporting layer and never returned to callers.
	ErrDegraded = errors.New("degraded")
)

// Admission sentinels. Each AdmissionError unwraps to exactly one of them.
var (
	ErrGloballyDisabled = errors.New("ai globally disabled")
	ErrAIDisabled       = errors.New("ai disabled")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrRateLimited      = errors.New("rate limited")
)

// Reason is the machine-readable admission failure code.
type Reason string

const (
	ReasonGloballyDisabled Reason = "globally_disabled"
	ReasonAIDisabled       Reason = "ai_disabled"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonRateLimited      Reason = "rate_limited"
)

type detailed struct {
	kind error
	msg  string
}

func (e *detailed) Error() string { return e.msg }
func (e *detailed) Unwrap() error { return e.kind }

// NotFound returns an error matching ErrNotFound with a specific message.
func NotFound(format string, args ...any) error {
	return &detailed{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

// Unauthorized returns an error matching ErrUnauthorized.
func Unauthorized(format string, args ...any) error {
	return &detailed{kind: ErrUnauthorized, msg: fmt.Sprintf(format, args...)}
}

// Conflict returns an error matching ErrConflict.
func Conflict(format string, args ...any) error {
	return &detailed{kind: ErrConflict, msg: fmt.Sprintf(format, args...)}
}

// Validation returns an error matching ErrValidation.
func Validation(format string, args ...any) error {
	return &detailed{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// AdmissionError explains why an AI call was not admitted.
type AdmissionError struct {
	Reason    Reason
	Dimension string
	Used      string
	Limit     string
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case ReasonQuotaExceeded:
		return fmt.Sprintf("quota exceeded: %s %s/%s", e.Dimension, e.Used, e.Limit)
	case ReasonRateLimited:
		return fmt.Sprintf("rate limit exceeded: max %s requests per minute", e.Limit)
	case ReasonAIDisabled:
		return "ai is disabled for this organization or user"
	default:
		return "ai is globally disabled"
	}
}

func (e *AdmissionError) Unwrap() error {
	switch e.Reason {
	case ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ReasonRateLimited:
		return ErrRateLimited
	case ReasonAIDisabled:
		return ErrAIDisabled
	default:
		return ErrGloballyDisabled
	}
}

// AsAdmission extracts an AdmissionError from err.
func AsAdmission(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
