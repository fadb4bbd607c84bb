package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/aiox-platform/aigov/internal/governance/errs"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest     = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized   = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden      = &AppError{Code: http.StatusForbidden, Message: "forbidden"}
	ErrNotFound       = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrConflict       = &AppError{Code: http.StatusConflict, Message: "conflict"}
	ErrInternalServer = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidToken   = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrValidation     = &AppError{Code: http.StatusBadRequest, Message: "validation error"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewConflictError(msg string) *AppError {
	return &AppError{Code: http.StatusConflict, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// FromError maps the governance error taxonomy onto an AppError.
// Unknown errors become a generic 500 so internals never leak.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if ae, ok := errs.AsAdmission(err); ok {
		code := http.StatusForbidden
		if ae.Reason == errs.ReasonQuotaExceeded || ae.Reason == errs.ReasonRateLimited {
			code = http.StatusTooManyRequests
		}
		return &AppError{Code: code, Message: ae.Error(), Reason: string(ae.Reason)}
	}

	switch {
	case errors.Is(err, errs.ErrNotFound):
		return &AppError{Code: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, errs.ErrUnauthorized):
		return &AppError{Code: http.StatusForbidden, Message: err.Error()}
	case errors.Is(err, errs.ErrConflict):
		return &AppError{Code: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, errs.ErrValidation):
		return &AppError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	return ErrInternalServer
}

func HandleError(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	if appErr.Code == http.StatusInternalServerError && appErr != err {
		slog.Error("unhandled error", "error", err)
	}
	writeJSON(w, appErr.Code, Response{Error: appErr.Message, Reason: appErr.Reason})
}
