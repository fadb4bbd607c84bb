package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/aigov/internal/governance/errs"
)

func TestFromError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", errs.NotFound("decision missing"), http.StatusNotFound},
		{"unauthorized", fmt.Errorf("approve: %w", errs.ErrUnauthorized), http.StatusForbidden},
		{"conflict", errs.Conflict("version mismatch"), http.StatusConflict},
		{"validation", errs.Validation("negative limit"), http.StatusBadRequest},
		{"quota", &errs.AdmissionError{Reason: errs.ReasonQuotaExceeded}, http.StatusTooManyRequests},
		{"rate", &errs.AdmissionError{Reason: errs.ReasonRateLimited}, http.StatusTooManyRequests},
		{"disabled", &errs.AdmissionError{Reason: errs.ReasonAIDisabled}, http.StatusForbidden},
		{"global", &errs.AdmissionError{Reason: errs.ReasonGloballyDisabled}, http.StatusForbidden},
		{"app error", ErrInvalidToken, http.StatusUnauthorized},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, FromError(tc.err).Code)
		})
	}
}

func TestHandleError_AdmissionReason(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(rec, &errs.AdmissionError{Reason: errs.ReasonGloballyDisabled})

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "globally_disabled", body.Reason)
	assert.NotEmpty(t, body.Error)
}

func TestHandleError_HidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(rec, errors.New("pq: connection refused"))

	var body Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal server error", body.Error)
}
