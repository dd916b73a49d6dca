// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API for the adaptive testing service: question
// upload, test session lifecycle, student read models and cache
// administration. The package keeps HTTP concerns separate from the
// business logic in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "VALIDATION"
	case errors.Is(err, domain.ErrSessionInactive):
		code = http.StatusBadRequest
		codeStr = "SESSION_INACTIVE"
	case errors.Is(err, domain.ErrPoolUnavailable):
		code = http.StatusNotFound
		codeStr = "POOL_UNAVAILABLE"
	case errors.Is(err, domain.ErrSessionNotFound):
		code = http.StatusNotFound
		codeStr = "SESSION_NOT_FOUND"
	case errors.Is(err, domain.ErrQuestionNotFound):
		code = http.StatusNotFound
		codeStr = "QUESTION_NOT_FOUND"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		code = http.StatusConflict
		codeStr = "DUPLICATE_SUBMISSION"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "REMOTE_TIMEOUT"
	case errors.Is(err, domain.ErrUpstreamError):
		code = http.StatusServiceUnavailable
		codeStr = "REMOTE_ERROR"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
