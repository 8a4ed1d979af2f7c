package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/stanstork/remindr/internal/errs"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// statusFor maps service errors onto HTTP responses. ok is false for
// unexpected errors, which the caller logs and reports as 500.
func statusFor(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, errs.ErrInvalidTime):
		return http.StatusBadRequest, "invalid_time", true
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", true
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not_found", true
	case errors.Is(err, errs.ErrTooLate):
		return http.StatusConflict, "too_late", true
	default:
		return http.StatusInternalServerError, "internal_error", false
	}
}
