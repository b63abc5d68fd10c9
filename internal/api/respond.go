package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/offline"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details, Retryable: retryable})
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(e *appointment.Error) int {
	switch e.Kind {
	case appointment.KindValidation:
		if e.Code == "appointment_not_found" || e.Code == "event_not_found" {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case appointment.KindVersionConflict:
		return http.StatusConflict
	case appointment.KindIdempotencyKeyReused:
		return http.StatusUnprocessableEntity
	case appointment.KindAlreadyUndone:
		return http.StatusOK
	case appointment.KindSystemUnsafe:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func handleError(w http.ResponseWriter, err error) {
	if errors.Is(err, offline.ErrReconcileInProgress) {
		writeError(w, http.StatusConflict, "reconcile_in_progress", err.Error(), true)
		return
	}

	e, ok := appointment.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), false)
		return
	}

	details := e.Message
	if e.Kind == appointment.KindTransactionFailed {
		// storage detail stays in the logs
		details = "the change was not applied, retry with the same idempotency key"
	}
	writeError(w, statusFor(e), e.Code, details, e.Retryable)
}
