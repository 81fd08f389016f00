package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/xraph/haul"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	State   string `json:"state,omitempty"`
}

// statusFor maps haul sentinel errors to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, haul.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case haul.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, haul.ErrDemandUnitTaken):
		return http.StatusConflict, "demand_unit_taken"
	case errors.Is(err, haul.ErrDriverBusy):
		return http.StatusConflict, "driver_busy"
	case errors.Is(err, haul.ErrActiveBroadcast):
		return http.StatusConflict, "active_broadcast"
	case errors.Is(err, haul.ErrRequestClosed):
		return http.StatusConflict, "request_closed"
	case errors.Is(err, haul.ErrSerializationFailure):
		return http.StatusConflict, "serialization_failure"
	case errors.Is(err, haul.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, haul.ErrToggleInProgress):
		return http.StatusConflict, "toggle_in_progress"
	case errors.Is(err, haul.ErrLockContention):
		return http.StatusServiceUnavailable, "lock_contention"
	case errors.Is(err, haul.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, haul.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorBody{Code: code, Message: err.Error()}

	var conflict *haul.ConflictError
	if errors.As(err, &conflict) {
		body.State = conflict.State
	}
	var invalid *haul.ValidationError
	if errors.As(err, &invalid) {
		body.Field = invalid.Field
		body.Message = invalid.Message
	}

	switch {
	case errors.Is(err, haul.ErrLockContention):
		// Transient; the client retries the same call.
		w.Header().Set("Retry-After", "1")
	case status >= http.StatusInternalServerError:
		a.logger.Error("api: request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return haul.Invalid("", "malformed JSON body: "+err.Error())
	}
	return haul.Validate(v)
}
