package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/noxterm/noxterm/internal/controller"
	"github.com/noxterm/noxterm/internal/egress"
	"github.com/noxterm/noxterm/internal/quota"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
)

// Error codes returned in API responses.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeSessionExpired   = "SESSION_EXPIRED"
	ErrCodeSessionGone      = "SESSION_GONE"
	ErrCodeSessionBusy      = "SESSION_BUSY"
	ErrCodeInvalidImage     = "INVALID_IMAGE"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeQuotaExceeded    = "QUOTA_EXCEEDED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeRuntimeFailure   = "RUNTIME_FAILURE"
	ErrCodeFacadeFailure    = "FACADE_FAILURE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeUnsafeInput      = "UNSAFE_INPUT"
)

// APIError is the structured JSON error envelope for the API's non-2xx
// responses (spec §7); the Prometheus /metrics endpoint answers its
// errors in plain text instead.
type APIError struct {
	Code          string `json:"error_code"`
	Message       string `json:"message"`
	Reason        string `json:"reason,omitempty"`
	Severity      string `json:"severity,omitempty"`
	BlockedPattern string `json:"blocked_pattern,omitempty"`
	MaxContainers int    `json:"max_containers,omitempty"`
	RetryAfterSecs int   `json:"retry_after_secs,omitempty"`
}

// writeAPIError dispatches err to the structured response and status code
// named in spec §7's error-kind table via errors.Is.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	status := http.StatusInternalServerError

	var denial *quota.Denial
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		apiErr = APIError{Code: ErrCodeNotFound, Message: err.Error()}
		status = http.StatusNotFound

	case errors.Is(err, session.ErrGone):
		apiErr = APIError{Code: ErrCodeSessionGone, Message: err.Error()}
		status = http.StatusConflict

	case errors.Is(err, session.ErrBusy):
		apiErr = APIError{Code: ErrCodeSessionBusy, Message: err.Error()}
		status = http.StatusConflict

	case errors.Is(err, session.ErrExpired):
		apiErr = APIError{Code: ErrCodeSessionExpired, Message: err.Error()}
		status = http.StatusGone

	case errors.Is(err, session.ErrInvalidImage):
		apiErr = APIError{Code: ErrCodeInvalidImage, Message: err.Error()}
		status = http.StatusBadRequest

	case errors.Is(err, store.ErrConflict):
		apiErr = APIError{Code: ErrCodeConflict, Message: err.Error()}
		status = http.StatusConflict

	case errors.As(err, &denial):
		if errors.Is(denial, quota.ErrRateLimited) {
			apiErr = APIError{Code: ErrCodeRateLimited, Message: denial.Error(), RetryAfterSecs: denial.RetryAfterSecs}
		} else {
			apiErr = APIError{Code: ErrCodeQuotaExceeded, Message: denial.Error(), MaxContainers: denial.MaxContainers}
		}
		status = http.StatusTooManyRequests

	case errors.Is(err, controller.ErrImagePull), errors.Is(err, controller.ErrCreateFailed),
		errors.Is(err, controller.ErrStartFailed), errors.Is(err, controller.ErrExecFailed):
		apiErr = APIError{Code: ErrCodeRuntimeFailure, Message: err.Error()}
		status = http.StatusBadGateway

	case errors.Is(err, egress.ErrPortInUse), errors.Is(err, egress.ErrChildSpawnFailed), errors.Is(err, egress.ErrStartTimeout):
		apiErr = APIError{Code: ErrCodeFacadeFailure, Message: err.Error()}
		status = http.StatusBadGateway

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, apiErr)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, APIError{Code: ErrCodeInvalidRequest, Message: message})
}

func writeUnauthorizedError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, APIError{Code: ErrCodeUnauthorized, Message: message})
}

// writeUnsafeInputError renders the 403 shape spec S6 requires:
// `{reason, severity, blocked_pattern}`.
func writeUnsafeInputError(w http.ResponseWriter, result store.Severity, reason, pattern string) {
	writeJSON(w, http.StatusForbidden, APIError{
		Code:           ErrCodeUnsafeInput,
		Message:        reason,
		Reason:         reason,
		Severity:       string(result),
		BlockedPattern: pattern,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
