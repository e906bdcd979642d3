package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/service/appointments"
	"vaxbook/backend/internal/store"
)

const (
	msgConflict       = "You already have an appointment scheduled this month"
	msgServerError    = "Server error"
	msgAuthRequired   = "Authentication required"
	msgInvalidToken   = "Invalid token"
	msgRateLimited    = "Too many requests"
	msgLimiterOffline = "Rate limiter unavailable"
)

// apiError is the error envelope returned by every endpoint.
type apiError struct {
	status  int
	Code    string `json:"code" example:"conflict"`
	Message string `json:"message" example:"You already have an appointment scheduled this month"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Code: code, Message: message}
}

// installErrorEnvelope routes huma's own errors (schema validation, bad
// JSON) through apiError.
func installErrorEnvelope() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(normalizeStatus(status), "", errorMessage(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(normalizeStatus(status), "", errorMessage(msg, errs))
	}
}

func normalizeStatus(status int) int {
	if status == http.StatusUnprocessableEntity {
		return http.StatusBadRequest
	}
	return status
}

func errorMessage(msg string, errs []error) string {
	details := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		details = append(details, err.Error())
	}
	if len(details) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(details, "; ")
}

func handleError(log *slog.Logger, op string, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var vErr *appointments.ValidationError
	switch {
	case errors.As(err, &vErr):
		return newAPIError(http.StatusBadRequest, "bad_request", vErr.Error())
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusBadRequest, "conflict", msgConflict)
	case errors.Is(err, store.ErrIdempotencyConflict):
		return newAPIError(http.StatusConflict, "idempotency_conflict", "Idempotency-Key was already used with a different date")
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "Appointment not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error())
	default:
		log.Error("request failed", slog.String("op", op), slog.Any("err", err))
		return newAPIError(http.StatusInternalServerError, "internal_error", msgServerError)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// respondStatusError writes an envelope from plain net/http middleware.
func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
