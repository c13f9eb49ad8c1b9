package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
)

// writeError maps an apperrors.Error (or any other error) to the HTTP
// status and body shape named by the error kinds table. Unrecognized
// errors are treated as Internal and given a correlation id, since an
// operator debugging a 500 needs something to grep logs for.
func writeError(c echo.Context, err error) error {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(apperrors.KindInternal, err, "unexpected error")
	}

	status := statusFor(appErr.Kind)
	body := map[string]any{
		"status_code": status,
		"error_kind":  string(appErr.Kind),
		"message":     appErr.Message,
	}
	if appErr.Reason != "" {
		body["reason"] = appErr.Reason
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	if appErr.Kind == apperrors.KindInternal {
		body["correlation_id"] = uuid.NewString()
	}
	return c.JSON(status, body)
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation, apperrors.KindIllegalTransition:
		return http.StatusBadRequest
	case apperrors.KindAuthRequired, apperrors.KindAuthInvalid:
		return http.StatusUnauthorized
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
