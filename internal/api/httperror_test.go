package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
)

func TestStatusForMapsEveryKind(t *testing.T) {
	cases := map[apperrors.Kind]int{
		apperrors.KindValidation:         http.StatusBadRequest,
		apperrors.KindIllegalTransition:  http.StatusBadRequest,
		apperrors.KindAuthRequired:       http.StatusUnauthorized,
		apperrors.KindAuthInvalid:        http.StatusUnauthorized,
		apperrors.KindNotFound:           http.StatusNotFound,
		apperrors.KindConflict:           http.StatusConflict,
		apperrors.KindDependencyUnavailable: http.StatusServiceUnavailable,
		apperrors.KindRateLimited:        http.StatusTooManyRequests,
		apperrors.KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), "kind %s", kind)
	}
}
