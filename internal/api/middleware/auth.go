// Package middleware provides HTTP middleware for the Control API.
package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
)

// ContextKey namespaces values this package stores on the echo context.
type ContextKey string

// APIKeyContextKey is the context key for the presented, validated key.
const APIKeyContextKey ContextKey = "api_key"

// APIKeyAuth validates the X-Api-Key header against a configured set.
// Unlike the reference codebase's JWTAuth, there is no bearer token or
// claims to decode: keys are opaque, pre-shared strings held directly
// in configuration (see config.Config.APIKeys).
func APIKeyAuth(validKeys map[string]bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-Api-Key")
			if key == "" {
				return apperrors.New(apperrors.KindAuthRequired, "missing X-Api-Key header")
			}
			if !validKeys[key] {
				return apperrors.New(apperrors.KindAuthInvalid, "invalid API key")
			}
			c.Set(string(APIKeyContextKey), key)
			return next(c)
		}
	}
}

// APIKey retrieves the authenticated key from context.
func APIKey(c echo.Context) string {
	if key, ok := c.Get(string(APIKeyContextKey)).(string); ok {
		return key
	}
	return ""
}
