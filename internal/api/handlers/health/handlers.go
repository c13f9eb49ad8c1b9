// Package health provides the unauthenticated health/readiness probes
// named in the external interface contract, grounded on the reference
// codebase's handleHealthCheck but split into the ready/live/detailed/
// system variants operators expect from a coordination-plane process.
package health

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stokedconsulting/fleetcoord/internal/api/core"
)

type Handler struct {
	deps      *core.Deps
	startedAt time.Time
}

func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps, startedAt: time.Now()}
}

// RegisterRoutes registers health routes on the public (unauthenticated)
// group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/health", h.Health)
	g.GET("/health/ready", h.Ready)
	g.GET("/health/live", h.Live)
	g.GET("/health/detailed", h.Detailed)
	g.GET("/health/system", h.System)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// Live reports process liveness only; it never touches the Claim Store,
// so a wedged database connection doesn't make an otherwise-healthy
// process look dead to an orchestrator's liveness probe.
func (h *Handler) Live(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "live"})
}

// Ready fails if the Claim Store ping fails, per the external interface
// contract.
func (h *Handler) Ready(c echo.Context) error {
	if err := h.deps.DB.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
}

func (h *Handler) Detailed(c echo.Context) error {
	dbStatus := "connected"
	if err := h.deps.DB.Ping(c.Request().Context()); err != nil {
		dbStatus = "disconnected"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(h.startedAt).String(),
		"claimstore": dbStatus,
	})
}

func (h *Handler) System(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"go_version": runtime.Version(),
		"uptime":     time.Since(h.startedAt).String(),
	})
}
