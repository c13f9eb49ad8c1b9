// Package events provides the ingestion and cache endpoints that sit
// alongside the Event Bus: POST /api/events/project fans an externally
// observed domain event out over the bus, and the worktree status
// endpoints hold the last-known state of each project's working tree
// for a dashboard to poll without a live bus connection.
package events

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/stokedconsulting/fleetcoord/internal/api/core"
	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
)

// WorktreeStatus is the cached shape reported for a project's worktree.
// Callers set whatever fields matter to their agent; Branch and Dirty
// are the two the scheduler's own dashboards read.
type WorktreeStatus struct {
	ProjectNumber int            `json:"project_number"`
	Branch        string         `json:"branch"`
	Dirty         bool           `json:"dirty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Handler struct {
	deps *core.Deps

	mu        sync.Mutex
	worktrees map[int]*WorktreeStatus
}

func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps, worktrees: make(map[int]*WorktreeStatus)}
}

// RegisterRoutes registers event routes on the protected group.
//   - POST /api/events/project
//   - PUT  /api/events/worktree/:projectNumber
//   - GET  /api/events/worktree/:projectNumber
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/events/project", h.IngestProjectEvent)
	g.PUT("/events/worktree/:projectNumber", h.SetWorktreeStatus)
	g.GET("/events/worktree/:projectNumber", h.GetWorktreeStatus)
}

type projectEventRequest struct {
	Type          string `json:"type"`
	ProjectNumber int    `json:"project_number"`
	Payload       any    `json:"payload"`
}

// IngestProjectEvent fans an externally observed event out over the bus
// under a project.* topic, giving agents that aren't themselves Go
// processes a way to participate in the same realtime feed as the
// in-process components.
func (h *Handler) IngestProjectEvent(c echo.Context) error {
	var req projectEventRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.Type == "" || req.ProjectNumber == 0 {
		return apperrors.New(apperrors.KindValidation, "type and project_number are required")
	}
	h.deps.Bus.Publish(c.Request().Context(), "project."+req.Type, map[string]any{
		"project_number": req.ProjectNumber,
		"payload":        req.Payload,
	})
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) SetWorktreeStatus(c echo.Context) error {
	projectNumber, err := projectNumberParam(c)
	if err != nil {
		return err
	}
	var status WorktreeStatus
	if err := c.Bind(&status); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	status.ProjectNumber = projectNumber

	h.mu.Lock()
	h.worktrees[projectNumber] = &status
	h.mu.Unlock()

	h.deps.Bus.Publish(c.Request().Context(), "worktree.updated", &status)
	return c.JSON(http.StatusOK, &status)
}

func (h *Handler) GetWorktreeStatus(c echo.Context) error {
	projectNumber, err := projectNumberParam(c)
	if err != nil {
		return err
	}
	h.mu.Lock()
	status, ok := h.worktrees[projectNumber]
	h.mu.Unlock()
	if !ok {
		return apperrors.NotFound("worktree", c.Param("projectNumber"))
	}
	return c.JSON(http.StatusOK, status)
}

func projectNumberParam(c echo.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("projectNumber"))
	if err != nil {
		return 0, apperrors.New(apperrors.KindValidation, "projectNumber must be an integer")
	}
	return n, nil
}
