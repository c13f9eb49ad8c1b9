// Package workspaces provides HTTP handlers for Workspace Orchestration
// rows: the Control API's only write path for the desired agent count
// that the Orchestrator Loop reconciles against.
package workspaces

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stokedconsulting/fleetcoord/internal/api/core"
	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
)

type Handler struct {
	deps *core.Deps
}

func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers workspace routes on the protected group.
//   - POST /workspaces
//   - GET  /workspaces
//   - GET  /workspaces/:id
//   - PUT  /workspaces/:id/desired
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/workspaces", h.Create)
	g.GET("/workspaces", h.List)
	g.GET("/workspaces/:id", h.Get)
	g.PUT("/workspaces/:id/desired", h.SetDesired)
}

type createRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Desired     int    `json:"desired"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.WorkspaceID == "" {
		return apperrors.New(apperrors.KindValidation, "workspace_id is required")
	}
	if req.Desired < 0 {
		return apperrors.New(apperrors.KindValidation, "desired must be non-negative")
	}
	ws, err := h.deps.DB.UpsertWorkspace(c.Request().Context(), req.WorkspaceID, func(w *claimstore.WorkspaceOrchestration) {
		w.Desired = req.Desired
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "create workspace")
	}
	return c.JSON(http.StatusCreated, ws)
}

func (h *Handler) List(c echo.Context) error {
	list, err := h.deps.DB.ListWorkspaces(c.Request().Context())
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "list workspaces")
	}
	return c.JSON(http.StatusOK, map[string]any{"workspaces": list, "count": len(list)})
}

func (h *Handler) Get(c echo.Context) error {
	ws, err := h.deps.DB.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("workspace", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "load workspace")
	}
	return c.JSON(http.StatusOK, ws)
}

type setDesiredRequest struct {
	Desired int `json:"desired"`
}

func (h *Handler) SetDesired(c echo.Context) error {
	var req setDesiredRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.Desired < 0 {
		return apperrors.New(apperrors.KindValidation, "desired must be non-negative")
	}
	ws, err := h.deps.DB.UpsertWorkspace(c.Request().Context(), c.Param("id"), func(w *claimstore.WorkspaceOrchestration) {
		w.Desired = req.Desired
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "set desired")
	}
	h.deps.Bus.Publish(c.Request().Context(), "orchestration.workspace", ws)
	return c.JSON(http.StatusOK, ws)
}
