// Package tasks provides HTTP handlers for task lifecycle operations.
package tasks

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

// RegisterRoutes registers task routes on the protected group.
//   - POST /tasks
//   - GET  /tasks
//   - GET  /tasks/:id
//   - POST /tasks/:id/start
//   - POST /tasks/:id/complete
//   - POST /tasks/:id/fail
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/tasks", h.Create)
	g.GET("/tasks", h.List)
	g.GET("/tasks/:id", h.Get)
	g.POST("/tasks/:id/start", h.transitionTo(claimstore.TaskInProgress))
	g.POST("/tasks/:id/complete", h.transitionTo(claimstore.TaskCompleted))
	g.POST("/tasks/:id/fail", h.transitionTo(claimstore.TaskFailed))
	g.POST("/tasks/:id/block", h.transitionTo(claimstore.TaskBlocked))
}

type createRequest struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.SessionID == "" || req.ProjectID == "" {
		return apperrors.New(apperrors.KindValidation, "session_id and project_id are required")
	}
	task, err := h.deps.Tasks.CreateTask(c.Request().Context(), req.SessionID, req.ProjectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *Handler) List(c echo.Context) error {
	filter := claimstore.M{}
	if sessionID := c.QueryParam("session_id"); sessionID != "" {
		filter["session_id"] = sessionID
	}
	if status := c.QueryParam("status"); status != "" {
		filter["status"] = status
	}
	list, err := h.deps.DB.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "list tasks")
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

func (h *Handler) Get(c echo.Context) error {
	task, err := h.deps.DB.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("task", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "load task")
	}
	return c.JSON(http.StatusOK, task)
}

type transitionRequest struct {
	ErrorMessage *string `json:"error_message"`
}

func (h *Handler) transitionTo(status string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req transitionRequest
		if err := c.Bind(&req); err != nil {
			return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
		}
		task, err := h.deps.Tasks.Transition(c.Request().Context(), c.Param("id"), status, req.ErrorMessage)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, task)
	}
}
