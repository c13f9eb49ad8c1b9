// Package sessions provides HTTP handlers for session lifecycle
// operations, generalizing the reference codebase's sessions handler
// package from a single in-memory session manager to the Claim
// Store-backed session state machine.
package sessions

import (
	"errors"
	"net/http"
	"strconv"

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

// RegisterRoutes registers session routes on the protected group.
//   - POST   /sessions
//   - GET    /sessions
//   - GET    /sessions/:id
//   - PATCH  /sessions/:id
//   - DELETE /sessions/:id
//   - POST   /sessions/:id/heartbeat
//   - POST   /sessions/:id/mark-failed
//   - POST   /sessions/:id/mark-stalled
//   - POST   /sessions/:id/complete
//   - POST   /sessions/:id/recover
//   - POST   /sessions/:id/prepare-recovery
//   - GET    /sessions/:id/failure-info
//   - GET    /sessions/:id/health
//   - GET    /sessions/stale
//   - GET    /sessions/active
//   - GET    /sessions/failed
//   - GET    /sessions/by-project/:id
//   - GET    /sessions/by-machine/:id
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sessions", h.Create)
	g.GET("/sessions", h.List)
	g.GET("/sessions/stale", h.listByStatus(claimstore.SessionStalled))
	g.GET("/sessions/active", h.listByStatus(claimstore.SessionActive))
	g.GET("/sessions/failed", h.listByStatus(claimstore.SessionFailed))
	g.GET("/sessions/by-project/:id", h.ByProject)
	g.GET("/sessions/by-machine/:id", h.ByMachine)
	g.GET("/sessions/:id", h.Get)
	g.PATCH("/sessions/:id", h.Update)
	g.DELETE("/sessions/:id", h.Delete)
	g.POST("/sessions/:id/heartbeat", h.Heartbeat)
	g.POST("/sessions/:id/mark-failed", h.MarkFailed)
	g.POST("/sessions/:id/mark-stalled", h.MarkStalled)
	g.POST("/sessions/:id/complete", h.Complete)
	g.POST("/sessions/:id/recover", h.Recover)
	g.POST("/sessions/:id/prepare-recovery", h.PrepareRecovery)
	g.GET("/sessions/:id/failure-info", h.FailureInfo)
	g.GET("/sessions/:id/health", h.Health)
}

type createRequest struct {
	ProjectID string `json:"project_id"`
	MachineID string `json:"machine_id"`
	Slot      *int   `json:"slot"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.ProjectID == "" || req.MachineID == "" {
		return apperrors.New(apperrors.KindValidation, "project_id and machine_id are required")
	}

	sess, err := h.deps.Sessions.CreateSession(c.Request().Context(), req.ProjectID, req.MachineID, req.Slot)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) List(c echo.Context) error {
	filter := claimstore.M{}
	if status := c.QueryParam("status"); status != "" {
		filter["status"] = status
	}
	if projectID := c.QueryParam("project_id"); projectID != "" {
		filter["project_id"] = projectID
	}
	if machineID := c.QueryParam("machine_id"); machineID != "" {
		filter["machine_id"] = machineID
	}

	opts, err := paginationFromQuery(c)
	if err != nil {
		return err
	}

	list, err := h.deps.DB.ListSessions(c.Request().Context(), filter, opts)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "list sessions")
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (h *Handler) listByStatus(status string) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := h.deps.DB.ListSessions(c.Request().Context(), claimstore.M{"status": status}, claimstore.ListOpts{})
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, err, "list sessions")
		}
		return c.JSON(http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
	}
}

func (h *Handler) ByProject(c echo.Context) error {
	list, err := h.deps.DB.ListSessions(c.Request().Context(), claimstore.M{"project_id": c.Param("id")}, claimstore.ListOpts{})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "list sessions")
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (h *Handler) ByMachine(c echo.Context) error {
	list, err := h.deps.DB.ListSessions(c.Request().Context(), claimstore.M{"machine_id": c.Param("id")}, claimstore.ListOpts{})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "list sessions")
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (h *Handler) Get(c echo.Context) error {
	sess, err := h.deps.DB.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("session", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	return c.JSON(http.StatusOK, sess)
}

type updateRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func (h *Handler) Update(c echo.Context) error {
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	sess, err := h.deps.Sessions.UpdateSession(c.Request().Context(), c.Param("id"), req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Delete(c echo.Context) error {
	sess, err := h.deps.Sessions.ArchiveSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Heartbeat(c echo.Context) error {
	sess, err := h.deps.Sessions.Heartbeat(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type markFailedRequest struct {
	Reason       string         `json:"reason"`
	ErrorDetails map[string]any `json:"error_details"`
}

func (h *Handler) MarkFailed(c echo.Context) error {
	var req markFailedRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	sess, err := h.deps.Sessions.MarkFailed(c.Request().Context(), c.Param("id"), req.Reason, req.ErrorDetails)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type markStalledRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) MarkStalled(c echo.Context) error {
	var req markStalledRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	sess, err := h.deps.Sessions.MarkStalled(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type completeRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) Complete(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	sess, err := h.deps.Sessions.CompleteSession(c.Request().Context(), c.Param("id"), req.Outcome)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type recoverRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Recover(c echo.Context) error {
	var req recoverRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	sess, err := h.deps.Sessions.Recover(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// PrepareRecovery validates eligibility without mutating state, so a
// dashboard can gray out the recover action before the operator commits.
func (h *Handler) PrepareRecovery(c echo.Context) error {
	sess, err := h.deps.Sessions.PrepareRecovery(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) FailureInfo(c echo.Context) error {
	info, err := h.deps.Sessions.FailureInfo(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

// Health reports a single session's liveness from the caller's point of
// view: whether it is in a status that still occupies its slot and how
// long it's been since its last heartbeat.
func (h *Handler) Health(c echo.Context) error {
	sess, err := h.deps.DB.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("session", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":      sess.SessionID,
		"status":          sess.Status,
		"occupying":       sess.Occupying(),
		"last_heartbeat":  sess.LastHeartbeat,
	})
}

// paginationFromQuery reads limit/offset query params, capping limit
// at 100 per the external interface contract.
func paginationFromQuery(c echo.Context) (claimstore.ListOpts, error) {
	opts := claimstore.ListOpts{Limit: 20}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return opts, apperrors.New(apperrors.KindValidation, "limit must be a non-negative integer")
		}
		if n > 100 {
			n = 100
		}
		opts.Limit = n
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return opts, apperrors.New(apperrors.KindValidation, "offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	return opts, nil
}
