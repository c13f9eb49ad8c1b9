// Package machines provides HTTP handlers for machine registration,
// heartbeats, and slot assignment, mirroring the session handlers'
// shape but fronting the Slot Scheduler instead of the state machine.
package machines

import (
	"errors"
	"net/http"
	"time"

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

// RegisterRoutes registers machine routes on the protected group.
//   - POST   /machines
//   - GET    /machines
//   - GET    /machines/available
//   - GET    /machines/:id
//   - PATCH  /machines/:id
//   - DELETE /machines/:id
//   - POST   /machines/:id/heartbeat
//   - POST   /machines/:id/assign-session
//   - POST   /machines/:id/release-session
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/machines", h.Create)
	g.GET("/machines", h.List)
	g.GET("/machines/available", h.Available)
	g.GET("/machines/:id", h.Get)
	g.PATCH("/machines/:id", h.Update)
	g.DELETE("/machines/:id", h.Delete)
	g.POST("/machines/:id/heartbeat", h.Heartbeat)
	g.POST("/machines/:id/assign-session", h.AssignSession)
	g.POST("/machines/:id/release-session", h.ReleaseSession)
}

type createRequest struct {
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname"`
	Slots     []int  `json:"slots"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.MachineID == "" || len(req.Slots) == 0 {
		return apperrors.New(apperrors.KindValidation, "machine_id and slots are required")
	}

	m := &claimstore.Machine{
		MachineID:     req.MachineID,
		Hostname:      req.Hostname,
		Slots:         req.Slots,
		Status:        claimstore.MachineOnline,
		LastHeartbeat: time.Now(),
	}
	if err := h.deps.DB.InsertMachine(c.Request().Context(), m); err != nil {
		if errors.Is(err, claimstore.ErrDuplicateKey) {
			return apperrors.Conflict(apperrors.ReasonDuplicateClaim, "machine already registered")
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "insert machine")
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) List(c echo.Context) error {
	filter := claimstore.M{}
	if status := c.QueryParam("status"); status != "" {
		filter["status"] = status
	}
	list, err := h.deps.DB.ListMachines(c.Request().Context(), filter)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "list machines")
	}
	return c.JSON(http.StatusOK, map[string]any{"machines": list, "count": len(list)})
}

func (h *Handler) Available(c echo.Context) error {
	availability, err := h.deps.Scheduler.Availability(c.Request().Context(), "")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"machines": availability})
}

func (h *Handler) Get(c echo.Context) error {
	m, err := h.deps.DB.GetMachine(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("machine", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "load machine")
	}
	return c.JSON(http.StatusOK, m)
}

type updateRequest struct {
	Status   *string        `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

func (h *Handler) Update(c echo.Context) error {
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	fields := claimstore.M{}
	if req.Status != nil {
		fields["status"] = *req.Status
	}
	if req.Metadata != nil {
		fields["metadata"] = req.Metadata
	}
	if len(fields) == 0 {
		return apperrors.New(apperrors.KindValidation, "no fields to update")
	}
	m, err := h.deps.DB.FindAndUpdateMachine(c.Request().Context(), claimstore.M{"machine_id": c.Param("id")}, claimstore.Set(fields))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("machine", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "update machine")
	}
	return c.JSON(http.StatusOK, m)
}

// Delete decommissions a machine by moving it to maintenance rather than
// removing its row: existing sessions still reference it by machine_id,
// and a machine row is never an owner that cascades (§3: "Machine does
// not own Sessions"), so the row stays put.
func (h *Handler) Delete(c echo.Context) error {
	m, err := h.deps.DB.FindAndUpdateMachine(c.Request().Context(),
		claimstore.M{"machine_id": c.Param("id")},
		claimstore.Set(claimstore.M{"status": claimstore.MachineMaintenance}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("machine", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "decommission machine")
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Heartbeat(c echo.Context) error {
	m, err := h.deps.DB.FindAndUpdateMachine(c.Request().Context(),
		claimstore.M{"machine_id": c.Param("id")},
		claimstore.Set(claimstore.M{"last_heartbeat": time.Now()}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("machine", c.Param("id"))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "heartbeat machine")
	}
	return c.JSON(http.StatusOK, m)
}

type assignSessionRequest struct {
	SessionID string `json:"session_id"`
	Slot      *int   `json:"slot"`
}

func (h *Handler) AssignSession(c echo.Context) error {
	var req assignSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.SessionID == "" {
		return apperrors.New(apperrors.KindValidation, "session_id is required")
	}
	machineID, slot, err := h.deps.Scheduler.Assign(c.Request().Context(), req.SessionID, c.Param("id"), req.Slot)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"machine_id": machineID, "slot": slot})
}

type releaseSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) ReleaseSession(c echo.Context) error {
	var req releaseSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.SessionID == "" {
		return apperrors.New(apperrors.KindValidation, "session_id is required")
	}
	if err := h.deps.Scheduler.Release(c.Request().Context(), req.SessionID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
