// Package reviews provides HTTP handlers for the review queue lifecycle.
package reviews

import (
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

// RegisterRoutes registers review routes on the protected group.
//   - POST  /reviews
//   - GET   /reviews
//   - GET   /reviews/stats
//   - POST  /reviews/:id/claim
//   - PATCH /reviews/:id/status
//   - POST  /reviews/:id/release
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/reviews", h.Enqueue)
	g.GET("/reviews", h.List)
	g.GET("/reviews/stats", h.Stats)
	g.POST("/reviews/:id/claim", h.Claim)
	g.PATCH("/reviews/:id/status", h.UpdateStatus)
	g.POST("/reviews/:id/release", h.Release)
}

type enqueueRequest struct {
	ProjectNumber      int    `json:"project_number"`
	IssueNumber        int    `json:"issue_number"`
	BranchName         string `json:"branch_name"`
	CompletedByAgentID string `json:"completed_by_agent_id"`
}

func (h *Handler) Enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.ProjectNumber == 0 || req.IssueNumber == 0 || req.BranchName == "" {
		return apperrors.New(apperrors.KindValidation, "project_number, issue_number, and branch_name are required")
	}
	r, err := h.deps.Reviews.Enqueue(c.Request().Context(), req.ProjectNumber, req.IssueNumber, req.BranchName, req.CompletedByAgentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) List(c echo.Context) error {
	filter := claimstore.M{}
	if status := c.QueryParam("status"); status != "" {
		filter["status"] = status
	}
	list, err := h.deps.Reviews.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"reviews": list, "count": len(list)})
}

// Stats reports a per-status breakdown, useful for an operator dashboard
// without requiring a separate metrics pipeline.
func (h *Handler) Stats(c echo.Context) error {
	counts := map[string]int{}
	for _, status := range []string{claimstore.ReviewPending, claimstore.ReviewInReview, claimstore.ReviewApproved, claimstore.ReviewRejected} {
		list, err := h.deps.Reviews.List(c.Request().Context(), claimstore.M{"status": status})
		if err != nil {
			return err
		}
		counts[status] = len(list)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) Claim(c echo.Context) error {
	r, err := h.deps.Reviews.Claim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if r == nil {
		return apperrors.Conflict(apperrors.ReasonReviewAlreadyClaimed, "review is not eligible to be claimed")
	}
	return c.JSON(http.StatusOK, r)
}

type updateStatusRequest struct {
	Status   string  `json:"status"`
	Feedback *string `json:"feedback"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	r, err := h.deps.Reviews.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status, req.Feedback)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Release(c echo.Context) error {
	r, err := h.deps.Reviews.ReleaseClaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}
