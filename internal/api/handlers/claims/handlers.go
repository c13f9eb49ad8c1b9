// Package claims provides HTTP handlers for the project/issue claim
// protocol: claiming an existing issue, opening and claiming a new one
// via the source-forge adapter, and releasing a claim.
package claims

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stokedconsulting/fleetcoord/internal/api/core"
	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/forge"
)

type Handler struct {
	deps *core.Deps
}

func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers claim routes on the protected group.
//   - POST   /claims
//   - GET    /claims
//   - GET    /claims/:projectNumber/:issueNumber
//   - DELETE /claims/:projectNumber/:issueNumber
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/claims", h.Claim)
	g.GET("/claims", h.List)
	g.GET("/claims/:projectNumber/:issueNumber", h.Get)
	g.DELETE("/claims/:projectNumber/:issueNumber", h.Release)
}

type claimRequest struct {
	ProjectNumber int    `json:"project_number"`
	IssueNumber   *int   `json:"issue_number"`
	AgentID       string `json:"claimed_by_agent_id"`
	NewIssue      *struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	} `json:"new_issue"`
}

// Claim either asserts ownership of an existing issue_number, or, if
// new_issue is present instead, opens a fresh issue on the source
// forge before claiming it.
func (h *Handler) Claim(c echo.Context) error {
	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if req.ProjectNumber == 0 || req.AgentID == "" {
		return apperrors.New(apperrors.KindValidation, "project_number and claimed_by_agent_id are required")
	}

	if req.NewIssue != nil {
		row, warnings, err := h.deps.Claims.ClaimNew(c.Request().Context(), req.ProjectNumber, forge.IssueOptions{
			Title:  req.NewIssue.Title,
			Body:   req.NewIssue.Body,
			Labels: req.NewIssue.Labels,
		}, req.AgentID)
		if err != nil {
			return err
		}
		resp := map[string]any{"claim": row}
		if len(warnings) > 0 {
			resp["warnings"] = warnings
		}
		return c.JSON(http.StatusCreated, resp)
	}

	if req.IssueNumber == nil {
		return apperrors.New(apperrors.KindValidation, "issue_number is required unless new_issue is set")
	}
	row, err := h.deps.Claims.ClaimExisting(c.Request().Context(), req.ProjectNumber, *req.IssueNumber, req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, row)
}

func (h *Handler) List(c echo.Context) error {
	filter := claimstore.M{}
	if pn := c.QueryParam("project_number"); pn != "" {
		n, err := strconv.Atoi(pn)
		if err != nil {
			return apperrors.New(apperrors.KindValidation, "project_number must be an integer")
		}
		filter["project_number"] = n
	}
	if agent := c.QueryParam("claimed_by_agent_id"); agent != "" {
		filter["claimed_by_agent_id"] = agent
	}
	list, err := h.deps.Claims.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"claims": list, "count": len(list)})
}

func (h *Handler) Get(c echo.Context) error {
	projectNumber, issueNumber, err := pairParams(c)
	if err != nil {
		return err
	}
	row, err := h.deps.Claims.Get(c.Request().Context(), projectNumber, issueNumber)
	if err != nil {
		return err
	}
	if row == nil {
		return apperrors.NotFound("project claim", c.Param("projectNumber")+"/"+c.Param("issueNumber"))
	}
	return c.JSON(http.StatusOK, row)
}

type releaseRequest struct {
	CloseIssue bool   `json:"close_issue"`
	Comment    string `json:"comment"`
}

func (h *Handler) Release(c echo.Context) error {
	projectNumber, issueNumber, err := pairParams(c)
	if err != nil {
		return err
	}
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed request body")
	}
	if err := h.deps.Claims.Release(c.Request().Context(), projectNumber, issueNumber, req.CloseIssue, req.Comment); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func pairParams(c echo.Context) (projectNumber, issueNumber int, err error) {
	projectNumber, err = strconv.Atoi(c.Param("projectNumber"))
	if err != nil {
		return 0, 0, apperrors.New(apperrors.KindValidation, "projectNumber must be an integer")
	}
	issueNumber, err = strconv.Atoi(c.Param("issueNumber"))
	if err != nil {
		return 0, 0, apperrors.New(apperrors.KindValidation, "issueNumber must be an integer")
	}
	return projectNumber, issueNumber, nil
}
