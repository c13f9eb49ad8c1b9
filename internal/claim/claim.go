// Package claim is the work-unit claim/release protocol: exclusive
// assertion of ownership over one (project_number, issue_number) pair,
// generalizing the reference codebase's quest-assignment flow (which
// used a claimed_by column on its quest table) to a standalone row
// type with its own unique-index-backed atomicity.
package claim

import (
	"context"
	"errors"
	"strconv"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/forge"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// Repo names the owner/repo a forge call targets. Every claim in a
// single coordination plane deployment targets the same upstream
// repository; multi-repo fleets run one deployment per repo.
type Repo struct {
	Owner string
	Name  string
}

// Claimer is the claim/release protocol's sole write path.
type Claimer struct {
	db    claimstore.Store
	clk   clock.Clock
	forge forge.Forge
	repo  Repo
	bus   statemachine.Publisher
}

func New(db claimstore.Store, clk clock.Clock, f forge.Forge, repo Repo, bus statemachine.Publisher) *Claimer {
	if bus == nil {
		bus = statemachine.NoopPublisher()
	}
	return &Claimer{db: db, clk: clk, forge: f, repo: repo, bus: bus}
}

// ClaimExisting asserts ownership of an issue that already exists on
// the forge. Fails with DuplicateClaim if the pair is already claimed.
func (c *Claimer) ClaimExisting(ctx context.Context, projectNumber, issueNumber int, agentID string) (*claimstore.ProjectClaim, error) {
	row := &claimstore.ProjectClaim{
		ProjectNumber:    projectNumber,
		IssueNumber:      issueNumber,
		ClaimedByAgentID: agentID,
		ClaimedAt:        c.clk.Now(),
	}
	if err := c.db.InsertProjectClaim(ctx, row); err != nil {
		if errors.Is(err, claimstore.ErrDuplicateKey) {
			return nil, apperrors.Conflict(apperrors.ReasonDuplicateClaim, "project/issue pair already claimed")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "insert project claim")
	}
	c.bus.Publish(ctx, "project.claimed", row)
	return row, nil
}

// ClaimNew opens a fresh issue on the forge, links it to the project
// board, then claims it. A LinkToProject failure doesn't roll the
// created issue back or the claim out; it's reported to the caller as
// a warning so the operator can link manually, per the documented
// partial-success behavior for project linking.
func (c *Claimer) ClaimNew(ctx context.Context, projectNumber int, opts forge.IssueOptions, agentID string) (row *claimstore.ProjectClaim, warnings []string, err error) {
	issueNumber, err := c.forge.CreateIssue(ctx, c.repo.Owner, c.repo.Name, opts)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.KindDependencyUnavailable, err, "create issue on source forge")
	}

	if repoID, idErr := c.forge.GetRepoID(ctx, c.repo.Owner, c.repo.Name); idErr != nil {
		warnings = append(warnings, "could not resolve repo id for project link: "+idErr.Error())
	} else if linkErr := c.forge.LinkToProject(ctx, c.repo.Owner, c.repo.Name, issueNumber, projectNumber); linkErr != nil {
		warnings = append(warnings, "could not link issue to project "+repoID+": "+linkErr.Error())
	}

	row, err = c.ClaimExisting(ctx, projectNumber, issueNumber, agentID)
	if err != nil {
		return nil, warnings, err
	}
	return row, warnings, nil
}

// Get reports the claim for a pair, or nil if the pair is unclaimed.
func (c *Claimer) Get(ctx context.Context, projectNumber, issueNumber int) (*claimstore.ProjectClaim, error) {
	row, err := c.db.GetProjectClaim(ctx, projectNumber, issueNumber)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load project claim")
	}
	return row, nil
}

// List returns every claim matching filter (e.g. by project_number or
// claimed_by_agent_id), letting an operator see an agent's full
// workload or a project's claimed backlog.
func (c *Claimer) List(ctx context.Context, filter claimstore.M) ([]*claimstore.ProjectClaim, error) {
	rows, err := c.db.ListProjectClaims(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "list project claims")
	}
	return rows, nil
}

// Release drops a claim unconditionally; whoever holds it may always
// give it up, closing the underlying issue if the caller reports the
// work as done.
func (c *Claimer) Release(ctx context.Context, projectNumber, issueNumber int, closeIssue bool, comment string) error {
	if err := c.db.DeleteProjectClaim(ctx, projectNumber, issueNumber); err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return apperrors.NotFound("project claim", repoPair(projectNumber, issueNumber))
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "release project claim")
	}
	if closeIssue {
		if err := c.forge.CloseIssue(ctx, c.repo.Owner, c.repo.Name, issueNumber, comment); err != nil {
			return apperrors.Wrap(apperrors.KindDependencyUnavailable, err, "close issue on source forge")
		}
	}
	c.bus.Publish(ctx, "project.released", claimstore.M{"project_number": projectNumber, "issue_number": issueNumber})
	return nil
}

func repoPair(projectNumber, issueNumber int) string {
	return strconv.Itoa(projectNumber) + "/" + strconv.Itoa(issueNumber)
}
