package claim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claim"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/forge"
)

// fakeForge is a scripted forge.Forge double; each field is nil unless
// a test needs to force that call down an error path.
type fakeForge struct {
	issueNumber     int
	createErr       error
	repoID          string
	getRepoIDErr    error
	linkErr         error
	closeErr        error
	createCalls     int
	linkCalls       int
	closeCalls      int
}

func (f *fakeForge) CreateIssue(ctx context.Context, owner, repo string, opts forge.IssueOptions) (int, error) {
	f.createCalls++
	if f.createErr != nil {
		return 0, f.createErr
	}
	return f.issueNumber, nil
}

func (f *fakeForge) LinkToProject(ctx context.Context, owner, repo string, issueNumber, projectNumber int) error {
	f.linkCalls++
	return f.linkErr
}

func (f *fakeForge) CloseIssue(ctx context.Context, owner, repo string, issueNumber int, comment string) error {
	f.closeCalls++
	return f.closeErr
}

func (f *fakeForge) GetRepoID(ctx context.Context, owner, repo string) (string, error) {
	if f.getRepoIDErr != nil {
		return "", f.getRepoIDErr
	}
	return f.repoID, nil
}

func newClaimer(t *testing.T, f forge.Forge) (*claim.Claimer, claimstore.Store) {
	t.Helper()
	db := claimstore.NewMemStore()
	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return claim.New(db, clk, f, claim.Repo{Owner: "acme", Name: "widgets"}, nil), db
}

func TestClaimExistingRejectsDuplicate(t *testing.T) {
	c, _ := newClaimer(t, &fakeForge{})
	ctx := context.Background()

	_, err := c.ClaimExisting(ctx, 1, 42, "agent-1")
	require.NoError(t, err)

	_, err = c.ClaimExisting(ctx, 1, 42, "agent-2")
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindConflict, appErr.Kind)
	assert.Equal(t, apperrors.ReasonDuplicateClaim, appErr.Reason)
}

func TestClaimNewLinksAndClaims(t *testing.T) {
	f := &fakeForge{issueNumber: 99, repoID: "R_abc"}
	c, _ := newClaimer(t, f)
	ctx := context.Background()

	row, warnings, err := c.ClaimNew(ctx, 1, forge.IssueOptions{Title: "do the thing"}, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 99, row.IssueNumber)
	assert.Equal(t, 1, f.linkCalls)
}

func TestClaimNewReportsLinkFailureAsWarningNotError(t *testing.T) {
	f := &fakeForge{issueNumber: 99, repoID: "R_abc", linkErr: errors.New("project api down")}
	c, _ := newClaimer(t, f)
	ctx := context.Background()

	row, warnings, err := c.ClaimNew(ctx, 1, forge.IssueOptions{Title: "do the thing"}, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Len(t, warnings, 1)
}

func TestClaimNewFailsHardOnCreateIssueError(t *testing.T) {
	f := &fakeForge{createErr: errors.New("forge unreachable")}
	c, _ := newClaimer(t, f)
	ctx := context.Background()

	_, _, err := c.ClaimNew(ctx, 1, forge.IssueOptions{Title: "do the thing"}, "agent-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDependencyUnavailable, apperrors.KindOf(err))
}

func TestGetReturnsNilForUnclaimedPair(t *testing.T) {
	c, _ := newClaimer(t, &fakeForge{})
	row, err := c.Get(context.Background(), 1, 42)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestReleaseClosesIssueWhenRequested(t *testing.T) {
	f := &fakeForge{}
	c, _ := newClaimer(t, f)
	ctx := context.Background()

	_, err := c.ClaimExisting(ctx, 1, 42, "agent-1")
	require.NoError(t, err)

	err = c.Release(ctx, 1, 42, true, "done")
	require.NoError(t, err)
	assert.Equal(t, 1, f.closeCalls)

	row, err := c.Get(ctx, 1, 42)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestReleaseRejectsUnknownPair(t *testing.T) {
	c, _ := newClaimer(t, &fakeForge{})
	err := c.Release(context.Background(), 1, 42, false, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestListFiltersByProject(t *testing.T) {
	c, _ := newClaimer(t, &fakeForge{})
	ctx := context.Background()
	_, err := c.ClaimExisting(ctx, 1, 42, "agent-1")
	require.NoError(t, err)
	_, err = c.ClaimExisting(ctx, 2, 7, "agent-1")
	require.NoError(t, err)

	rows, err := c.List(ctx, claimstore.M{"project_number": 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 42, rows[0].IssueNumber)
}
