package reviewqueue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/reviewqueue"
)

// backend names every reviewqueue.Interface implementation under test so
// the cases below run identically against both.
type backend struct {
	name string
	build func(t *testing.T, clk clock.Clock) reviewqueue.Interface
}

func backends() []backend {
	return []backend{
		{
			name: "Queue",
			build: func(t *testing.T, clk clock.Clock) reviewqueue.Interface {
				return reviewqueue.New(claimstore.NewMemStore(), clk, nil, 5*time.Minute)
			},
		},
		{
			name: "FileQueue",
			build: func(t *testing.T, clk clock.Clock) reviewqueue.Interface {
				path := filepath.Join(t.TempDir(), "reviews.json")
				return reviewqueue.NewFileQueue(path, clk, nil, 5*time.Minute)
			},
		},
	}
}

func TestEnqueueDedupesOpenReview(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			q := b.build(t, clk)
			ctx := context.Background()

			first, err := q.Enqueue(ctx, 1, 42, "branch-a", "agent-1")
			require.NoError(t, err)

			second, err := q.Enqueue(ctx, 1, 42, "branch-b", "agent-2")
			require.NoError(t, err)
			assert.Equal(t, first.ReviewID, second.ReviewID)
		})
	}
}

func TestClaimThenClaimTimeoutTakeover(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			q := b.build(t, clk)
			ctx := context.Background()

			r, err := q.Enqueue(ctx, 1, 42, "branch-a", "agent-1")
			require.NoError(t, err)

			claimed, err := q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, claimstore.ReviewInReview, claimed.Status)

			// a second claim before the window elapses is rejected (nil, nil)
			again, err := q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)
			assert.Nil(t, again)

			clk.Advance(10 * time.Minute)
			takeover, err := q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)
			require.NotNil(t, takeover)
			assert.Equal(t, claimstore.ReviewInReview, takeover.Status)
		})
	}
}

func TestUpdateStatusRequiresClaimedReview(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			q := b.build(t, clk)
			ctx := context.Background()

			r, err := q.Enqueue(ctx, 1, 42, "branch-a", "agent-1")
			require.NoError(t, err)

			_, err = q.UpdateStatus(ctx, r.ReviewID, claimstore.ReviewApproved, nil)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))

			_, err = q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)

			feedback := "looks good"
			updated, err := q.UpdateStatus(ctx, r.ReviewID, claimstore.ReviewApproved, &feedback)
			require.NoError(t, err)
			assert.Equal(t, claimstore.ReviewApproved, updated.Status)
			require.NotNil(t, updated.CompletedAt)
			require.NotNil(t, updated.Feedback)
			assert.Equal(t, feedback, *updated.Feedback)
		})
	}
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			q := b.build(t, clk)
			ctx := context.Background()

			r, err := q.Enqueue(ctx, 1, 42, "branch-a", "agent-1")
			require.NoError(t, err)
			_, err = q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)

			_, err = q.UpdateStatus(ctx, r.ReviewID, "bogus", nil)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
}

func TestReleaseClaimResetsToPending(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			q := b.build(t, clk)
			ctx := context.Background()

			r, err := q.Enqueue(ctx, 1, 42, "branch-a", "agent-1")
			require.NoError(t, err)
			_, err = q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)

			released, err := q.ReleaseClaim(ctx, r.ReviewID)
			require.NoError(t, err)
			assert.Equal(t, claimstore.ReviewPending, released.Status)
			assert.Nil(t, released.ClaimedAt)

			// pending again means immediately claimable without waiting out the window
			reclaimed, err := q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)
			require.NotNil(t, reclaimed)
		})
	}
}

func TestPruneCompletedRemovesOldTerminalReviews(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			q := b.build(t, clk)
			ctx := context.Background()

			r, err := q.Enqueue(ctx, 1, 42, "branch-a", "agent-1")
			require.NoError(t, err)
			_, err = q.Claim(ctx, r.ReviewID)
			require.NoError(t, err)
			_, err = q.UpdateStatus(ctx, r.ReviewID, claimstore.ReviewApproved, nil)
			require.NoError(t, err)

			clk.Advance(reviewqueue.Retention + time.Hour)

			n, err := q.PruneCompleted(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			remaining, err := q.List(ctx, claimstore.M{})
			require.NoError(t, err)
			assert.Empty(t, remaining)
		})
	}
}

func TestListOrdersOldestFirst(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			q := b.build(t, clk)
			ctx := context.Background()

			_, err := q.Enqueue(ctx, 1, 1, "branch-a", "agent-1")
			require.NoError(t, err)
			clk.Advance(time.Minute)
			_, err = q.Enqueue(ctx, 1, 2, "branch-b", "agent-2")
			require.NoError(t, err)

			items, err := q.List(ctx, claimstore.M{})
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, 1, items[0].IssueNumber)
			assert.Equal(t, 2, items[1].IssueNumber)
		})
	}
}
