// Package reviewqueue is the ordered list of completed-but-unreviewed
// work awaiting operator disposition. Queue is backed by the Claim
// Store's review collection and its partial unique index; FileQueue
// (see file_store.go) is the database-less alternative for small
// deployments.
package reviewqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// Retention is how long a completed review is kept before housekeeping
// prunes it.
const Retention = 7 * 24 * time.Hour

// Interface is the Review Queue contract both the Claim Store-backed
// Queue and the file-backed FileQueue satisfy, letting the Control API
// bind to whichever deployment's housekeeping config selects without
// knowing which backend is underneath.
type Interface interface {
	Enqueue(ctx context.Context, projectNumber, issueNumber int, branchName, completedByAgentID string) (*claimstore.ReviewItem, error)
	List(ctx context.Context, filter claimstore.M) ([]*claimstore.ReviewItem, error)
	Claim(ctx context.Context, reviewID string) (*claimstore.ReviewItem, error)
	UpdateStatus(ctx context.Context, reviewID, newStatus string, feedback *string) (*claimstore.ReviewItem, error)
	ReleaseClaim(ctx context.Context, reviewID string) (*claimstore.ReviewItem, error)
	PruneCompleted(ctx context.Context) (int64, error)
}

// Queue is the Claim Store-backed implementation.
type Queue struct {
	db          claimstore.Store
	clk         clock.Clock
	bus         statemachine.Publisher
	claimWindow time.Duration
}

func New(db claimstore.Store, clk clock.Clock, bus statemachine.Publisher, claimWindow time.Duration) *Queue {
	if bus == nil {
		bus = statemachine.NoopPublisher()
	}
	return &Queue{db: db, clk: clk, bus: bus, claimWindow: claimWindow}
}

// Enqueue returns the existing open review for the pair if one exists,
// otherwise inserts a new pending review.
func (q *Queue) Enqueue(ctx context.Context, projectNumber, issueNumber int, branchName, completedByAgentID string) (*claimstore.ReviewItem, error) {
	if existing, err := q.db.FindReviewByPair(ctx, projectNumber, issueNumber, claimstore.OpenReviewStatuses); err == nil {
		return existing, nil
	} else if !errors.Is(err, claimstore.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "look up existing review")
	}

	r := &claimstore.ReviewItem{
		ReviewID:           uuid.NewString(),
		ProjectNumber:      projectNumber,
		IssueNumber:        issueNumber,
		BranchName:         branchName,
		CompletedByAgentID: completedByAgentID,
		Status:             claimstore.ReviewPending,
		EnqueuedAt:         q.clk.Now(),
	}
	if err := q.db.InsertReview(ctx, r); err != nil {
		if errors.Is(err, claimstore.ErrDuplicateKey) {
			// Lost the race to the unique index; the winner's row is
			// now the open review for this pair.
			winner, lookupErr := q.db.FindReviewByPair(ctx, projectNumber, issueNumber, claimstore.OpenReviewStatuses)
			if lookupErr != nil {
				return nil, apperrors.Wrap(apperrors.KindInternal, lookupErr, "look up winning review after conflict")
			}
			return winner, nil
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "insert review")
	}
	q.bus.Publish(ctx, "review.enqueued", r)
	return r, nil
}

// List returns reviews matching filter, ordered oldest-enqueued-first.
func (q *Queue) List(ctx context.Context, filter claimstore.M) ([]*claimstore.ReviewItem, error) {
	reviews, err := q.db.ListReviews(ctx, filter, claimstore.ListOpts{SortBy: "enqueued_at"})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "list reviews")
	}
	return reviews, nil
}

// Claim atomically hands reviewID to a claimant, either because it is
// pending or because its prior claim has timed out. Returns nil, nil
// if no row currently matches either condition.
func (q *Queue) Claim(ctx context.Context, reviewID string) (*claimstore.ReviewItem, error) {
	r, err := q.db.GetReview(ctx, reviewID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("review", reviewID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load review")
	}

	now := q.clk.Now()
	eligible := r.Status == claimstore.ReviewPending ||
		(r.Status == claimstore.ReviewInReview && r.ClaimedAt != nil && r.ClaimedAt.Before(now.Add(-q.claimWindow)))
	if !eligible {
		return nil, nil
	}

	updated, err := q.db.FindAndUpdateReview(ctx,
		claimstore.M{"review_id": reviewID, "status": r.Status},
		claimstore.Set(claimstore.M{"status": claimstore.ReviewInReview, "claimed_at": now}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			// Someone else claimed it between our read and our CAS.
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "claim review")
	}
	q.bus.Publish(ctx, "review.claimed", updated)
	return updated, nil
}

// UpdateStatus moves a claimed review to approved or rejected, setting
// completed_at and an optional feedback note.
func (q *Queue) UpdateStatus(ctx context.Context, reviewID, newStatus string, feedback *string) (*claimstore.ReviewItem, error) {
	if newStatus != claimstore.ReviewApproved && newStatus != claimstore.ReviewRejected {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown review status %q", newStatus)
	}
	fields := claimstore.M{"status": newStatus, "completed_at": q.clk.Now()}
	if feedback != nil {
		fields["feedback"] = *feedback
	}
	updated, err := q.db.FindAndUpdateReview(ctx,
		claimstore.M{"review_id": reviewID, "status": claimstore.ReviewInReview},
		claimstore.Set(fields))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "review is not in_review")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update review status")
	}
	q.bus.Publish(ctx, "review."+newStatus, updated)
	return updated, nil
}

// ReleaseClaim resets a claimed review back to pending.
func (q *Queue) ReleaseClaim(ctx context.Context, reviewID string) (*claimstore.ReviewItem, error) {
	updated, err := q.db.FindAndUpdateReview(ctx,
		claimstore.M{"review_id": reviewID, "status": claimstore.ReviewInReview},
		claimstore.Set(claimstore.M{"status": claimstore.ReviewPending, "claimed_at": nil}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "review is not in_review")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "release review claim")
	}
	q.bus.Publish(ctx, "review.released", updated)
	return updated, nil
}

// PruneCompleted deletes approved/rejected reviews older than Retention.
// Intended to be called on the same cadence as the Liveness Monitor,
// but kept independent of it since retention is a housekeeping concern
// and not a liveness signal.
func (q *Queue) PruneCompleted(ctx context.Context) (int64, error) {
	cutoff := q.clk.Now().Add(-Retention)
	n, err := q.db.DeleteManyReviews(ctx, claimstore.M{
		"status":       claimstore.M{"$in": []string{claimstore.ReviewApproved, claimstore.ReviewRejected}},
		"completed_at": claimstore.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, err, "prune completed reviews")
	}
	return n, nil
}
