package reviewqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// FileQueue is the database-less review queue for deployments without
// Mongo: a single JSON array on disk, guarded by an in-process mutex
// acting as the single-writer lease, written via temp-file-then-rename
// for crash safety.
type FileQueue struct {
	mu          sync.Mutex
	path        string
	clk         clock.Clock
	bus         statemachine.Publisher
	claimWindow time.Duration
}

func NewFileQueue(path string, clk clock.Clock, bus statemachine.Publisher, claimWindow time.Duration) *FileQueue {
	if bus == nil {
		bus = statemachine.NoopPublisher()
	}
	return &FileQueue{path: path, clk: clk, bus: bus, claimWindow: claimWindow}
}

func (q *FileQueue) load() ([]*claimstore.ReviewItem, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read review queue file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []*claimstore.ReviewItem
	if err := json.Unmarshal(data, &items); err != nil {
		// A corrupt file reads as an empty queue; the next save replaces it.
		return nil, nil
	}
	return items, nil
}

// save writes items atomically: encode to a temp file in the same
// directory, then rename over the target.
func (q *FileQueue) save(items []*claimstore.ReviewItem) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode review queue file: %w", err)
	}

	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".reviewqueue.tmp.")
	if err != nil {
		return fmt.Errorf("create temp review queue file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp review queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp review queue file: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		return fmt.Errorf("rename review queue file: %w", err)
	}
	success = true
	return nil
}

func (q *FileQueue) Enqueue(ctx context.Context, projectNumber, issueNumber int, branchName, completedByAgentID string) (*claimstore.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load review queue")
	}
	for _, it := range items {
		if it.ProjectNumber == projectNumber && it.IssueNumber == issueNumber && isOpenReviewStatus(it.Status) {
			return it, nil
		}
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
	items = append(items, r)
	if err := q.save(items); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "save review queue")
	}
	q.bus.Publish(ctx, "review.enqueued", r)
	return r, nil
}

// List returns reviews matching filter's "status" and "project_number"
// keys (the only ones the Control API's list/stats handlers send),
// ordered oldest-enqueued-first to match Queue.List.
func (q *FileQueue) List(ctx context.Context, filter claimstore.M) ([]*claimstore.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load review queue")
	}
	status, wantStatus := filter["status"].(string)
	projectNumber, wantProject := filter["project_number"].(int)

	out := make([]*claimstore.ReviewItem, 0, len(items))
	for _, it := range items {
		if wantStatus && it.Status != status {
			continue
		}
		if wantProject && it.ProjectNumber != projectNumber {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (q *FileQueue) Claim(ctx context.Context, reviewID string) (*claimstore.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load review queue")
	}

	now := q.clk.Now()
	for _, it := range items {
		if it.ReviewID != reviewID {
			continue
		}
		eligible := it.Status == claimstore.ReviewPending ||
			(it.Status == claimstore.ReviewInReview && it.ClaimedAt != nil && it.ClaimedAt.Before(now.Add(-q.claimWindow)))
		if !eligible {
			return nil, nil
		}
		it.Status = claimstore.ReviewInReview
		it.ClaimedAt = &now
		if err := q.save(items); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "save review queue")
		}
		q.bus.Publish(ctx, "review.claimed", it)
		return it, nil
	}
	return nil, apperrors.NotFound("review", reviewID)
}

func (q *FileQueue) UpdateStatus(ctx context.Context, reviewID, newStatus string, feedback *string) (*claimstore.ReviewItem, error) {
	if newStatus != claimstore.ReviewApproved && newStatus != claimstore.ReviewRejected {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown review status %q", newStatus)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load review queue")
	}
	for _, it := range items {
		if it.ReviewID != reviewID {
			continue
		}
		if it.Status != claimstore.ReviewInReview {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "review is not in_review")
		}
		now := q.clk.Now()
		it.Status = newStatus
		it.CompletedAt = &now
		it.Feedback = feedback
		if err := q.save(items); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "save review queue")
		}
		q.bus.Publish(ctx, "review."+newStatus, it)
		return it, nil
	}
	return nil, apperrors.NotFound("review", reviewID)
}

func (q *FileQueue) ReleaseClaim(ctx context.Context, reviewID string) (*claimstore.ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load review queue")
	}
	for _, it := range items {
		if it.ReviewID != reviewID {
			continue
		}
		if it.Status != claimstore.ReviewInReview {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "review is not in_review")
		}
		it.Status = claimstore.ReviewPending
		it.ClaimedAt = nil
		if err := q.save(items); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "save review queue")
		}
		q.bus.Publish(ctx, "review.released", it)
		return it, nil
	}
	return nil, apperrors.NotFound("review", reviewID)
}

// PruneCompleted removes approved/rejected reviews older than Retention.
func (q *FileQueue) PruneCompleted(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, err, "load review queue")
	}
	cutoff := q.clk.Now().Add(-Retention)
	kept := items[:0]
	var pruned int64
	for _, it := range items {
		done := it.Status == claimstore.ReviewApproved || it.Status == claimstore.ReviewRejected
		if done && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, it)
	}
	if pruned > 0 {
		if err := q.save(kept); err != nil {
			return 0, apperrors.Wrap(apperrors.KindInternal, err, "save review queue")
		}
	}
	return pruned, nil
}

func isOpenReviewStatus(status string) bool {
	for _, s := range claimstore.OpenReviewStatuses {
		if s == status {
			return true
		}
	}
	return false
}
