package claimstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by single-row reads (and by FindAndUpdate*
// when no document matches the filter) instead of a nil, error-free
// result, so callers cannot mistake "not found" for "no error".
var ErrNotFound = errors.New("claimstore: not found")

// ErrDuplicateKey is returned by Insert* when a unique index rejects
// the write.
var ErrDuplicateKey = errors.New("claimstore: duplicate key")

// M is a loosely-typed filter/mutation document. It mirrors Mongo's
// bson.M shape structurally (map[string]any) without requiring callers
// outside this package to import the driver.
type M map[string]any

// ListOpts bounds and orders a list query.
type ListOpts struct {
	Limit  int64
	Offset int64
	SortBy string // field name; "" means unspecified
	Desc   bool
}

// Store is the seam every higher-level component programs against. The
// concrete implementation (Mongo, see mongo.go) and the in-memory fake
// used in tests (see memstore.go) both satisfy it; no caller imports
// the Mongo driver directly.
type Store interface {
	Ping(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error

	InsertMachine(ctx context.Context, m *Machine) error
	GetMachine(ctx context.Context, machineID string) (*Machine, error)
	FindAndUpdateMachine(ctx context.Context, filter, update M) (*Machine, error)
	ListMachines(ctx context.Context, filter M) ([]*Machine, error)
	UpdateManyMachines(ctx context.Context, filter, update M) (int64, error)

	InsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	FindAndUpdateSession(ctx context.Context, filter, update M) (*Session, error)
	ListSessions(ctx context.Context, filter M, opts ListOpts) ([]*Session, error)
	UpdateManySessions(ctx context.Context, filter, update M) (int64, error)

	// AssignSlot atomically binds sessionID to (machineID, slot),
	// rejecting with ErrDuplicateKey if another non-terminal session
	// already holds that pair. ReleaseSlot clears a session's slot and
	// is a no-op if it already has none.
	AssignSlot(ctx context.Context, sessionID, machineID string, slot int) (*Session, error)
	ReleaseSlot(ctx context.Context, sessionID string) (*Session, error)

	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	FindAndUpdateTask(ctx context.Context, filter, update M) (*Task, error)
	ListTasks(ctx context.Context, filter M) ([]*Task, error)

	InsertProjectClaim(ctx context.Context, c *ProjectClaim) error
	GetProjectClaim(ctx context.Context, projectNumber, issueNumber int) (*ProjectClaim, error)
	// DeleteProjectClaim releases a claim, returning ErrNotFound if
	// none exists for the pair. A release is a precondition-free
	// delete; whoever holds the claim may always release it.
	DeleteProjectClaim(ctx context.Context, projectNumber, issueNumber int) error
	ListProjectClaims(ctx context.Context, filter M) ([]*ProjectClaim, error)

	InsertReview(ctx context.Context, r *ReviewItem) error
	GetReview(ctx context.Context, reviewID string) (*ReviewItem, error)
	FindReviewByPair(ctx context.Context, projectNumber, issueNumber int, statuses []string) (*ReviewItem, error)
	FindAndUpdateReview(ctx context.Context, filter, update M) (*ReviewItem, error)
	ListReviews(ctx context.Context, filter M, opts ListOpts) ([]*ReviewItem, error)
	DeleteManyReviews(ctx context.Context, filter M) (int64, error)

	GetWorkspace(ctx context.Context, workspaceID string) (*WorkspaceOrchestration, error)
	FindAndUpdateWorkspace(ctx context.Context, filter, update M) (*WorkspaceOrchestration, error)
	UpsertWorkspace(ctx context.Context, workspaceID string, mutate func(*WorkspaceOrchestration)) (*WorkspaceOrchestration, error)
	ListWorkspaces(ctx context.Context) ([]*WorkspaceOrchestration, error)
}

// Set builds an update document of the shape {"$set": fields}, the
// mutation shape every FindAndUpdate* call in this module uses.
func Set(fields M) M {
	return M{"$set": fields}
}
