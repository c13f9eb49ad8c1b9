// Package claimstore is the durable, atomically mutated record of
// machines, sessions, tasks, project claims, review items, and
// per-workspace orchestration counters. It is the only component that
// owns shared mutable state; every other component reaches it only
// through the Store interface in store.go.
package claimstore

import "time"

// Machine status values.
const (
	MachineOnline      = "online"
	MachineOffline     = "offline"
	MachineMaintenance = "maintenance"
)

// Session status values.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionStalled   = "stalled"
	SessionArchived  = "archived"
)

// SessionProvisioning is an internal-only status, never part of the
// documented status enum and never returned to a caller: a session is
// inserted under this status, before it occupies any (machine_id, slot)
// pair, so that two concurrent inserts targeting the same machine with
// no slot chosen yet cannot collide on the partial unique index that
// only covers SessionOccupyingStatuses. It is resolved to active or
// failed within the same CreateSession call that created it.
const SessionProvisioning = "provisioning"

// Task status values.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Review status values.
const (
	ReviewPending  = "pending"
	ReviewInReview = "in_review"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// SessionOccupyingStatuses are the statuses under which a session still
// occupies its (machine_id, slot) pair.
var SessionOccupyingStatuses = []string{SessionActive, SessionPaused, SessionStalled}

// OpenReviewStatuses are the statuses counted by the review queue's
// at-most-one-open-review-per-pair invariant.
var OpenReviewStatuses = []string{ReviewPending, ReviewInReview}

// Machine is a worker machine advertising a fixed set of execution
// slots.
type Machine struct {
	MachineID     string         `bson:"machine_id" json:"machine_id"`
	Hostname      string         `bson:"hostname" json:"hostname"`
	Slots         []int          `bson:"slots" json:"slots"`
	Status        string         `bson:"status" json:"status"`
	LastHeartbeat time.Time      `bson:"last_heartbeat" json:"last_heartbeat"`
	Metadata      map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// RecoveryAttempt records one recovery attempt against a session.
type RecoveryAttempt struct {
	At     time.Time `bson:"at" json:"at"`
	Reason string    `bson:"reason" json:"reason"`
}

// Recovery tracks how many times, and why, a session has been
// recovered from a stalled or failed state.
type Recovery struct {
	Attempts int               `bson:"attempts" json:"attempts"`
	History  []RecoveryAttempt `bson:"history,omitempty" json:"history,omitempty"`
}

// Session is one agent's attempt at a project, bound to a machine/slot.
type Session struct {
	SessionID     string         `bson:"session_id" json:"session_id"`
	ProjectID     string         `bson:"project_id" json:"project_id"`
	MachineID     string         `bson:"machine_id" json:"machine_id"`
	Slot          *int           `bson:"slot,omitempty" json:"slot,omitempty"`
	Status        string         `bson:"status" json:"status"`
	LastHeartbeat time.Time      `bson:"last_heartbeat" json:"last_heartbeat"`
	CurrentTaskID *string        `bson:"current_task_id,omitempty" json:"current_task_id,omitempty"`
	StartedAt     time.Time      `bson:"started_at" json:"started_at"`
	CompletedAt   *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	Metadata      map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Recovery      Recovery       `bson:"recovery" json:"recovery"`
}

// Occupying reports whether this session's status counts as holding
// its machine/slot pair.
func (s *Session) Occupying() bool {
	for _, st := range SessionOccupyingStatuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// Task is a sub-step within a session, tracked independently.
type Task struct {
	TaskID        string         `bson:"task_id" json:"task_id"`
	SessionID     string         `bson:"session_id" json:"session_id"`
	ProjectID     string         `bson:"project_id" json:"project_id"`
	Status        string         `bson:"status" json:"status"`
	GithubIssueID *string        `bson:"github_issue_id,omitempty" json:"github_issue_id,omitempty"`
	StartedAt     *time.Time     `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	ErrorMessage  *string        `bson:"error_message,omitempty" json:"error_message,omitempty"`
	Metadata      map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// ProjectClaim is an exclusive assertion of ownership over a work unit.
type ProjectClaim struct {
	ProjectNumber    int       `bson:"project_number" json:"project_number"`
	IssueNumber      int       `bson:"issue_number" json:"issue_number"`
	ClaimedByAgentID string    `bson:"claimed_by_agent_id" json:"claimed_by_agent_id"`
	ClaimedAt        time.Time `bson:"claimed_at" json:"claimed_at"`
}

// ReviewItem is a completed-but-unreviewed work unit awaiting operator
// disposition.
type ReviewItem struct {
	ReviewID           string     `bson:"review_id" json:"review_id"`
	ProjectNumber      int        `bson:"project_number" json:"project_number"`
	IssueNumber        int        `bson:"issue_number" json:"issue_number"`
	BranchName         string     `bson:"branch_name" json:"branch_name"`
	CompletedByAgentID string     `bson:"completed_by_agent_id" json:"completed_by_agent_id"`
	Status             string     `bson:"status" json:"status"`
	EnqueuedAt         time.Time  `bson:"enqueued_at" json:"enqueued_at"`
	ClaimedAt          *time.Time `bson:"claimed_at,omitempty" json:"claimed_at,omitempty"`
	CompletedAt        *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	Feedback           *string    `bson:"feedback,omitempty" json:"feedback,omitempty"`
}

// WorkspaceOrchestration is the running/desired agent-count counter for
// one tenant-like workspace scope.
type WorkspaceOrchestration struct {
	WorkspaceID string    `bson:"workspace_id" json:"workspace_id"`
	Running     int       `bson:"running" json:"running"`
	Desired     int       `bson:"desired" json:"desired"`
	LastUpdated time.Time `bson:"last_updated" json:"last_updated"`
}
