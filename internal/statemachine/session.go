package statemachine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/scheduler"
)

// sessionTerminalStatuses are statuses a session never leaves once reached.
var sessionTerminalStatuses = map[string]bool{
	claimstore.SessionCompleted: true,
	claimstore.SessionFailed:    true,
	claimstore.SessionArchived:  true,
}

// SessionMachine is the Session half of the session/task state machine.
// It owns the only write path that creates or terminates a session, so
// that slot assignment and the occupying-slot invariant stay coupled to
// every status change.
type SessionMachine struct {
	db  claimstore.Store
	clk clock.Clock
	sch *scheduler.Scheduler
	bus Publisher
}

func NewSessionMachine(db claimstore.Store, clk clock.Clock, sch *scheduler.Scheduler, bus Publisher) *SessionMachine {
	if bus == nil {
		bus = NoopPublisher()
	}
	return &SessionMachine{db: db, clk: clk, sch: sch, bus: bus}
}

// CreateSession assigns a slot and inserts a new active session. If slot
// is nil the lowest free slot on machineID is chosen.
//
// The row is inserted under the transient claimstore.SessionProvisioning
// status rather than active: the production store's uniqueness guarantee
// over (machine_id, slot) is a partial index that only covers
// claimstore.SessionOccupyingStatuses, so an insert that was already
// "active" with no slot chosen yet would collide with any other
// concurrent create targeting the same machine (every such row indexes
// as the same (machine_id, null) pair) well before Assign ever runs.
// Provisioning rows are invisible to that index, so the only place
// uniqueness is actually enforced is Assign's slot-scoped update, per
// §4.D.
func (sm *SessionMachine) CreateSession(ctx context.Context, projectID, machineID string, slot *int) (*claimstore.Session, error) {
	now := sm.clk.Now()
	sessionID := uuid.NewString()

	sess := &claimstore.Session{
		SessionID:     sessionID,
		ProjectID:     projectID,
		MachineID:     machineID,
		Status:        claimstore.SessionProvisioning,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	if err := sm.db.InsertSession(ctx, sess); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "insert session")
	}

	_, assigned, err := sm.sch.Assign(ctx, sessionID, machineID, slot)
	if err != nil {
		sm.failProvisioning(ctx, sessionID, err)
		return nil, err
	}

	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID}, claimstore.Set(claimstore.M{"slot": assigned}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "record assigned slot")
	}

	sm.bus.Publish(ctx, "session.created", updated)
	return updated, nil
}

// failProvisioning rolls a session that never made it out of
// SessionProvisioning back to failed, satisfying §3's "completed_at set
// iff status in {completed, failed}" and §7's requirement that every
// terminal session failure record metadata.failure{reason, details,
// timestamp}. Best effort: the assign error is what the caller sees,
// not any failure to record this rollback.
func (sm *SessionMachine) failProvisioning(ctx context.Context, sessionID string, cause error) {
	now := sm.clk.Now()
	failure := map[string]any{
		"reason":  "slot assignment failed during session creation",
		"details": map[string]any{"error": cause.Error()},
		"at":      now,
	}
	_, _ = sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID}, claimstore.Set(claimstore.M{
		"status":       claimstore.SessionFailed,
		"completed_at": now,
		"metadata":     map[string]any{"failure": failure},
	}))
}

// Heartbeat updates last_heartbeat and clears a stalled status. Safe to
// call repeatedly.
func (sm *SessionMachine) Heartbeat(ctx context.Context, sessionID string) (*claimstore.Session, error) {
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	if sessionTerminalStatuses[sess.Status] {
		return nil, apperrors.New(apperrors.KindIllegalTransition, "session is terminal")
	}

	now := sm.clk.Now()
	fields := claimstore.M{"last_heartbeat": now}
	if sess.Status == claimstore.SessionStalled {
		fields["status"] = claimstore.SessionActive
	}

	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID, "status": sess.Status}, claimstore.Set(fields))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "session status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update session")
	}
	if sess.Status == claimstore.SessionStalled {
		sm.bus.Publish(ctx, "session.active", updated)
	} else {
		sm.bus.Publish(ctx, "session.heartbeat", updated)
	}
	return updated, nil
}

// UpdateSession merges metadata and optionally validates a status enum
// change that isn't one of the terminal/stall transitions handled by
// the dedicated methods.
func (sm *SessionMachine) UpdateSession(ctx context.Context, sessionID string, metadataPatch map[string]any) (*claimstore.Session, error) {
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	if sessionTerminalStatuses[sess.Status] {
		return nil, apperrors.New(apperrors.KindIllegalTransition, "session is terminal")
	}

	merged := make(map[string]any, len(sess.Metadata)+len(metadataPatch))
	for k, v := range sess.Metadata {
		merged[k] = v
	}
	for k, v := range metadataPatch {
		merged[k] = v
	}

	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID, "status": sess.Status}, claimstore.Set(claimstore.M{"metadata": merged}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "session status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update session")
	}
	sm.bus.Publish(ctx, "session.updated", updated)
	return updated, nil
}

// CompleteSession terminally transitions to completed or failed, frees
// the slot, and records completed_at.
func (sm *SessionMachine) CompleteSession(ctx context.Context, sessionID, outcome string) (*claimstore.Session, error) {
	if outcome != claimstore.SessionCompleted && outcome != claimstore.SessionFailed {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown outcome %q", outcome)
	}
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	if sessionTerminalStatuses[sess.Status] {
		return nil, apperrors.IllegalTransition(sess.Status, outcome)
	}

	now := sm.clk.Now()
	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID, "status": sess.Status}, claimstore.Set(claimstore.M{
		"status":       outcome,
		"completed_at": now,
	}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "session status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update session")
	}

	if err := sm.sch.Release(ctx, sessionID); err != nil {
		return nil, err
	}

	sm.bus.Publish(ctx, "session."+outcome, updated)
	return updated, nil
}

// MarkFailed records failure metadata and transitions to failed; only
// legal from a non-terminal status.
func (sm *SessionMachine) MarkFailed(ctx context.Context, sessionID, reason string, errorDetails map[string]any) (*claimstore.Session, error) {
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	if sessionTerminalStatuses[sess.Status] {
		return nil, apperrors.IllegalTransition(sess.Status, claimstore.SessionFailed)
	}

	now := sm.clk.Now()
	merged := make(map[string]any, len(sess.Metadata)+1)
	for k, v := range sess.Metadata {
		merged[k] = v
	}
	merged["failure"] = map[string]any{
		"reason":  reason,
		"details": errorDetails,
		"at":      now,
	}

	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID, "status": sess.Status}, claimstore.Set(claimstore.M{
		"status":       claimstore.SessionFailed,
		"completed_at": now,
		"metadata":     merged,
	}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "session status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update session")
	}

	if err := sm.sch.Release(ctx, sessionID); err != nil {
		return nil, err
	}

	sm.bus.Publish(ctx, "session.failed", updated)
	return updated, nil
}

// MarkStalled transitions an active or paused session to stalled; only
// legal from a non-terminal status. Unlike CompleteSession/MarkFailed,
// a stalled session still occupies its slot per the occupying-status
// set, so no release happens here.
func (sm *SessionMachine) MarkStalled(ctx context.Context, sessionID, reason string) (*claimstore.Session, error) {
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	if sessionTerminalStatuses[sess.Status] {
		return nil, apperrors.IllegalTransition(sess.Status, claimstore.SessionStalled)
	}
	if sess.Status == claimstore.SessionStalled {
		return sess, nil
	}

	merged := make(map[string]any, len(sess.Metadata)+1)
	for k, v := range sess.Metadata {
		merged[k] = v
	}
	merged["stall_reason"] = reason

	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID, "status": sess.Status}, claimstore.Set(claimstore.M{
		"status":   claimstore.SessionStalled,
		"metadata": merged,
	}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "session status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update session")
	}
	sm.bus.Publish(ctx, "session.stalled", updated)
	return updated, nil
}

// PrepareRecovery validates that sessionID is actually eligible for
// recovery (stalled or failed) without mutating anything, so the
// Control API can surface a clear rejection before an operator commits
// to the recovery call.
func (sm *SessionMachine) PrepareRecovery(ctx context.Context, sessionID string) (*claimstore.Session, error) {
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	if sess.Status != claimstore.SessionStalled && sess.Status != claimstore.SessionFailed {
		return nil, apperrors.IllegalTransition(sess.Status, "recovering")
	}
	return sess, nil
}

// Recover transitions a stalled or failed session back to active,
// reassigning a slot if the prior one is no longer held, and appends a
// RecoveryAttempt to the session's history. Failed sessions recover
// into a fresh slot since CompleteSession/MarkFailed already released
// theirs; stalled sessions keep their existing slot since stalled never
// releases one.
func (sm *SessionMachine) Recover(ctx context.Context, sessionID, reason string) (*claimstore.Session, error) {
	sess, err := sm.PrepareRecovery(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := sm.clk.Now()
	slot := sess.Slot
	fromStatus := sess.Status
	if sess.Status == claimstore.SessionFailed {
		_, assigned, err := sm.sch.Assign(ctx, sessionID, sess.MachineID, nil)
		if err != nil {
			return nil, err
		}
		slot = &assigned
		// Assign has already moved the row to active.
		fromStatus = claimstore.SessionActive
	}

	attempt := RecoveryAttemptRecord(now, reason)
	recovery := claimstore.Recovery{
		Attempts: sess.Recovery.Attempts + 1,
		History:  append(sess.Recovery.History, attempt),
	}
	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID, "status": fromStatus}, claimstore.Set(claimstore.M{
		"status":         claimstore.SessionActive,
		"slot":           slot,
		"last_heartbeat": now,
		"completed_at":   nil,
		"recovery":       recovery,
	}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "session status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update session")
	}
	sm.bus.Publish(ctx, "session.recovered", updated)
	return updated, nil
}

// RecoveryAttemptRecord builds a RecoveryAttempt, split out so both the
// session machine and its tests construct the same shape.
func RecoveryAttemptRecord(at time.Time, reason string) claimstore.RecoveryAttempt {
	return claimstore.RecoveryAttempt{At: at, Reason: reason}
}

// FailureInfoRecommendation is one human-readable recovery suggestion
// derived from how a session got into its current state.
type FailureInfoRecommendation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FailureInfo summarizes a session's failure/stall state plus a set of
// recovery recommendations derived from the elapsed time since its last
// heartbeat and whether any of its tasks are stuck in_progress.
type FailureInfo struct {
	Session         *claimstore.Session          `json:"session"`
	SinceHeartbeat  string                       `json:"since_heartbeat"`
	StuckTasks      []*claimstore.Task           `json:"stuck_tasks"`
	Recommendations []FailureInfoRecommendation  `json:"recommendations"`
}

func (sm *SessionMachine) FailureInfo(ctx context.Context, sessionID string) (*FailureInfo, error) {
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}

	tasks, err := sm.db.ListTasks(ctx, claimstore.M{"session_id": sessionID, "status": claimstore.TaskInProgress})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "list tasks")
	}

	since := sm.clk.Now().Sub(sess.LastHeartbeat)
	var recs []FailureInfoRecommendation
	switch {
	case sess.Status == claimstore.SessionFailed:
		recs = append(recs, FailureInfoRecommendation{Code: "restart_session", Message: "session failed; recover to assign a fresh slot and resume"})
	case sess.Status == claimstore.SessionStalled:
		recs = append(recs, FailureInfoRecommendation{Code: "recover_session", Message: "session stalled; recover to resume on its current slot"})
	}
	if since > 0 {
		recs = append(recs, FailureInfoRecommendation{Code: "heartbeat_gap", Message: "last heartbeat was " + since.String() + " ago"})
	}
	if len(tasks) > 0 {
		recs = append(recs, FailureInfoRecommendation{Code: "stuck_tasks", Message: "tasks remain in_progress with no recent completion; consider marking them failed before recovering"})
	}

	return &FailureInfo{
		Session:         sess,
		SinceHeartbeat:  since.String(),
		StuckTasks:      tasks,
		Recommendations: recs,
	}, nil
}

// ArchiveSession is the Control API's soft-delete: a terminal session
// moves to archived, which excludes it from the TTL index so it is
// retained indefinitely for audit purposes. Legal only from completed
// or failed.
func (sm *SessionMachine) ArchiveSession(ctx context.Context, sessionID string) (*claimstore.Session, error) {
	sess, err := sm.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load session")
	}
	if sess.Status != claimstore.SessionCompleted && sess.Status != claimstore.SessionFailed {
		return nil, apperrors.IllegalTransition(sess.Status, claimstore.SessionArchived)
	}

	updated, err := sm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": sessionID, "status": sess.Status}, claimstore.Set(claimstore.M{"status": claimstore.SessionArchived}))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "session status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update session")
	}
	sm.bus.Publish(ctx, "session.archived", updated)
	return updated, nil
}
