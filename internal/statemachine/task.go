package statemachine

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
)

// taskTransitions is the legal-transition table from §3 of the data
// model, in the same shape as the reference's validTransitions map.
var taskTransitions = map[string][]string{
	claimstore.TaskPending:    {claimstore.TaskInProgress, claimstore.TaskBlocked, claimstore.TaskCompleted},
	claimstore.TaskInProgress: {claimstore.TaskCompleted, claimstore.TaskFailed, claimstore.TaskBlocked, claimstore.TaskPending},
	claimstore.TaskBlocked:    {claimstore.TaskPending, claimstore.TaskInProgress},
	claimstore.TaskFailed:     {claimstore.TaskPending},
	claimstore.TaskCompleted:  {},
}

func canTransitionTask(from, to string) bool {
	targets, ok := taskTransitions[from]
	return ok && slices.Contains(targets, to)
}

// TaskMachine is the Task half of the session/task state machine.
type TaskMachine struct {
	clk clock.Clock
	db  claimstore.Store
	bus Publisher
}

func NewTaskMachine(db claimstore.Store, clk clock.Clock, bus Publisher) *TaskMachine {
	if bus == nil {
		bus = NoopPublisher()
	}
	return &TaskMachine{clk: clk, db: db, bus: bus}
}

// CreateTask inserts a new pending task under sessionID.
func (tm *TaskMachine) CreateTask(ctx context.Context, sessionID, projectID string) (*claimstore.Task, error) {
	t := &claimstore.Task{
		TaskID:    uuid.NewString(),
		SessionID: sessionID,
		ProjectID: projectID,
		Status:    claimstore.TaskPending,
	}
	if err := tm.db.InsertTask(ctx, t); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "insert task")
	}
	tm.bus.Publish(ctx, "task.created", t)
	return t, nil
}

// Transition validates and executes to per the table above.
func (tm *TaskMachine) Transition(ctx context.Context, taskID, to string, errorMessage *string) (*claimstore.Task, error) {
	if _, known := taskTransitions[to]; !known {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown task status %q", to)
	}

	task, err := tm.db.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.NotFound("task", taskID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "load task")
	}

	if !canTransitionTask(task.Status, to) {
		return nil, apperrors.IllegalTransition(task.Status, to)
	}
	if to == claimstore.TaskFailed && (errorMessage == nil || *errorMessage == "") {
		return nil, apperrors.New(apperrors.KindValidation, "error message required when transitioning to failed")
	}

	now := tm.clk.Now()
	fields := claimstore.M{"status": to}
	switch to {
	case claimstore.TaskInProgress:
		fields["started_at"] = now
	case claimstore.TaskCompleted, claimstore.TaskFailed:
		fields["completed_at"] = now
	}
	if to == claimstore.TaskFailed {
		fields["error_message"] = *errorMessage
	}

	updated, err := tm.db.FindAndUpdateTask(ctx, claimstore.M{"task_id": taskID, "status": task.Status}, claimstore.Set(fields))
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return nil, apperrors.Conflict(apperrors.ReasonConcurrentModification, "task status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "update task")
	}

	switch to {
	case claimstore.TaskInProgress:
		_, _ = tm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": task.SessionID}, claimstore.Set(claimstore.M{"current_task_id": taskID}))
	case claimstore.TaskCompleted, claimstore.TaskFailed:
		_, _ = tm.db.FindAndUpdateSession(ctx, claimstore.M{"session_id": task.SessionID, "current_task_id": taskID}, claimstore.Set(claimstore.M{"current_task_id": nil}))
	}

	tm.bus.Publish(ctx, "task."+to, updated)
	return updated, nil
}
