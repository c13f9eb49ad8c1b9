package statemachine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

func newTaskMachine(t *testing.T) (*statemachine.TaskMachine, claimstore.Store) {
	t.Helper()
	db := claimstore.NewMemStore()
	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return statemachine.NewTaskMachine(db, clk, nil), db
}

func TestCreateTaskStartsPending(t *testing.T) {
	tm, _ := newTaskMachine(t)
	task, err := tm.CreateTask(context.Background(), "sess-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, claimstore.TaskPending, task.Status)
}

func TestTransitionPendingToInProgressSetsSessionCurrentTask(t *testing.T) {
	tm, db := newTaskMachine(t)
	require.NoError(t, db.InsertSession(context.Background(), &claimstore.Session{SessionID: "sess-1", Status: claimstore.SessionActive}))
	task, err := tm.CreateTask(context.Background(), "sess-1", "proj-1")
	require.NoError(t, err)

	updated, err := tm.Transition(context.Background(), task.TaskID, claimstore.TaskInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, claimstore.TaskInProgress, updated.Status)
	require.NotNil(t, updated.StartedAt)

	sess, err := db.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.CurrentTaskID)
	assert.Equal(t, task.TaskID, *sess.CurrentTaskID)
}

func TestTransitionToCompletedClearsSessionCurrentTask(t *testing.T) {
	tm, db := newTaskMachine(t)
	require.NoError(t, db.InsertSession(context.Background(), &claimstore.Session{SessionID: "sess-1", Status: claimstore.SessionActive}))
	task, err := tm.CreateTask(context.Background(), "sess-1", "proj-1")
	require.NoError(t, err)

	_, err = tm.Transition(context.Background(), task.TaskID, claimstore.TaskInProgress, nil)
	require.NoError(t, err)

	updated, err := tm.Transition(context.Background(), task.TaskID, claimstore.TaskCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, claimstore.TaskCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	sess, err := db.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, sess.CurrentTaskID)
}

func TestTransitionToFailedRequiresErrorMessage(t *testing.T) {
	tm, db := newTaskMachine(t)
	require.NoError(t, db.InsertSession(context.Background(), &claimstore.Session{SessionID: "sess-1", Status: claimstore.SessionActive}))
	task, err := tm.CreateTask(context.Background(), "sess-1", "proj-1")
	require.NoError(t, err)
	_, err = tm.Transition(context.Background(), task.TaskID, claimstore.TaskInProgress, nil)
	require.NoError(t, err)

	_, err = tm.Transition(context.Background(), task.TaskID, claimstore.TaskFailed, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	msg := "worker crashed"
	updated, err := tm.Transition(context.Background(), task.TaskID, claimstore.TaskFailed, &msg)
	require.NoError(t, err)
	require.NotNil(t, updated.ErrorMessage)
	assert.Equal(t, msg, *updated.ErrorMessage)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	tm, _ := newTaskMachine(t)
	task, err := tm.CreateTask(context.Background(), "sess-1", "proj-1")
	require.NoError(t, err)

	// completed has no outgoing transitions
	_, err = tm.Transition(context.Background(), task.TaskID, claimstore.TaskCompleted, nil)
	require.NoError(t, err)

	_, err = tm.Transition(context.Background(), task.TaskID, claimstore.TaskInProgress, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindIllegalTransition, apperrors.KindOf(err))
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	tm, _ := newTaskMachine(t)
	task, err := tm.CreateTask(context.Background(), "sess-1", "proj-1")
	require.NoError(t, err)

	_, err = tm.Transition(context.Background(), task.TaskID, "bogus", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestFailedTaskCanBeRetried(t *testing.T) {
	tm, _ := newTaskMachine(t)
	task, err := tm.CreateTask(context.Background(), "sess-1", "proj-1")
	require.NoError(t, err)
	_, err = tm.Transition(context.Background(), task.TaskID, claimstore.TaskInProgress, nil)
	require.NoError(t, err)

	msg := "timeout"
	_, err = tm.Transition(context.Background(), task.TaskID, claimstore.TaskFailed, &msg)
	require.NoError(t, err)

	retried, err := tm.Transition(context.Background(), task.TaskID, claimstore.TaskPending, nil)
	require.NoError(t, err)
	assert.Equal(t, claimstore.TaskPending, retried.Status)
}
