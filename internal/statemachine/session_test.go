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
	"github.com/stokedconsulting/fleetcoord/internal/scheduler"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

func newSessionMachine(t *testing.T) (*statemachine.SessionMachine, claimstore.Store, *clock.Virtual) {
	t.Helper()
	db := claimstore.NewMemStore()
	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, db.InsertMachine(context.Background(), &claimstore.Machine{
		MachineID: "m1", Slots: []int{0, 1}, Status: claimstore.MachineOnline,
	}))
	sch := scheduler.New(db)
	return statemachine.NewSessionMachine(db, clk, sch, nil), db, clk
}

func TestCreateSessionAssignsSlot(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)
	require.NotNil(t, sess.Slot)
	assert.Equal(t, 0, *sess.Slot)
	assert.Equal(t, claimstore.SessionActive, sess.Status)
}

func TestHeartbeatClearsStalled(t *testing.T) {
	sm, _, clk := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	_, err = sm.MarkStalled(context.Background(), sess.SessionID, "no heartbeat")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	updated, err := sm.Heartbeat(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionActive, updated.Status)
}

func TestHeartbeatRejectsTerminalSession(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	_, err = sm.CompleteSession(context.Background(), sess.SessionID, claimstore.SessionCompleted)
	require.NoError(t, err)

	_, err = sm.Heartbeat(context.Background(), sess.SessionID)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindIllegalTransition, apperrors.KindOf(err))
}

func TestCompleteSessionReleasesSlot(t *testing.T) {
	sm, db, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	_, err = sm.CompleteSession(context.Background(), sess.SessionID, claimstore.SessionCompleted)
	require.NoError(t, err)

	// the freed slot is now assignable to a second session
	sess2, err := sm.CreateSession(context.Background(), "proj-2", "m1", nil)
	require.NoError(t, err)
	require.NotNil(t, sess2.Slot)
	assert.Equal(t, 0, *sess2.Slot)

	stored, err := db.GetSession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestCompleteSessionRejectsUnknownOutcome(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	_, err = sm.CompleteSession(context.Background(), sess.SessionID, "bogus")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestMarkStalledKeepsSlot(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	updated, err := sm.MarkStalled(context.Background(), sess.SessionID, "heartbeat timeout")
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionStalled, updated.Status)
	require.NotNil(t, updated.Slot)
	assert.Equal(t, 0, *updated.Slot)

	// the slot is still occupied; a second session can't take it
	sess2, err := sm.CreateSession(context.Background(), "proj-2", "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, *sess2.Slot)
}

func TestRecoverFailedSessionGetsFreshSlot(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	_, err = sm.MarkFailed(context.Background(), sess.SessionID, "crash", nil)
	require.NoError(t, err)

	// occupy slot 0 so recovery must land on a different one
	sess2, err := sm.CreateSession(context.Background(), "proj-2", "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, *sess2.Slot)

	recovered, err := sm.Recover(context.Background(), sess.SessionID, "operator retry")
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionActive, recovered.Status)
	require.NotNil(t, recovered.Slot)
	assert.Equal(t, 1, *recovered.Slot)
	assert.Equal(t, 1, recovered.Recovery.Attempts)
}

func TestRecoverStalledSessionKeepsSlot(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)
	originalSlot := *sess.Slot

	_, err = sm.MarkStalled(context.Background(), sess.SessionID, "stuck")
	require.NoError(t, err)

	recovered, err := sm.Recover(context.Background(), sess.SessionID, "resume")
	require.NoError(t, err)
	require.NotNil(t, recovered.Slot)
	assert.Equal(t, originalSlot, *recovered.Slot)
}

func TestPrepareRecoveryRejectsActiveSession(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	_, err = sm.PrepareRecovery(context.Background(), sess.SessionID)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindIllegalTransition, apperrors.KindOf(err))
}

func TestArchiveSessionOnlyFromTerminal(t *testing.T) {
	sm, _, _ := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	_, err = sm.ArchiveSession(context.Background(), sess.SessionID)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindIllegalTransition, apperrors.KindOf(err))

	_, err = sm.CompleteSession(context.Background(), sess.SessionID, claimstore.SessionCompleted)
	require.NoError(t, err)

	archived, err := sm.ArchiveSession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionArchived, archived.Status)
}

func TestFailureInfoRecommendsRecovery(t *testing.T) {
	sm, _, clk := newSessionMachine(t)
	sess, err := sm.CreateSession(context.Background(), "proj-1", "m1", nil)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	_, err = sm.MarkFailed(context.Background(), sess.SessionID, "worker crashed", map[string]any{"code": 1})
	require.NoError(t, err)

	info, err := sm.FailureInfo(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionFailed, info.Session.Status)
	found := false
	for _, rec := range info.Recommendations {
		if rec.Code == "restart_session" {
			found = true
		}
	}
	assert.True(t, found, "expected a restart_session recommendation")
}

// TestCreateSessionSlotContentionFailsProvisioningRow exercises S4 (two
// concurrent create_session calls on the same explicit slot): the loser
// must come back as SlotOccupied, and its row must never be left behind
// in the internal-only provisioning status — it must be failed, with
// completed_at and metadata.failure set, per §3 and §7.
func TestCreateSessionSlotContentionFailsProvisioningRow(t *testing.T) {
	sm, db, _ := newSessionMachine(t)
	slot := 0

	first, err := sm.CreateSession(context.Background(), "proj-1", "m1", &slot)
	require.NoError(t, err)
	require.NotNil(t, first.Slot)
	assert.Equal(t, 0, *first.Slot)

	_, err = sm.CreateSession(context.Background(), "proj-2", "m1", &slot)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ReasonSlotOccupied, appErr.Reason)

	rows, err := db.ListSessions(context.Background(), claimstore.M{"project_id": "proj-2"}, claimstore.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	loser := rows[0]
	assert.Equal(t, claimstore.SessionFailed, loser.Status)
	assert.NotEqual(t, claimstore.SessionProvisioning, loser.Status)
	require.NotNil(t, loser.CompletedAt)
	failure, ok := loser.Metadata["failure"].(map[string]any)
	require.True(t, ok, "expected metadata.failure to be set")
	assert.NotEmpty(t, failure["reason"])
	assert.NotNil(t, failure["details"])
	assert.NotNil(t, failure["at"])
}

// TestInsertSessionRejectsProvisioningCollisionOnNilSlot exercises the
// store-layer invariant directly: two occupying-status sessions with no
// slot chosen yet on the same machine collide the same way they would
// against the production partial unique index on (machine_id, slot),
// where a missing slot indexes identically to any other missing slot.
func TestInsertSessionRejectsProvisioningCollisionOnNilSlot(t *testing.T) {
	db := claimstore.NewMemStore()
	require.NoError(t, db.InsertMachine(context.Background(), &claimstore.Machine{
		MachineID: "m1", Slots: []int{0, 1}, Status: claimstore.MachineOnline,
	}))

	first := &claimstore.Session{SessionID: "s1", MachineID: "m1", Status: claimstore.SessionActive}
	require.NoError(t, db.InsertSession(context.Background(), first))

	second := &claimstore.Session{SessionID: "s2", MachineID: "m1", Status: claimstore.SessionActive}
	err := db.InsertSession(context.Background(), second)
	require.ErrorIs(t, err, claimstore.ErrDuplicateKey)

	// a row inserted under the transient provisioning status never
	// collides at insert time: it isn't occupying yet, so it isn't
	// covered by the partial index, matching the fix in CreateSession.
	third := &claimstore.Session{SessionID: "s3", MachineID: "m1", Status: claimstore.SessionProvisioning}
	require.NoError(t, db.InsertSession(context.Background(), third))
}
