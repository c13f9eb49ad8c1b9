package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/scheduler"
)

func newOnlineMachine(t *testing.T, db claimstore.Store, id string, slots []int) {
	t.Helper()
	require.NoError(t, db.InsertMachine(context.Background(), &claimstore.Machine{
		MachineID: id,
		Slots:     slots,
		Status:    claimstore.MachineOnline,
	}))
}

func newPendingSession(t *testing.T, db claimstore.Store, id, machineID string) {
	t.Helper()
	require.NoError(t, db.InsertSession(context.Background(), &claimstore.Session{
		SessionID: id,
		MachineID: machineID,
		Status:    claimstore.SessionProvisioning,
	}))
}

func TestAssignLowestFreeSlot(t *testing.T) {
	db := claimstore.NewMemStore()
	ctx := context.Background()
	newOnlineMachine(t, db, "m1", []int{0, 1, 2})
	newPendingSession(t, db, "s1", "m1")

	sch := scheduler.New(db)
	machineID, slot, err := sch.Assign(ctx, "s1", "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", machineID)
	assert.Equal(t, 0, slot)
}

func TestAssignExplicitSlotConflict(t *testing.T) {
	db := claimstore.NewMemStore()
	ctx := context.Background()
	newOnlineMachine(t, db, "m1", []int{0, 1})
	newPendingSession(t, db, "s1", "m1")
	newPendingSession(t, db, "s2", "m1")

	sch := scheduler.New(db)
	_, _, err := sch.Assign(ctx, "s1", "m1", intPtr(0))
	require.NoError(t, err)

	_, _, err = sch.Assign(ctx, "s2", "m1", intPtr(0))
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindConflict, appErr.Kind)
	assert.Equal(t, apperrors.ReasonSlotOccupied, appErr.Reason)
}

func TestAssignRejectsOfflineMachine(t *testing.T) {
	db := claimstore.NewMemStore()
	ctx := context.Background()
	require.NoError(t, db.InsertMachine(ctx, &claimstore.Machine{
		MachineID: "m1", Slots: []int{0}, Status: claimstore.MachineOffline,
	}))
	newPendingSession(t, db, "s1", "m1")

	sch := scheduler.New(db)
	_, _, err := sch.Assign(ctx, "s1", "m1", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestReleaseThenReassign(t *testing.T) {
	db := claimstore.NewMemStore()
	ctx := context.Background()
	newOnlineMachine(t, db, "m1", []int{0})
	newPendingSession(t, db, "s1", "m1")
	newPendingSession(t, db, "s2", "m1")

	sch := scheduler.New(db)
	_, _, err := sch.Assign(ctx, "s1", "m1", nil)
	require.NoError(t, err)

	require.NoError(t, sch.Release(ctx, "s1"))
	// releasing an already-free session is idempotent
	require.NoError(t, sch.Release(ctx, "s1"))

	_, slot, err := sch.Assign(ctx, "s2", "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
}

func TestAvailability(t *testing.T) {
	db := claimstore.NewMemStore()
	ctx := context.Background()
	newOnlineMachine(t, db, "m1", []int{0, 1, 2})
	newPendingSession(t, db, "s1", "m1")

	sch := scheduler.New(db)
	_, _, err := sch.Assign(ctx, "s1", "m1", intPtr(1))
	require.NoError(t, err)

	avail, err := sch.Availability(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, 3, avail[0].Total)
	assert.Equal(t, 1, avail[0].Occupied)
	assert.ElementsMatch(t, []int{0, 2}, avail[0].FreeSlots)
}

func intPtr(i int) *int { return &i }
