package liveness_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/liveness"
)

func newMonitor(t *testing.T) (*liveness.Monitor, claimstore.Store, *clock.Virtual) {
	t.Helper()
	db := claimstore.NewMemStore()
	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := liveness.New(db, clk, nil, liveness.Thresholds{
		StaleSession:   5 * time.Minute,
		OfflineMachine: 5 * time.Minute,
		ReviewClaim:    5 * time.Minute,
	}, nil)
	return m, db, clk
}

func TestTickReapsStaleSession(t *testing.T) {
	m, db, clk := newMonitor(t)
	ctx := context.Background()

	require.NoError(t, db.InsertSession(ctx, &claimstore.Session{
		SessionID:     "s1",
		Status:        claimstore.SessionActive,
		LastHeartbeat: clk.Now(),
	}))

	clk.Advance(10 * time.Minute)
	m.Tick(ctx, clk.Now())

	sess, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionStalled, sess.Status)
}

func TestTickLeavesFreshSessionAlone(t *testing.T) {
	m, db, clk := newMonitor(t)
	ctx := context.Background()

	require.NoError(t, db.InsertSession(ctx, &claimstore.Session{
		SessionID:     "s1",
		Status:        claimstore.SessionActive,
		LastHeartbeat: clk.Now(),
	}))

	clk.Advance(time.Minute)
	m.Tick(ctx, clk.Now())

	sess, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionActive, sess.Status)
}

func TestTickMarksOfflineMachine(t *testing.T) {
	m, db, clk := newMonitor(t)
	ctx := context.Background()

	require.NoError(t, db.InsertMachine(ctx, &claimstore.Machine{
		MachineID:     "m1",
		Status:        claimstore.MachineOnline,
		LastHeartbeat: clk.Now(),
	}))

	clk.Advance(10 * time.Minute)
	m.Tick(ctx, clk.Now())

	mach, err := db.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, claimstore.MachineOffline, mach.Status)
}

func TestTickEscalatesTimedOutReviewWithoutChangingStatus(t *testing.T) {
	m, db, clk := newMonitor(t)
	ctx := context.Background()

	claimedAt := clk.Now()
	require.NoError(t, db.InsertReview(ctx, &claimstore.ReviewItem{
		ReviewID:   "r1",
		Status:     claimstore.ReviewInReview,
		EnqueuedAt: clk.Now(),
		ClaimedAt:  &claimedAt,
	}))

	clk.Advance(10 * time.Minute)
	m.Tick(ctx, clk.Now())

	rev, err := db.GetReview(ctx, "r1")
	require.NoError(t, err)
	// escalation only notifies; it never mutates status itself
	assert.Equal(t, claimstore.ReviewInReview, rev.Status)
}

func TestTickPassesAreIndependent(t *testing.T) {
	m, db, clk := newMonitor(t)
	ctx := context.Background()

	// a stale session and an offline-eligible machine both exist; one
	// pass failing (e.g. no matching rows) must not block the other.
	require.NoError(t, db.InsertSession(ctx, &claimstore.Session{
		SessionID:     "s1",
		Status:        claimstore.SessionActive,
		LastHeartbeat: clk.Now(),
	}))
	require.NoError(t, db.InsertMachine(ctx, &claimstore.Machine{
		MachineID:     "m1",
		Status:        claimstore.MachineOnline,
		LastHeartbeat: clk.Now(),
	}))

	clk.Advance(10 * time.Minute)
	m.Tick(ctx, clk.Now())

	sess, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, claimstore.SessionStalled, sess.Status)

	mach, err := db.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, claimstore.MachineOffline, mach.Status)
}
