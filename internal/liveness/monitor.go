// Package liveness runs the fixed-cadence sweep that reaps stale
// sessions, marks unresponsive machines offline, and escalates
// timed-out review claims, generalizing the reference codebase's
// ticker-driven worker manager loop to a read-then-compare-and-set
// sweep over the Claim Store instead of in-process worker handles.
package liveness

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// Thresholds bundles the three tick-pass cutoffs, each overridable
// independently of the tick cadence itself.
type Thresholds struct {
	StaleSession   time.Duration
	OfflineMachine time.Duration
	ReviewClaim    time.Duration
}

// Monitor drives the three liveness passes on a fixed tick.
type Monitor struct {
	db         claimstore.Store
	clk        clock.Clock
	bus        statemachine.Publisher
	thresholds Thresholds
	log        *zap.Logger
}

func New(db claimstore.Store, clk clock.Clock, bus statemachine.Publisher, thresholds Thresholds, log *zap.Logger) *Monitor {
	if bus == nil {
		bus = statemachine.NoopPublisher()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{db: db, clk: clk, bus: bus, thresholds: thresholds, log: log}
}

// Run blocks, ticking every interval until ctx is cancelled. Each
// tick's three passes run sequentially and independently;
// a failure in one pass is logged and does not prevent the others.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ch, stop := m.clk.NewTicker(interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ch:
			m.Tick(ctx, now)
		}
	}
}

// Tick runs all three passes once, using now as the reference instant.
// Exported directly so tests can drive single ticks without a running
// goroutine.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	if err := m.reapStaleSessions(ctx, now); err != nil {
		m.log.Error("stale session pass failed", zap.Error(err))
	}
	if err := m.markOfflineMachines(ctx, now); err != nil {
		m.log.Error("offline machine pass failed", zap.Error(err))
	}
	if err := m.escalateTimedOutReviews(ctx, now); err != nil {
		m.log.Error("review escalation pass failed", zap.Error(err))
	}
}

func (m *Monitor) reapStaleSessions(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-m.thresholds.StaleSession)
	sessions, err := m.db.ListSessions(ctx, claimstore.M{
		"status":         claimstore.M{"$in": []string{claimstore.SessionActive, claimstore.SessionPaused}},
		"last_heartbeat": claimstore.M{"$lt": cutoff},
	}, claimstore.ListOpts{})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		updated, err := m.db.FindAndUpdateSession(ctx,
			claimstore.M{"session_id": sess.SessionID, "status": sess.Status},
			claimstore.Set(claimstore.M{"status": claimstore.SessionStalled}))
		if err != nil {
			if errors.Is(err, claimstore.ErrNotFound) {
				// Status changed between the list and the CAS; another
				// writer got there first, nothing to do.
				continue
			}
			m.log.Error("failed to mark session stalled", zap.String("session_id", sess.SessionID), zap.Error(err))
			continue
		}
		m.bus.Publish(ctx, "session.stalled", updated)
	}
	return nil
}

func (m *Monitor) markOfflineMachines(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-m.thresholds.OfflineMachine)
	machines, err := m.db.ListMachines(ctx, claimstore.M{
		"status":         claimstore.MachineOnline,
		"last_heartbeat": claimstore.M{"$lt": cutoff},
	})
	if err != nil {
		return err
	}
	for _, mach := range machines {
		updated, err := m.db.FindAndUpdateMachine(ctx,
			claimstore.M{"machine_id": mach.MachineID, "status": claimstore.MachineOnline},
			claimstore.Set(claimstore.M{"status": claimstore.MachineOffline}))
		if err != nil {
			if errors.Is(err, claimstore.ErrNotFound) {
				continue
			}
			m.log.Error("failed to mark machine offline", zap.String("machine_id", mach.MachineID), zap.Error(err))
			continue
		}
		m.bus.Publish(ctx, "machine.offline", updated)
	}
	return nil
}

func (m *Monitor) escalateTimedOutReviews(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-m.thresholds.ReviewClaim)
	reviews, err := m.db.ListReviews(ctx, claimstore.M{
		"status":     claimstore.ReviewInReview,
		"claimed_at": claimstore.M{"$lt": cutoff},
	}, claimstore.ListOpts{})
	if err != nil {
		return err
	}
	for _, r := range reviews {
		// No CAS here: escalation doesn't change status, it only
		// notifies. Re-firing every tick until an operator acts is
		// the documented behavior, not a bug.
		m.bus.Publish(ctx, "review.claim_timed_out", r)
	}
	return nil
}
