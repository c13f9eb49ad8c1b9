// Package orchestratorloop reconciles the number of locally-running
// worker processes for a workspace against its desired count,
// generalizing the reference codebase's worker.Manager (which matched
// idle LocalWorkers against queued objectives) to the narrower §4.H
// contract: running should equal desired, restarts are capped to avoid
// thrash, and a graceful stop always precedes a kill.
package orchestratorloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// managedProcess is one locally-running worker and its lifecycle state.
type managedProcess struct {
	proc        Process
	exited      chan error
	stopping    bool
	stopAt      time.Time
	killAttempt bool
}

// Config bounds the loop's reconciliation behavior.
type Config struct {
	TickInterval  time.Duration
	StopGrace     time.Duration
	RestartCap    int           // max spawns allowed within RestartWindow
	RestartWindow time.Duration
}

// DefaultConfig matches §4.H's stated defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:  2 * time.Second,
		StopGrace:     DefaultStopGrace,
		RestartCap:    5,
		RestartWindow: time.Minute,
	}
}

// Loop reconciles one workspace's running process count against its
// desired count on every tick. It is the sole writer of that
// workspace's WorkspaceOrchestration.Running field.
type Loop struct {
	WorkspaceID string

	db       claimstore.Store
	clk      clock.Clock
	launcher Launcher
	buildSpec func() ProcessSpec
	bus      statemachine.Publisher
	cfg      Config
	log      *zap.Logger

	mu       sync.Mutex
	procs    map[string]*managedProcess
	restarts []time.Time // spawn timestamps within the restart window
	spawnSeq int         // monotonic counter for this Loop's process ids, guarded by mu
}

// New builds a Loop for one workspace. buildSpec is called once per
// spawn to produce the argv/env for a new worker process; callers
// typically close over a provider.Provider and a fresh session id.
func New(workspaceID string, db claimstore.Store, clk clock.Clock, launcher Launcher, buildSpec func() ProcessSpec, bus statemachine.Publisher, cfg Config, log *zap.Logger) *Loop {
	return &Loop{
		WorkspaceID: workspaceID,
		db:          db,
		clk:         clk,
		launcher:    launcher,
		buildSpec:   buildSpec,
		bus:         bus,
		cfg:         cfg,
		log:         log,
		procs:       make(map[string]*managedProcess),
	}
}

// Run ticks reconcile until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker, stop := l.clk.NewTicker(l.cfg.TickInterval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker:
			l.Tick(ctx, now)
		}
	}
}

// Tick runs one reconciliation pass, exported so tests (and a shared
// exit-notification channel) can drive it without a real ticker.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reapExited()

	desired := l.desiredLocked(ctx)
	running := len(l.procs)

	switch {
	case running < desired:
		l.growLocked(ctx, now, desired-running)
	case running > desired:
		l.shrinkLocked(ctx, now, running-desired)
	}

	l.advanceStoppingLocked(now)
	l.persistRunningLocked(ctx)
}

func (l *Loop) desiredLocked(ctx context.Context) int {
	ws, err := l.db.GetWorkspace(ctx, l.WorkspaceID)
	if err != nil {
		// Unknown workspace means nothing is desired yet; do not spawn.
		return 0
	}
	return ws.Desired
}

// reapExited drops processes whose Wait channel has already fired,
// i.e. every process that terminated since the previous tick,
// regardless of whether the termination was commanded.
func (l *Loop) reapExited() {
	for id, mp := range l.procs {
		select {
		case err := <-mp.exited:
			if !mp.stopping {
				l.log.Warn("worker process exited uncommanded",
					zap.String("workspace_id", l.WorkspaceID),
					zap.String("session_id", id),
					zap.Error(err))
			}
			delete(l.procs, id)
		default:
		}
	}
}

// growLocked spawns up to n new processes, subject to the restart cap
// within the restart window, so a workspace that keeps losing workers
// cannot be respawned into a tight crash loop.
func (l *Loop) growLocked(ctx context.Context, now time.Time, n int) {
	l.pruneRestartsLocked(now)
	allowed := l.cfg.RestartCap - len(l.restarts)
	if allowed <= 0 {
		l.log.Warn("restart cap reached, deferring spawn",
			zap.String("workspace_id", l.WorkspaceID),
			zap.Int("restart_cap", l.cfg.RestartCap))
		return
	}
	if n > allowed {
		n = allowed
	}

	for i := 0; i < n; i++ {
		spec := l.buildSpec()
		proc, err := l.launcher.Launch(ctx, spec)
		if err != nil {
			l.log.Error("failed to launch worker process",
				zap.String("workspace_id", l.WorkspaceID), zap.Error(err))
			continue
		}
		id := l.spawnID(spec)
		l.procs[id] = &managedProcess{proc: proc, exited: drainToBuffered(proc.Wait())}
		l.restarts = append(l.restarts, now)
	}
}

// shrinkLocked asks n running processes to stop gracefully. Excess
// processes chosen arbitrarily among non-stopping ones.
func (l *Loop) shrinkLocked(ctx context.Context, now time.Time, n int) {
	for id, mp := range l.procs {
		if n <= 0 {
			break
		}
		if mp.stopping {
			continue
		}
		if err := mp.proc.Stop(); err != nil {
			l.log.Warn("graceful stop failed, will kill on next pass",
				zap.String("workspace_id", l.WorkspaceID), zap.String("session_id", id), zap.Error(err))
		}
		mp.stopping = true
		mp.stopAt = now
		n--
	}
}

// advanceStoppingLocked kills any process that has been asked to stop
// for longer than the configured grace period.
func (l *Loop) advanceStoppingLocked(now time.Time) {
	for id, mp := range l.procs {
		if !mp.stopping || mp.killAttempt {
			continue
		}
		if now.Sub(mp.stopAt) >= l.cfg.StopGrace {
			if err := mp.proc.Kill(); err != nil {
				l.log.Error("failed to kill worker process past stop grace",
					zap.String("workspace_id", l.WorkspaceID), zap.String("session_id", id), zap.Error(err))
			}
			mp.killAttempt = true
		}
	}
}

func (l *Loop) pruneRestartsLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.RestartWindow)
	kept := l.restarts[:0]
	for _, t := range l.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.restarts = kept
}

func (l *Loop) persistRunningLocked(ctx context.Context) {
	running := len(l.procs)
	_, err := l.db.FindAndUpdateWorkspace(ctx,
		claimstore.M{"workspace_id": l.WorkspaceID},
		claimstore.Set(claimstore.M{"running": running, "last_updated": l.clk.Now()}))
	if err != nil {
		l.log.Warn("failed to persist running count",
			zap.String("workspace_id", l.WorkspaceID), zap.Error(err))
	}
}

// drainToBuffered re-exposes a Process.Wait() channel as a 1-buffered
// channel so reapExited's non-blocking receive never misses an exit
// that happened between ticks.
func drainToBuffered(ch <-chan error) chan error {
	buf := make(chan error, 1)
	go func() {
		buf <- <-ch
	}()
	return buf
}

// spawnID gives each managed process a stable map key, scoped to this
// Loop rather than a package-level counter: the spec has no notion of
// process identity beyond the workspace, so a monotonic counter keyed by
// command is sufficient for tracking within a single Loop's procs map.
// Callers hold l.mu, so no separate lock is needed around l.spawnSeq.
func (l *Loop) spawnID(spec ProcessSpec) string {
	l.spawnSeq++
	name := "proc"
	if len(spec.Command) > 0 {
		name = spec.Command[0]
	}
	return fmt.Sprintf("%s-%d", name, l.spawnSeq)
}
