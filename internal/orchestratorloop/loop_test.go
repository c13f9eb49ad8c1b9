package orchestratorloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// fakeProcess is a controllable Process for tests: Stop/Kill just
// record that they were called, and the test decides when to push an
// exit onto the Wait channel.
type fakeProcess struct {
	mu      sync.Mutex
	stopped bool
	killed  bool
	exit    chan error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan error, 1)}
}

func (p *fakeProcess) Wait() <-chan error { return p.exit }
func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}
func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	p.exit <- nil
	return nil
}
func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeLauncher hands out fakeProcesses and records every spec it was
// asked to launch.
type fakeLauncher struct {
	mu      sync.Mutex
	spawned []*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, _ ProcessSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess()
	l.spawned = append(l.spawned, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.spawned)
}

func newTestLoop(t *testing.T, db claimstore.Store, clk clock.Clock, launcher Launcher, cfg Config) *Loop {
	t.Helper()
	return New("ws-1", db, clk, launcher, func() ProcessSpec {
		return ProcessSpec{Command: []string{"claude-code-worker"}}
	}, statemachine.NoopPublisher(), cfg, zap.NewNop())
}

func TestTickGrowsToDesired(t *testing.T) {
	ctx := context.Background()
	db := claimstore.NewMemStore()
	_, err := db.UpsertWorkspace(ctx, "ws-1", func(w *claimstore.WorkspaceOrchestration) { w.Desired = 3 })
	require.NoError(t, err)

	clk := clock.NewVirtual(time.Now())
	launcher := &fakeLauncher{}
	loop := newTestLoop(t, db, clk, launcher, DefaultConfig())

	loop.Tick(ctx, clk.Now())

	assert.Equal(t, 3, launcher.count())
	ws, err := db.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 3, ws.Running)
}

func TestTickRespectsRestartCap(t *testing.T) {
	ctx := context.Background()
	db := claimstore.NewMemStore()
	_, err := db.UpsertWorkspace(ctx, "ws-1", func(w *claimstore.WorkspaceOrchestration) { w.Desired = 10 })
	require.NoError(t, err)

	clk := clock.NewVirtual(time.Now())
	launcher := &fakeLauncher{}
	cfg := DefaultConfig()
	cfg.RestartCap = 2
	loop := newTestLoop(t, db, clk, launcher, cfg)

	loop.Tick(ctx, clk.Now())

	assert.Equal(t, 2, launcher.count())
	ws, err := db.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 2, ws.Running)
}

func TestTickShrinksGracefullyThenKills(t *testing.T) {
	ctx := context.Background()
	db := claimstore.NewMemStore()
	_, err := db.UpsertWorkspace(ctx, "ws-1", func(w *claimstore.WorkspaceOrchestration) { w.Desired = 2 })
	require.NoError(t, err)

	clk := clock.NewVirtual(time.Now())
	launcher := &fakeLauncher{}
	cfg := DefaultConfig()
	cfg.StopGrace = 5 * time.Second
	loop := newTestLoop(t, db, clk, launcher, cfg)

	loop.Tick(ctx, clk.Now())
	require.Equal(t, 2, launcher.count())

	_, err = db.FindAndUpdateWorkspace(ctx, claimstore.M{"workspace_id": "ws-1"}, claimstore.Set(claimstore.M{"desired": 0}))
	require.NoError(t, err)

	loop.Tick(ctx, clk.Now())
	for _, p := range launcher.spawned {
		assert.True(t, p.wasStopped())
		assert.False(t, p.wasKilled())
	}

	clk.Advance(10 * time.Second)
	loop.Tick(ctx, clk.Now())
	for _, p := range launcher.spawned {
		assert.True(t, p.wasKilled())
	}

	// killed processes are reaped, and drop out of running, on the next tick
	time.Sleep(10 * time.Millisecond)
	loop.Tick(ctx, clk.Now())

	ws, err := db.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 0, ws.Running)
}

func TestTickRespawnsAfterUncommandedExit(t *testing.T) {
	ctx := context.Background()
	db := claimstore.NewMemStore()
	_, err := db.UpsertWorkspace(ctx, "ws-1", func(w *claimstore.WorkspaceOrchestration) { w.Desired = 1 })
	require.NoError(t, err)

	clk := clock.NewVirtual(time.Now())
	launcher := &fakeLauncher{}
	loop := newTestLoop(t, db, clk, launcher, DefaultConfig())

	loop.Tick(ctx, clk.Now())
	require.Equal(t, 1, launcher.count())

	launcher.spawned[0].exit <- assertErr
	// give reapExited's goroutine-fed buffered channel a moment to drain
	time.Sleep(10 * time.Millisecond)

	loop.Tick(ctx, clk.Now())
	assert.Equal(t, 2, launcher.count())
}

var assertErr = context.Canceled
