package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/config"
	"github.com/stokedconsulting/fleetcoord/internal/eventbus"
	"github.com/stokedconsulting/fleetcoord/internal/orchestratorloop"
	"github.com/stokedconsulting/fleetcoord/internal/provider"
)

// workspaceSupervisor is the "single control goroutine/task owns
// reconciliation" requirement applied across every registered
// workspace: it polls the workspace list on a fixed cadence and starts
// exactly one orchestratorloop.Loop per workspace it discovers,
// leaving already-running loops alone.
type workspaceSupervisor struct {
	store claimstore.Store
	clk   clock.Clock
	bus   *eventbus.Bus
	prov  provider.Provider
	cfg   *config.Config
	log   *zap.Logger

	mu      sync.Mutex
	loops   map[string]context.CancelFunc
	wg      sync.WaitGroup
	discoverInterval time.Duration
}

func newWorkspaceSupervisor(store claimstore.Store, clk clock.Clock, bus *eventbus.Bus, prov provider.Provider, cfg *config.Config, log *zap.Logger) *workspaceSupervisor {
	return &workspaceSupervisor{
		store:            store,
		clk:              clk,
		bus:              bus,
		prov:             prov,
		cfg:              cfg,
		log:              log,
		loops:            make(map[string]context.CancelFunc),
		discoverInterval: time.Duration(cfg.OrchestratorTickSeconds) * time.Second,
	}
}

// Run blocks, discovering newly registered workspaces until ctx is
// cancelled. Loops already started for a workspace keep running
// through rediscovery; a workspace disappearing from the list does not
// stop its loop, since desired=0 already drains it to zero processes.
func (s *workspaceSupervisor) Run(ctx context.Context) {
	ticker, stop := s.clk.NewTicker(s.discoverInterval)
	defer stop()

	s.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker:
			s.discover(ctx)
		}
	}
}

func (s *workspaceSupervisor) discover(ctx context.Context) {
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		s.log.Warn("failed to list workspaces for supervisor discovery", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range workspaces {
		if _, running := s.loops[ws.WorkspaceID]; running {
			continue
		}
		s.startLocked(ctx, ws.WorkspaceID)
	}
}

func (s *workspaceSupervisor) startLocked(parent context.Context, workspaceID string) {
	loopCtx, cancel := context.WithCancel(parent)
	loop := orchestratorloop.New(
		workspaceID,
		s.store,
		s.clk,
		orchestratorloop.ExecLauncher{},
		s.buildSpec(workspaceID),
		s.bus,
		orchestratorloop.Config{
			TickInterval:  time.Duration(s.cfg.OrchestratorTickSeconds) * time.Second,
			StopGrace:     time.Duration(s.cfg.StopGraceSeconds) * time.Second,
			RestartCap:    s.cfg.RestartCapPerWindow,
			RestartWindow: time.Minute,
		},
		s.log.With(zap.String("workspace_id", workspaceID)),
	)

	s.loops[workspaceID] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop.Run(loopCtx)
	}()
	s.log.Info("started orchestrator loop for workspace", zap.String("workspace_id", workspaceID))
}

// buildSpec returns the closure orchestratorloop.Loop calls once per
// spawn to produce one worker's argv/env, binding a fresh session id
// and this workspace's data directory on every call.
func (s *workspaceSupervisor) buildSpec(workspaceID string) func() orchestratorloop.ProcessSpec {
	return func() orchestratorloop.ProcessSpec {
		sessionID := uuid.NewString()
		dataDir := filepath.Join(s.cfg.WorkerDataDir, workspaceID, sessionID)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			s.log.Warn("failed to create worker data dir", zap.String("dir", dataDir), zap.Error(err))
		}
		creds := s.prov.Credentials()
		env := []string{}
		if creds.APIKeyEnvVar != "" {
			// The key's value is left to the process environment the
			// supervisor itself was launched with; the worker inherits
			// it by name rather than having it copied through config.
			env = append(env, creds.APIKeyEnvVar+"="+os.Getenv(creds.APIKeyEnvVar))
		}
		return orchestratorloop.ProcessSpec{
			Command: s.prov.BuildCommand(sessionID, dataDir),
			Env:     env,
			Dir:     dataDir,
		}
	}
}

// Stop cancels every running loop and waits for their goroutines to
// return.
func (s *workspaceSupervisor) Stop() {
	s.mu.Lock()
	for _, cancel := range s.loops {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
