// Command fleetcoord runs the coordination plane: the Control API, the
// Liveness Monitor, and one Orchestrator Loop per registered workspace.
// It generalizes the reference codebase's cmd/dex entrypoint (database
// open, migrate, encryption init, then serve) to this system's own
// startup sequence, trading its subcommand dispatch (enroll/start/...)
// for a single always-on server process, since nothing in this spec
// needs the reference tool's enrollment flow.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/stokedconsulting/fleetcoord/internal/api"
	"github.com/stokedconsulting/fleetcoord/internal/api/core"
	"github.com/stokedconsulting/fleetcoord/internal/claim"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/clock"
	"github.com/stokedconsulting/fleetcoord/internal/config"
	"github.com/stokedconsulting/fleetcoord/internal/eventbus"
	"github.com/stokedconsulting/fleetcoord/internal/forge"
	"github.com/stokedconsulting/fleetcoord/internal/liveness"
	"github.com/stokedconsulting/fleetcoord/internal/logging"
	"github.com/stokedconsulting/fleetcoord/internal/provider"
	"github.com/stokedconsulting/fleetcoord/internal/reviewqueue"
	"github.com/stokedconsulting/fleetcoord/internal/scheduler"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// exit codes per the documented contract: 0 clean shutdown, 1 fatal
// init error, 2 unrecoverable Claim Store disconnect.
const (
	exitOK        = 0
	exitInitError = 1
	exitStoreGone = 2
)

func main() {
	configFile := flag.String("config", "", "path to an optional YAML config overlay")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetcoord: load config: %v\n", err)
		os.Exit(exitInitError)
	}

	log, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetcoord: build logger: %v\n", err)
		os.Exit(exitInitError)
	}
	defer func() { _ = log.Sync() }()

	app, err := newApp(cfg, log)
	if err != nil {
		log.Error("fatal initialization error", zap.Error(err))
		os.Exit(exitInitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := app.Run(ctx)
	app.Close(context.Background())
	os.Exit(code)
}

// App is the process-wide state constructed once at startup and torn
// down once at shutdown; nothing in this module reaches a service
// through a package-level global.
type App struct {
	cfg *config.Config
	log *zap.Logger

	store   claimstore.Store
	bus     *eventbus.Bus
	clk     clock.Clock
	sched   *scheduler.Scheduler
	sess    *statemachine.SessionMachine
	tasks   *statemachine.TaskMachine
	monitor *liveness.Monitor
	reviews reviewqueue.Interface
	claims  *claim.Claimer
	server  *api.Server

	supervisor *workspaceSupervisor
}

func newApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := claimstore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, fmt.Errorf("connect to claim store: %w", err)
	}
	if err := store.EnsureIndexes(connectCtx); err != nil {
		return nil, fmt.Errorf("ensure claim store indexes: %w", err)
	}
	log.Info("connected to claim store", zap.String("database", cfg.MongoDB))

	bus, err := eventbus.New(eventbus.Config{})
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	if err := bus.Run(); err != nil {
		return nil, fmt.Errorf("start event bus: %w", err)
	}

	clk := clock.NewReal()
	sched := scheduler.New(store)
	sessMachine := statemachine.NewSessionMachine(store, clk, sched, bus)
	taskMachine := statemachine.NewTaskMachine(store, clk, bus)

	monitor := liveness.New(store, clk, bus, liveness.Thresholds{
		StaleSession:   time.Duration(cfg.StaleSessionThresholdSeconds) * time.Second,
		OfflineMachine: time.Duration(cfg.OfflineMachineThresholdSeconds) * time.Second,
		ReviewClaim:    time.Duration(cfg.ReviewClaimTimeoutSeconds) * time.Second,
	}, log)

	claimWindow := time.Duration(cfg.ReviewClaimTimeoutSeconds) * time.Second
	var reviews reviewqueue.Interface
	if cfg.ReviewQueueFileBackend != "" {
		reviews = reviewqueue.NewFileQueue(cfg.ReviewQueueFileBackend, clk, bus, claimWindow)
		log.Info("review queue using file backend", zap.String("path", cfg.ReviewQueueFileBackend))
	} else {
		reviews = reviewqueue.New(store, clk, bus, claimWindow)
	}

	ghClient, err := githubClient(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build github client: %w", err)
	}
	f, err := forge.ByName(cfg.ForgeName, ghClient)
	if err != nil {
		return nil, fmt.Errorf("resolve forge: %w", err)
	}
	claimer := claim.New(store, clk, f, claim.Repo{Owner: cfg.GithubOwner, Name: cfg.GithubRepo}, bus)

	deps := &core.Deps{
		DB:        store,
		Sessions:  sessMachine,
		Tasks:     taskMachine,
		Scheduler: sched,
		Reviews:   reviews,
		Bus:       bus,
		Monitor:   monitor,
		Claims:    claimer,
	}

	server := api.New(api.Config{
		Addr:               cfg.HTTPAddr,
		APIKeys:            cfg.APIKeys,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	}, deps, log)

	prov, err := provider.ByName(cfg.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}

	supervisor := newWorkspaceSupervisor(store, clk, bus, prov, cfg, log)

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		bus:        bus,
		clk:        clk,
		sched:      sched,
		sess:       sessMachine,
		tasks:      taskMachine,
		monitor:    monitor,
		reviews:    reviews,
		claims:     claimer,
		server:     server,
		supervisor: supervisor,
	}, nil
}

// githubClient prefers GitHub App installation auth when a full set of
// App credentials is configured, falling back to a plain personal
// access token (or an unauthenticated client, for coordination-only
// deployments that never call the forge).
func githubClient(ctx context.Context, cfg *config.Config) (*github.Client, error) {
	if cfg.GithubAppID != 0 && cfg.GithubAppInstallationID != 0 && cfg.GithubAppPrivateKeyPEM != "" {
		auth, err := forge.NewAppAuth(forge.AppCredentials{
			AppID:          cfg.GithubAppID,
			InstallationID: cfg.GithubAppInstallationID,
			PrivateKeyPEM:  cfg.GithubAppPrivateKeyPEM,
		})
		if err != nil {
			return nil, fmt.Errorf("configure github app auth: %w", err)
		}
		return auth.Client(ctx)
	}
	client := github.NewClient(nil)
	if cfg.GithubToken != "" {
		client = client.WithAuthToken(cfg.GithubToken)
	}
	return client, nil
}

// Run blocks serving the Control API, the Liveness Monitor, and the
// workspace supervisor until ctx is cancelled, then shuts each down in
// turn. It returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go a.monitor.Run(runCtx, time.Duration(a.cfg.LivenessTickSeconds)*time.Second)
	go a.supervisor.Run(runCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start(runCtx) }()

	storeLost := make(chan struct{})
	go a.watchStore(runCtx, storeLost)

	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
		<-errCh
		return exitOK
	case err := <-errCh:
		if err != nil {
			a.log.Error("control api exited", zap.Error(err))
			return exitInitError
		}
		return exitOK
	case <-storeLost:
		a.log.Error("claim store unreachable beyond reconnect budget, exiting")
		cancelRun()
		<-errCh
		return exitStoreGone
	}
}

// watchStore polls Ping every 5 seconds and signals lost if the store
// stays unreachable for longer than the configured reconnect budget.
func (a *App) watchStore(ctx context.Context, lost chan<- struct{}) {
	const pollInterval = 5 * time.Second
	budget := time.Duration(a.cfg.ReconnectBudgetSeconds) * time.Second
	ticker, stop := a.clk.NewTicker(pollInterval)
	defer stop()

	var unreachableSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker:
			pingCtx, cancel := context.WithTimeout(ctx, pollInterval)
			err := a.store.Ping(pingCtx)
			cancel()
			if err == nil {
				unreachableSince = time.Time{}
				continue
			}
			if unreachableSince.IsZero() {
				unreachableSince = now
				a.log.Warn("claim store ping failed", zap.Error(err))
				continue
			}
			if now.Sub(unreachableSince) >= budget {
				select {
				case lost <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// Close tears down S deterministically: the workspace supervisor's
// worker processes first (so nothing keeps writing after the store
// connection closes), then the event bus, then the store itself.
func (a *App) Close(ctx context.Context) {
	a.supervisor.Stop()
	if err := a.bus.Shutdown(ctx); err != nil {
		a.log.Warn("failed to shut down event bus cleanly", zap.Error(err))
	}
	if err := a.store.Close(ctx); err != nil {
		a.log.Warn("failed to close claim store cleanly", zap.Error(err))
	}
}
