// Package api assembles the Control API: an echo.Echo instance with
// the reference codebase's request-id/logging/recovery middleware
// chain, a protected route group guarded by API-key auth and per-key
// rate limiting, and the realtime WebSocket gateway mounted alongside
// it, generalizing the reference codebase's Server/registerRoutes
// shape to this system's resources.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/stokedconsulting/fleetcoord/internal/api/core"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/claims"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/events"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/health"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/machines"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/reviews"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/sessions"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/tasks"
	"github.com/stokedconsulting/fleetcoord/internal/api/handlers/workspaces"
	apimw "github.com/stokedconsulting/fleetcoord/internal/api/middleware"
)

// Server wraps the echo instance and the dependencies every handler
// package was constructed against.
type Server struct {
	echo *echo.Echo
	deps *core.Deps
	addr string
	log  *zap.Logger
}

// Config configures the server's own concerns: listen address, API
// keys, and rate limiting. Everything else lives on core.Deps.
type Config struct {
	Addr               string
	APIKeys            []string
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New builds a Server with every handler package registered. Routes sit
// at the literal resource paths named by the external interface
// contract, unprefixed; health and the realtime WebSocket gateway are
// unauthenticated. Everything else requires a valid API key when at
// least one key is configured; with no keys configured it is served
// without authentication.
func New(cfg Config, deps *core.Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if werr := writeError(c, err); werr != nil {
			log.Error("failed to write error response", zap.Error(werr))
		}
	}

	e.Use(echomw.RequestID())
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())

	root := e.Group("")
	health.New(deps).RegisterRoutes(root)
	root.GET("/orchestration", echo.WrapHandler(deps.Bus.WebSocketHandler()))

	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	limiter := apimw.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	protected := e.Group("")
	if len(keys) > 0 {
		protected.Use(apimw.APIKeyAuth(keys))
	}
	protected.Use(limiter.RateLimit())

	sessions.New(deps).RegisterRoutes(protected)
	tasks.New(deps).RegisterRoutes(protected)
	machines.New(deps).RegisterRoutes(protected)
	claims.New(deps).RegisterRoutes(protected)
	reviews.New(deps).RegisterRoutes(protected)
	workspaces.New(deps).RegisterRoutes(protected)
	events.New(deps).RegisterRoutes(protected.Group("/api"))

	return &Server{echo: e, deps: deps, addr: cfg.Addr, log: log}
}

// Start blocks serving HTTP until ctx is cancelled, then shuts down
// gracefully. It returns the error from the listener, or nil on a
// commanded shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control api: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
