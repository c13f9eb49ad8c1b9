// Package core holds the shared dependencies API handler packages are
// constructed with, generalizing the reference codebase's api/core.Deps
// to this system's components.
package core

import (
	"github.com/stokedconsulting/fleetcoord/internal/claim"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
	"github.com/stokedconsulting/fleetcoord/internal/eventbus"
	"github.com/stokedconsulting/fleetcoord/internal/liveness"
	"github.com/stokedconsulting/fleetcoord/internal/reviewqueue"
	"github.com/stokedconsulting/fleetcoord/internal/scheduler"
	"github.com/stokedconsulting/fleetcoord/internal/statemachine"
)

// Deps holds every service an API handler package needs to serve its
// routes. Handler constructors take a *Deps rather than individual
// services so adding a new cross-cutting dependency doesn't ripple
// through every handler's signature.
type Deps struct {
	DB        claimstore.Store
	Sessions  *statemachine.SessionMachine
	Tasks     *statemachine.TaskMachine
	Scheduler *scheduler.Scheduler
	Reviews   reviewqueue.Interface
	Bus       *eventbus.Bus
	Monitor   *liveness.Monitor
	Claims    *claim.Claimer
}
