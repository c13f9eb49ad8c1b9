// Package statemachine enforces legal session and task transitions and
// is the only writer path into the Claim Store for those two row
// types, generalizing the reference codebase's internal/task.StateMachine
// (a single transition table plus a thin wrapper over the database) to
// both row types and to the richer status set named in the data model.
package statemachine

import "context"

// Publisher is the Event Bus seam the state machine emits post-images
// through. eventbus.Bus satisfies it; tests can supply a no-op or a
// recording fake without importing centrifuge.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) {}

// NoopPublisher discards every event; useful in tests that don't care
// about the Event Bus.
func NoopPublisher() Publisher { return noopPublisher{} }
