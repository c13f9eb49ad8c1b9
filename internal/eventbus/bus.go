// Package eventbus is the in-process publish/subscribe fan-out for
// session, task, machine, review, orchestration, project, and worktree
// events, carried over a Centrifuge node exactly as the reference
// codebase's realtime package carries its quest/task/worker events,
// but re-routed to workspace/project rooms instead of per-user/per-task
// channels and supplemented with an explicit per-project replay buffer.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/centrifugal/centrifuge"

	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
)

// DefaultReplayBufferSize is the per-project ring buffer depth.
const DefaultReplayBufferSize = 50

// DefaultOutboundQueueBytes bounds the bytes buffered per subscriber
// before Centrifuge disconnects it as unable to keep up.
const DefaultOutboundQueueBytes = 2 * 1024 * 1024

// Config configures the bus's Centrifuge node.
type Config struct {
	// ClientQueueMaxSize is the max bytes buffered per client before
	// disconnect (default 2MB). This is the bus's bounded-outbound-buffer
	// guarantee at the transport layer.
	ClientQueueMaxSize int
	// ClientChannelLimit is the max channels a single client may
	// subscribe to (default 128).
	ClientChannelLimit int
	// ReplayBufferSize is how many events the per-project ring buffer
	// retains for reconnect replay (default 50).
	ReplayBufferSize int
}

// Envelope is the wire shape of every published event.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Bus is the Event Bus: an in-process publisher that fans events out
// over Centrifuge rooms, satisfying statemachine.Publisher.
type Bus struct {
	node *centrifuge.Node

	mu          sync.Mutex
	replay      map[string][]Envelope
	replaySize  int
}

// New creates a Bus with its Centrifuge node wired for room-based
// subscription and fan-out.
func New(cfg Config) (*Bus, error) {
	if cfg.ClientQueueMaxSize == 0 {
		cfg.ClientQueueMaxSize = DefaultOutboundQueueBytes
	}
	if cfg.ClientChannelLimit == 0 {
		cfg.ClientChannelLimit = 128
	}
	if cfg.ReplayBufferSize == 0 {
		cfg.ReplayBufferSize = DefaultReplayBufferSize
	}

	node, err := centrifuge.New(centrifuge.Config{
		LogLevel:           centrifuge.LogLevelInfo,
		ClientQueueMaxSize: cfg.ClientQueueMaxSize,
		ClientChannelLimit: cfg.ClientChannelLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	b := &Bus{
		node:       node,
		replay:     make(map[string][]Envelope),
		replaySize: cfg.ReplayBufferSize,
	}
	b.setupHandlers()
	return b, nil
}

func (b *Bus) setupHandlers() {
	b.node.OnConnecting(func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		cred, ok := centrifuge.GetCredentials(ctx)
		if !ok {
			return centrifuge.ConnectReply{}, centrifuge.ErrorUnauthorized
		}
		return centrifuge.ConnectReply{Credentials: cred}, nil
	})

	b.node.OnConnect(func(client *centrifuge.Client) {
		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			if !canSubscribe(e.Channel) {
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			cb(centrifuge.SubscribeReply{}, nil)
		})
	})
}

// Run starts the Centrifuge node's internal machinery (PUB/SUB engine,
// presence, etc). It does not itself listen on a socket; WebSocketHandler
// is mounted onto the Control API's HTTP server for that.
func (b *Bus) Run() error {
	return b.node.Run()
}

// Shutdown gracefully stops the node.
func (b *Bus) Shutdown(ctx context.Context) error {
	return b.node.Shutdown(ctx)
}

// WebSocketHandler returns the HTTP handler dashboards connect to.
func (b *Bus) WebSocketHandler() http.Handler {
	return centrifuge.NewWebsocketHandler(b.node, centrifuge.WebsocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	})
}

// Publish satisfies statemachine.Publisher. It is non-blocking and
// best-effort: a slow subscriber is dropped by Centrifuge's bounded
// queue, never by blocking this call. Every room in the route also
// gets its replay buffer appended to, preserving per-room per-topic
// order.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) {
	env := Envelope{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	for _, room := range roomsFor(eventType, payload) {
		b.appendReplay(room, env)
		_, _ = b.node.Publish(room, data)
	}
}

// Replay returns the buffered events for room, oldest first, up to the
// configured replay depth. Used to backfill a dashboard on reconnect.
func (b *Bus) Replay(room string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.replay[room]
	out := make([]Envelope, len(buf))
	copy(out, buf)
	return out
}

func (b *Bus) appendReplay(room string, env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.replay[room], env)
	if len(buf) > b.replaySize {
		buf = buf[len(buf)-b.replaySize:]
	}
	b.replay[room] = buf
}

// canSubscribe enforces room authorization. Authentication happens once
// at the API-key boundary; an operator who reached this point may
// subscribe to any workspace or project room.
func canSubscribe(channel string) bool {
	return strings.HasPrefix(channel, "workspace:") || strings.HasPrefix(channel, "project:")
}

// roomsFor determines which Centrifuge channels an event routes to from
// the IDs embedded in its payload; the event type does not affect routing.
func roomsFor(eventType string, payload any) []string {
	var rooms []string

	switch v := payload.(type) {
	case *claimstore.Session:
		if v.ProjectID != "" {
			rooms = append(rooms, "project:"+v.ProjectID)
		}
	case *claimstore.Task:
		if v.ProjectID != "" {
			rooms = append(rooms, "project:"+v.ProjectID)
		}
	case *claimstore.ProjectClaim:
		rooms = append(rooms, fmt.Sprintf("project:%d", v.ProjectNumber))
	case *claimstore.ReviewItem:
		rooms = append(rooms, fmt.Sprintf("project:%d", v.ProjectNumber))
	case claimstore.M:
		if pn, ok := v["project_number"].(int); ok {
			rooms = append(rooms, fmt.Sprintf("project:%d", pn))
		}
	case map[string]any:
		if pn, ok := v["project_number"].(int); ok {
			rooms = append(rooms, fmt.Sprintf("project:%d", pn))
		}
	case *claimstore.WorkspaceOrchestration:
		if v.WorkspaceID != "" {
			rooms = append(rooms, "workspace:"+v.WorkspaceID)
		}
	case *claimstore.Machine:
		// Machine events aren't project-scoped; they fan out only to
		// whichever workspace room a future fleet-topology payload
		// names, which machine events don't carry today.
	}

	if len(rooms) == 0 {
		return nil
	}
	return rooms
}
