// ABOUTME: Relay engine forwarding frame, input and status events between paired peers.
// ABOUTME: Resolves senders via the registry and targets via room membership.

package relay

import (
	"log/slog"
	"sync/atomic"

	"github.com/glimpselabs/glimpse-relay/internal/protocol"
	"github.com/glimpselabs/glimpse-relay/internal/registry"
)

// Directory is the registry surface the engine needs to resolve senders and
// target sets. Implemented by *registry.Registry.
type Directory interface {
	AgentBySocket(peer registry.Peer) (string, bool)
	ViewerBySocket(peer registry.Peer) (watched string, authenticated, ok bool)
	AgentPeer(identifier string) (registry.Peer, bool)
	RoomMembers(identifier string) []registry.Peer
	SetPreview(peer registry.Peer, frame []byte) (string, bool)
}

// Engine forwards a bounded set of event kinds between paired peers. Payloads
// are opaque: the engine never interprets pixel or input semantics. Events
// from unregistered senders or with an empty target set are dropped silently;
// a diagnostic counter records the drop.
type Engine struct {
	dir    Directory
	logger *slog.Logger

	droppedEvents atomic.Uint64
}

// NewEngine creates a relay engine over the given directory.
func NewEngine(dir Directory, logger *slog.Logger) *Engine {
	return &Engine{dir: dir, logger: logger}
}

// DroppedEvents reports how many inbound events were dropped without delivery.
func (e *Engine) DroppedEvents() uint64 {
	return e.droppedEvents.Load()
}

func (e *Engine) drop(kind protocol.EventKind, why string) {
	e.droppedEvents.Add(1)
	e.logger.Debug("event dropped", "kind", kind, "reason", why)
}

// FromAgent handles a relayable event arriving on an agent connection.
// Frames and agent-sent status fan out to every viewer in the agent's room.
// Frame relay also updates the cached preview whether or not anyone watches.
func (e *Engine) FromAgent(peer registry.Peer, env *protocol.Envelope) {
	dir, ok := protocol.DirectionOf(env.Type)
	if !ok {
		e.drop(env.Type, "unknown kind")
		return
	}
	if dir != protocol.AgentToViewers && dir != protocol.Bidirectional {
		e.drop(env.Type, "not an agent-originated kind")
		return
	}

	data, err := protocol.Encode(env)
	if err != nil {
		e.drop(env.Type, "encode failed")
		return
	}

	var identifier string
	if env.Type == protocol.EventScreenFrame {
		// Preview cache is updated even with an empty room, supporting
		// preview-without-active-viewing.
		identifier, ok = e.dir.SetPreview(peer, env.Payload)
	} else {
		identifier, ok = e.dir.AgentBySocket(peer)
	}
	if !ok {
		e.drop(env.Type, "sender not registered")
		return
	}

	members := e.dir.RoomMembers(identifier)
	if len(members) == 0 {
		if env.Type != protocol.EventScreenFrame {
			e.drop(env.Type, "empty room")
		}
		return
	}
	for _, viewer := range members {
		if env.Type == protocol.EventScreenFrame {
			viewer.SendFrame(data)
		} else {
			viewer.Send(data)
		}
	}
}

// FromViewer handles a relayable event arriving on a viewer connection.
// Input events route to the single online agent the viewer watches and are
// dropped when that agent is offline. Delivery order per viewer connection is
// FIFO: the caller invokes this sequentially from the connection's read loop
// and the agent's outbound queue preserves enqueue order.
func (e *Engine) FromViewer(peer registry.Peer, env *protocol.Envelope) {
	dir, ok := protocol.DirectionOf(env.Type)
	if !ok {
		e.drop(env.Type, "unknown kind")
		return
	}
	if dir != protocol.ViewerToAgent && dir != protocol.Bidirectional {
		e.drop(env.Type, "not a viewer-originated kind")
		return
	}

	watched, _, ok := e.dir.ViewerBySocket(peer)
	if !ok {
		e.drop(env.Type, "sender not registered")
		return
	}
	if watched == "" {
		e.drop(env.Type, "viewer not paired")
		return
	}

	target, ok := e.dir.AgentPeer(watched)
	if !ok {
		e.drop(env.Type, "agent offline")
		return
	}

	data, err := protocol.Encode(env)
	if err != nil {
		e.drop(env.Type, "encode failed")
		return
	}
	target.Send(data)
}
