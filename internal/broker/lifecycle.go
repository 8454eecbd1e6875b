// ABOUTME: Per-connection lifecycle state machine for agents and viewers.
// ABOUTME: Open -> RegisteredAgent | RegisteredViewer -> Closed, with idempotent teardown.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/glimpselabs/glimpse-relay/internal/protocol"
	"github.com/glimpselabs/glimpse-relay/internal/registry"
	"github.com/glimpselabs/glimpse-relay/internal/store"
)

// connState tracks where a connection is in its lifecycle. Transitions are
// Open -> RegisteredAgent or Open -> RegisteredViewer, and anything -> Closed.
// Closed is terminal.
type connState int

const (
	stateOpen connState = iota
	stateRegisteredAgent
	stateRegisteredViewer
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateRegisteredAgent:
		return "registered_agent"
	case stateRegisteredViewer:
		return "registered_viewer"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection couples a transport handle with its lifecycle state. State is
// only touched from the connection's read loop and its teardown, which runs
// in the same goroutine after the loop exits.
type connection struct {
	broker *Broker
	peer   registry.Peer
	state  connState
	logger *slog.Logger
}

// handleAgentMessage processes one inbound message on an agent-side connection.
func (c *connection) handleAgentMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		// Malformed or unknown kinds are dropped, never forwarded.
		c.logger.Debug("dropping message", "state", c.state, "error", err)
		return
	}

	switch c.state {
	case stateOpen:
		if env.Type != protocol.EventAgentRegister {
			c.logger.Debug("dropping pre-registration message", "kind", env.Type)
			return
		}
		c.registerAgent(env)

	case stateRegisteredAgent:
		switch env.Type {
		case protocol.EventAgentRegister:
			// Same connection refreshing its registration is allowed.
			c.registerAgent(env)
		case protocol.EventViewerJoin:
			// Role switching on a live connection violates handle exclusivity.
			c.logger.Warn("viewer join rejected on agent connection")
		default:
			c.broker.relay.FromAgent(c.peer, env)
		}

	case stateClosed:
		// Terminal: no further events for this connection.
	}
}

// registerAgent handles an agent_register message, including supersession of
// a prior connection under the same identifier.
func (c *connection) registerAgent(env *protocol.Envelope) {
	var payload protocol.RegisterPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Debug("dropping malformed registration", "error", err)
			return
		}
	}

	if c.broker.verifier != nil {
		subject, err := c.broker.verifier.Verify(payload.Token)
		if err != nil {
			c.logger.Warn("agent registration rejected", "error", err)
			c.peer.Close()
			return
		}
		if payload.Identifier == "" {
			payload.Identifier = subject
		} else if payload.Identifier != subject {
			c.logger.Warn("agent registration rejected: identifier does not match token subject",
				"identifier", payload.Identifier)
			c.peer.Close()
			return
		}
	}

	meta := registry.Metadata{
		Name:       payload.Name,
		OS:         payload.OS,
		Resolution: payload.Resolution,
	}
	identifier, err := c.broker.registry.RegisterAgent(c.peer, payload.Identifier, meta)
	if err != nil {
		if errors.Is(err, registry.ErrHandleConflict) {
			// Invariant violation: halt this connection only, not the broker.
			c.logger.Error("handle registered in both roles, force-closing connection")
			c.peer.Close()
			c.state = stateClosed
		}
		return
	}

	c.state = stateRegisteredAgent
	c.peer.Send(protocol.MustEncode(protocol.EventRegistered, protocol.RegisteredPayload{
		Identifier: identifier,
	}))
	c.broker.persistAgentRecord(identifier, meta)
}

// teardownAgent finalizes an agent connection. Idempotent: a second call, or
// a teardown racing supersession, is a no-op.
func (c *connection) teardownAgent() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.peer.Close()

	identifier, changed := c.broker.registry.MarkAgentOffline(c.peer)
	if !changed {
		return
	}
	c.broker.persistAgentOffline(identifier)

	// Viewers keep their room membership and learn the agent is gone.
	status := protocol.MustEncode(protocol.EventAgentStatus, protocol.AgentStatusPayload{
		Identifier: identifier,
		Online:     false,
	})
	for _, viewer := range c.broker.registry.RoomMembers(identifier) {
		viewer.Send(status)
	}
}

// handleViewerMessage processes one inbound message on a viewer connection.
// Viewer connections enter stateRegisteredViewer at accept time.
func (c *connection) handleViewerMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("dropping message", "state", c.state, "error", err)
		return
	}

	switch c.state {
	case stateRegisteredViewer:
		switch env.Type {
		case protocol.EventViewerJoin:
			c.joinRoom(env)
		case protocol.EventAgentRegister:
			// Role switching on a live connection violates handle exclusivity.
			c.logger.Warn("agent registration rejected on viewer connection")
		default:
			c.broker.relay.FromViewer(c.peer, env)
		}

	case stateClosed:
	}
}

// joinRoom handles a viewer's pairing request. The registry sends the
// join_ack; on success the watched agent is asked for a fresh frame so the
// viewer doesn't wait a full capture interval for its first image.
func (c *connection) joinRoom(env *protocol.Envelope) {
	var payload protocol.JoinPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Debug("dropping malformed join", "error", err)
			return
		}
	}
	if payload.Identifier == "" {
		c.logger.Debug("dropping join without identifier")
		return
	}

	result := c.broker.registry.JoinRoom(c.peer, payload.Identifier)
	if !result.Success {
		c.logger.Info("pairing rejected", "identifier", payload.Identifier, "reason", result.Reason)
		return
	}

	c.logger.Info("viewer paired", "identifier", payload.Identifier)
	c.peer.Send(protocol.MustEncode(protocol.EventAgentStatus, protocol.AgentStatusPayload{
		Identifier: payload.Identifier,
		Online:     true,
	}))
	if agentPeer, ok := c.broker.registry.AgentPeer(payload.Identifier); ok {
		agentPeer.Send(protocol.MustEncode(protocol.EventFrameRequest, nil))
	}
}

// teardownViewer finalizes a viewer connection. Idempotent.
func (c *connection) teardownViewer() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.peer.Close()
	c.broker.registry.RemoveViewer(c.peer)
}

// persistAgentRecord mirrors a registration into the store so retained
// records survive restarts. Best-effort: persistence failures never affect
// the live registry.
func (b *Broker) persistAgentRecord(identifier string, meta registry.Metadata) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.store.UpsertAgentRecord(ctx, &store.AgentRecord{
		Identifier: identifier,
		Name:       meta.Name,
		OS:         meta.OS,
		Resolution: meta.Resolution,
		Online:     true,
		LastSeen:   time.Now(),
	})
	if err != nil {
		b.logger.Warn("persisting agent record failed", "identifier", identifier, "error", err)
	}
}

// persistAgentOffline mirrors a disconnect into the store per the retention
// policy: retained records flip offline, evicted ones are deleted.
func (b *Broker) persistAgentOffline(identifier string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if b.cfg.Agents.RetainOffline {
		err = b.store.MarkAgentOffline(ctx, identifier, time.Now())
	} else {
		err = b.store.DeleteAgentRecord(ctx, identifier)
	}
	if err != nil {
		b.logger.Warn("persisting agent disconnect failed", "identifier", identifier, "error", err)
	}
}
