// ABOUTME: Closed catalogue of relay event kinds with declared routing directions.
// ABOUTME: Defines the JSON envelope exchanged over WebSocket connections.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed indicates a message that could not be parsed into an envelope.
var ErrMalformed = errors.New("malformed message")

// ErrUnknownEvent indicates an event kind outside the catalogue.
var ErrUnknownEvent = errors.New("unknown event kind")

// EventKind identifies one message type in the relay catalogue.
type EventKind string

const (
	// Agent lifecycle
	EventAgentRegister EventKind = "agent_register"
	EventRegistered    EventKind = "registered"

	// Viewer lifecycle
	EventViewerJoin EventKind = "viewer_join"
	EventJoinAck    EventKind = "join_ack"

	// Broadcasts from the relay
	EventAgentsUpdate EventKind = "agents_update"
	EventAgentStatus  EventKind = "agent_status"

	// Frame flow
	EventFrameRequest EventKind = "frame_request"
	EventScreenFrame  EventKind = "screen_frame"

	// Input flow
	EventMouseClick EventKind = "mouse_click"
	EventMouseMove  EventKind = "mouse_move"
	EventKeyPress   EventKind = "key_press"
	EventKeyCombo   EventKind = "key_combo"
	EventTypeText   EventKind = "type_text"

	// Quality/control, room-scoped in either direction
	EventQuality EventKind = "quality"
)

// Direction declares who may send an event and who receives it.
type Direction int

const (
	// AgentToViewers fans out to every viewer in the sender's room.
	AgentToViewers Direction = iota
	// ViewerToAgent routes to the single online agent the viewer watches.
	ViewerToAgent
	// Bidirectional is room-scoped in whichever direction it was sent.
	Bidirectional
	// Control events are consumed by the relay itself, never forwarded.
	Control
)

// catalogue maps every legal event kind to its direction. Kinds absent from
// this table are rejected rather than forwarded.
var catalogue = map[EventKind]Direction{
	EventAgentRegister: Control,
	EventRegistered:    Control,
	EventViewerJoin:    Control,
	EventJoinAck:       Control,
	EventAgentsUpdate:  Control,
	EventAgentStatus:   Control,
	EventFrameRequest:  Control,
	EventScreenFrame:   AgentToViewers,
	EventMouseClick:    ViewerToAgent,
	EventMouseMove:     ViewerToAgent,
	EventKeyPress:      ViewerToAgent,
	EventKeyCombo:      ViewerToAgent,
	EventTypeText:      ViewerToAgent,
	EventQuality:       Bidirectional,
}

// DirectionOf returns the routing direction for a kind.
// The second return is false for kinds outside the catalogue.
func DirectionOf(kind EventKind) (Direction, bool) {
	d, ok := catalogue[kind]
	return d, ok
}

// Known reports whether the kind is part of the catalogue.
func Known(kind EventKind) bool {
	_, ok := catalogue[kind]
	return ok
}

// Envelope is the wire representation of a single message. The payload is
// opaque to the relay: it is forwarded verbatim and never interpreted.
type Envelope struct {
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses raw bytes into an Envelope, enforcing the closed catalogue.
// Returns ErrMalformed for unparseable input and ErrUnknownEvent for kinds
// outside the catalogue.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !Known(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// MustEncode serializes an envelope with a typed payload, panicking only on
// payloads that cannot be marshaled (programmer error, not input error).
func MustEncode(kind EventKind, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("protocol: encoding %s payload: %v", kind, err))
		}
		raw = data
	}
	data, err := json.Marshal(&Envelope{Type: kind, Payload: raw})
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding %s envelope: %v", kind, err))
	}
	return data
}

// RegisterPayload carries agent registration fields.
type RegisterPayload struct {
	Identifier string `json:"identifier,omitempty"`
	Name       string `json:"name,omitempty"`
	OS         string `json:"os,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Token      string `json:"token,omitempty"`
}

// RegisteredPayload acknowledges agent registration with the assigned identifier.
type RegisteredPayload struct {
	Identifier string `json:"identifier"`
}

// JoinPayload carries a viewer's pairing request.
type JoinPayload struct {
	Identifier string `json:"identifier"`
}

// JoinAckPayload reports the outcome of a pairing request.
type JoinAckPayload struct {
	Success    bool   `json:"success"`
	Identifier string `json:"identifier,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AgentStatusPayload reports the watched agent's connectivity to its viewers.
type AgentStatusPayload struct {
	Identifier string `json:"identifier"`
	Online     bool   `json:"online"`
}

// AgentSummary is one entry of an agents_update broadcast.
type AgentSummary struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	OS         string `json:"os"`
	Resolution string `json:"resolution,omitempty"`
	Online     bool   `json:"online"`
	LastSeen   string `json:"last_seen"`
	HasPreview bool   `json:"has_preview"`
}

// AgentsUpdatePayload carries the full agent list broadcast to viewers.
type AgentsUpdatePayload struct {
	Agents []AgentSummary `json:"agents"`
}
