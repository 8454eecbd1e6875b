// ABOUTME: Session types for connected agents and viewers plus the Peer handle.
// ABOUTME: Connection handles are owned exclusively by the Registry.

package registry

import (
	"time"
)

// Peer is the transport-level handle used to deliver messages to one
// connection. Sends never block: Send reports false when the message was
// dropped (buffer full or connection closed), SendFrame overwrites any
// undelivered frame (latest-wins).
type Peer interface {
	Send(data []byte) bool
	SendFrame(data []byte)
	Close()
}

// Metadata holds the free-form attributes an agent supplies at registration.
// Immutable after registration; only lastSeen and online change afterwards.
type Metadata struct {
	Name       string
	OS         string
	Resolution string
}

// AgentSession is the registry record for one controlled machine.
type AgentSession struct {
	Identifier string
	Meta       Metadata
	Online     bool
	LastSeen   time.Time

	// latestPreview caches the most recent frame payload. Overwritten on
	// every frame relay, cleared on disconnect.
	latestPreview []byte

	peer Peer
}

// ViewerSession is the registry record for one browser connection.
type ViewerSession struct {
	WatchedAgent  string
	Authenticated bool
	JoinedAt      time.Time

	peer Peer
}
