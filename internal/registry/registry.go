// ABOUTME: Tracks connected agents and viewers keyed by identifier and connection handle.
// ABOUTME: Enforces one-online-agent-per-identifier via supersession and exclusive handles.

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimpselabs/glimpse-relay/internal/protocol"
)

// ErrHandleConflict indicates a connection handle that is already registered
// in the other role. This is an internal invariant violation: the caller must
// force-close the offending connection and nothing else.
var ErrHandleConflict = errors.New("connection handle already registered in another role")

// Notification signals that registry membership changed and viewers should
// receive a fresh agents_update broadcast.
type Notification struct {
	Identifier string
}

// Registry holds all live agent and viewer records. Agent state, viewer state
// and the room index share one mutex: supersession and fan-out require
// read-modify-write atomicity across the whole registry, not per key.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*AgentSession
	byPeer  map[Peer]*AgentSession
	viewers map[Peer]*ViewerSession
	rooms   roomIndex

	// retainOffline keeps disconnected agents in the registry with
	// online=false instead of evicting them.
	retainOffline bool

	notify chan Notification
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetainOffline controls whether disconnected agents are retained as
// offline records or evicted immediately.
func WithRetainOffline(retain bool) Option {
	return func(r *Registry) { r.retainOffline = retain }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]*AgentSession),
		byPeer:  make(map[Peer]*AgentSession),
		viewers: make(map[Peer]*ViewerSession),
		rooms:   newRoomIndex(),
		notify:  make(chan Notification, 64),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notifications returns the channel of membership-change signals consumed by
// the lifecycle coordinator. Signals coalesce under load: the broadcast
// carries the full list, so a dropped signal is absorbed by the next one.
func (r *Registry) Notifications() <-chan Notification {
	return r.notify
}

func (r *Registry) enqueueNotify(identifier string) {
	select {
	case r.notify <- Notification{Identifier: identifier}:
	default:
	}
}

// RegisterAgent records a new agent connection. An empty identifier gets a
// generated one. If an online agent already holds the identifier, the new
// connection supersedes it: the old handle is evicted and closed, and the
// switchover is not reported to viewers as a disconnect. A handle that was
// already registered under another identifier releases that identifier
// (offline or evicted per the retain policy) before taking the new one.
// Returns ErrHandleConflict if the handle is already a viewer.
func (r *Registry) RegisterAgent(peer Peer, identifier string, meta Metadata) (string, error) {
	var evicted Peer
	var released string

	r.mu.Lock()
	if _, isViewer := r.viewers[peer]; isViewer {
		r.mu.Unlock()
		return "", ErrHandleConflict
	}

	if identifier == "" {
		identifier = uuid.New().String()
	}

	// A handle re-registering under a different identifier releases its old
	// record first. Without this the old identifier would stay online with a
	// route to a connection that no longer answers to it.
	if old, ok := r.byPeer[peer]; ok && old.Identifier != identifier {
		delete(r.byPeer, peer)
		old.peer = nil
		old.Online = false
		old.LastSeen = r.now()
		old.latestPreview = nil
		if !r.retainOffline {
			delete(r.agents, old.Identifier)
		}
		released = old.Identifier
	}

	if prev, ok := r.agents[identifier]; ok && prev.peer != nil && prev.peer != peer {
		// Supersession: the prior handle loses its registry binding before
		// it is closed, so nothing can be delivered to it afterwards.
		delete(r.byPeer, prev.peer)
		evicted = prev.peer
	}

	session := &AgentSession{
		Identifier: identifier,
		Meta:       meta,
		Online:     true,
		LastSeen:   r.now(),
		peer:       peer,
	}
	r.agents[identifier] = session
	r.byPeer[peer] = session
	total := len(r.agents)
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close()
		r.logger.Info("agent superseded", "identifier", identifier)
	}
	if released != "" {
		r.logger.Info("agent identifier released", "identifier", released, "retained", r.retainOffline)
		r.enqueueNotify(released)
	}
	r.logger.Info("agent registered",
		"identifier", identifier,
		"name", meta.Name,
		"os", meta.OS,
		"total_agents", total,
	)
	r.enqueueNotify(identifier)
	return identifier, nil
}

// MarkAgentOffline handles an agent connection going away. Idempotent: a
// handle that was already evicted (disconnect raced with supersession) is a
// no-op. Returns the identifier of the affected agent when state changed.
func (r *Registry) MarkAgentOffline(peer Peer) (string, bool) {
	r.mu.Lock()
	session, ok := r.byPeer[peer]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byPeer, peer)
	session.peer = nil
	session.Online = false
	session.LastSeen = r.now()
	session.latestPreview = nil
	if !r.retainOffline {
		delete(r.agents, session.Identifier)
	}
	identifier := session.Identifier
	r.mu.Unlock()

	r.logger.Info("agent offline", "identifier", identifier, "retained", r.retainOffline)
	r.enqueueNotify(identifier)
	return identifier, true
}

// RestoreOffline seeds a retained offline agent record, typically from the
// store at startup. A live record under the same identifier is left alone.
func (r *Registry) RestoreOffline(identifier string, meta Metadata, lastSeen time.Time) {
	if identifier == "" || !r.retainOffline {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[identifier]; ok {
		return
	}
	r.agents[identifier] = &AgentSession{
		Identifier: identifier,
		Meta:       meta,
		LastSeen:   lastSeen,
	}
}

// RegisterViewer records a new viewer connection, unauthenticated and
// unpaired. Returns ErrHandleConflict if the handle is already an agent.
func (r *Registry) RegisterViewer(peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, isAgent := r.byPeer[peer]; isAgent {
		return ErrHandleConflict
	}
	if _, ok := r.viewers[peer]; ok {
		return nil
	}
	r.viewers[peer] = &ViewerSession{peer: peer}
	return nil
}

// AuthenticateViewer flags a viewer as authenticated. The check itself is the
// web collaborator's concern; the registry only records the outcome.
func (r *Registry) AuthenticateViewer(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.viewers[peer]; ok {
		v.Authenticated = true
	}
}

// RemoveViewer drops a viewer from the registry and from any room. Idempotent.
func (r *Registry) RemoveViewer(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[peer]; !ok {
		return
	}
	r.rooms.leave(peer)
	delete(r.viewers, peer)
}

// ViewerPeers returns the connection handles of all authenticated viewers,
// used for registry-wide broadcasts such as agents_update. Unauthenticated
// viewers never receive the agent list.
func (r *Registry) ViewerPeers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.viewers))
	for p, v := range r.viewers {
		if v.Authenticated {
			out = append(out, p)
		}
	}
	return out
}

// AgentBySocket resolves a connection handle to its agent identifier.
func (r *Registry) AgentBySocket(peer Peer) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byPeer[peer]
	if !ok {
		return "", false
	}
	return session.Identifier, true
}

// ViewerBySocket reports a viewer's pairing and auth state.
func (r *Registry) ViewerBySocket(peer Peer) (watched string, authenticated, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, found := r.viewers[peer]
	if !found {
		return "", false, false
	}
	return v.WatchedAgent, v.Authenticated, true
}

// AgentPeer returns the connection handle of the online agent holding the
// identifier. Offline and unknown agents report false.
func (r *Registry) AgentPeer(identifier string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.agents[identifier]
	if !ok || !session.Online || session.peer == nil {
		return nil, false
	}
	return session.peer, true
}

// AgentOnline reports whether the identifier is known and whether it is online.
func (r *Registry) AgentOnline(identifier string) (exists, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.agents[identifier]
	if !ok {
		return false, false
	}
	return true, session.Online
}

// SetPreview caches the latest frame payload on the sending agent's session
// and refreshes lastSeen. Returns the agent identifier for room fan-out.
// Unregistered senders report false.
func (r *Registry) SetPreview(peer Peer, frame []byte) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byPeer[peer]
	if !ok {
		return "", false
	}
	session.latestPreview = frame
	session.LastSeen = r.now()
	return session.Identifier, true
}

// Preview returns the cached thumbnail for an agent, if any.
func (r *Registry) Preview(identifier string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.agents[identifier]
	if !ok || session.latestPreview == nil {
		return nil, false
	}
	return session.latestPreview, true
}

// ListAgents returns a snapshot of all agent records for the UI collaborator.
// Offline entries appear only under the retain policy.
func (r *Registry) ListAgents() []protocol.AgentSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.AgentSummary, 0, len(r.agents))
	for _, s := range r.agents {
		out = append(out, protocol.AgentSummary{
			Identifier: s.Identifier,
			Name:       s.Meta.Name,
			OS:         s.Meta.OS,
			Resolution: s.Meta.Resolution,
			Online:     s.Online,
			LastSeen:   s.LastSeen.UTC().Format(time.RFC3339),
			HasPreview: s.latestPreview != nil,
		})
	}
	return out
}
