// ABOUTME: Pairing manager mapping agent identifiers to the viewers watching them.
// ABOUTME: Join/leave/fan-out operate inside the registry's mutual-exclusion domain.

package registry

import (
	"time"

	"github.com/glimpselabs/glimpse-relay/internal/protocol"
)

// Pairing failure reasons, delivered verbatim in the join_ack payload.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonAgentNotFound   = "agent_not_found"
	ReasonAgentOffline    = "agent_offline"
)

// JoinResult reports the outcome of a pairing request.
type JoinResult struct {
	Success bool
	Reason  string
}

// roomIndex tracks room membership both ways for O(1) fan-out and leave.
// Rooms are never created or destroyed explicitly; membership is the index.
type roomIndex struct {
	byAgent  map[string]map[Peer]struct{}
	byViewer map[Peer]string
}

func newRoomIndex() roomIndex {
	return roomIndex{
		byAgent:  make(map[string]map[Peer]struct{}),
		byViewer: make(map[Peer]string),
	}
}

func (ri *roomIndex) join(peer Peer, identifier string) {
	members, ok := ri.byAgent[identifier]
	if !ok {
		members = make(map[Peer]struct{})
		ri.byAgent[identifier] = members
	}
	members[peer] = struct{}{}
	ri.byViewer[peer] = identifier
}

func (ri *roomIndex) leave(peer Peer) {
	identifier, ok := ri.byViewer[peer]
	if !ok {
		return
	}
	delete(ri.byViewer, peer)
	if members, ok := ri.byAgent[identifier]; ok {
		delete(members, peer)
		if len(members) == 0 {
			delete(ri.byAgent, identifier)
		}
	}
}

func (ri *roomIndex) members(identifier string) []Peer {
	members, ok := ri.byAgent[identifier]
	if !ok {
		return nil
	}
	out := make([]Peer, 0, len(members))
	for p := range members {
		out = append(out, p)
	}
	return out
}

// JoinRoom pairs a viewer with an agent identifier. The authentication check,
// the online check, the pairing acknowledgment and the room insertion happen
// in one critical section, so the viewer's watchedAgent is set only after the
// ack is in its outbound queue ahead of any room-scoped delivery. Two viewers
// racing for the same agent both succeed; there is no viewer exclusivity.
func (r *Registry) JoinRoom(peer Peer, identifier string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewer, ok := r.viewers[peer]
	if !ok || !viewer.Authenticated {
		r.sendJoinAck(peer, identifier, JoinResult{Reason: ReasonUnauthenticated})
		return JoinResult{Reason: ReasonUnauthenticated}
	}

	agent, ok := r.agents[identifier]
	if !ok {
		r.sendJoinAck(peer, identifier, JoinResult{Reason: ReasonAgentNotFound})
		return JoinResult{Reason: ReasonAgentNotFound}
	}
	if !agent.Online {
		r.sendJoinAck(peer, identifier, JoinResult{Reason: ReasonAgentOffline})
		return JoinResult{Reason: ReasonAgentOffline}
	}

	// Re-pairing moves the viewer out of its old room first.
	r.rooms.leave(peer)

	result := JoinResult{Success: true}
	r.sendJoinAck(peer, identifier, result)
	viewer.WatchedAgent = identifier
	viewer.JoinedAt = r.now()
	r.rooms.join(peer, identifier)
	return result
}

func (r *Registry) sendJoinAck(peer Peer, identifier string, result JoinResult) {
	peer.Send(protocol.MustEncode(protocol.EventJoinAck, protocol.JoinAckPayload{
		Success:    result.Success,
		Identifier: identifier,
		Reason:     result.Reason,
	}))
}

// LeaveRoom removes a viewer from its room. Safe on unpaired viewers.
func (r *Registry) LeaveRoom(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms.leave(peer)
	if viewer, ok := r.viewers[peer]; ok {
		viewer.WatchedAgent = ""
		viewer.JoinedAt = time.Time{}
	}
}

// RoomMembers returns the connection handles of every viewer currently
// watching the identifier. Unknown agents yield an empty set.
func (r *Registry) RoomMembers(identifier string) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.rooms.members(identifier)
}
