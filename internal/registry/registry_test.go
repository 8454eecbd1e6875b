// ABOUTME: Tests for agent and viewer registration, supersession and eviction.
// ABOUTME: Uses an in-memory fake peer to observe sends and forced closes.

package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpselabs/glimpse-relay/internal/protocol"
)

// fakePeer records everything delivered to it.
type fakePeer struct {
	mu     sync.Mutex
	sent   [][]byte
	frames [][]byte
	closed bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{}
}

func (p *fakePeer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.sent = append(p.sent, data)
	return true
}

func (p *fakePeer) SendFrame(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.frames = append(p.frames, data)
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) sentMessages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakePeer) sentFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.frames))
	copy(out, p.frames)
	return out
}

// decodeSent parses one delivered message back into an envelope.
func decodeSent(t *testing.T, data []byte) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func newTestRegistry(opts ...Option) *Registry {
	return New(slog.Default(), opts...)
}

func TestRegisterAgent(t *testing.T) {
	t.Run("assigns identifier when empty", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()

		id, err := r.RegisterAgent(peer, "", Metadata{Name: "office-pc"})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		exists, online := r.AgentOnline(id)
		assert.True(t, exists)
		assert.True(t, online)
	})

	t.Run("keeps provided identifier", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()

		id, err := r.RegisterAgent(peer, "pc-1", Metadata{})
		require.NoError(t, err)
		assert.Equal(t, "pc-1", id)
	})

	t.Run("rejects a handle already registered as viewer", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()
		require.NoError(t, r.RegisterViewer(peer))

		_, err := r.RegisterAgent(peer, "pc-1", Metadata{})
		assert.ErrorIs(t, err, ErrHandleConflict)
	})
}

func TestAgentSupersession(t *testing.T) {
	r := newTestRegistry()
	oldPeer := newFakePeer()
	newPeer := newFakePeer()

	_, err := r.RegisterAgent(oldPeer, "pc-1", Metadata{Name: "old"})
	require.NoError(t, err)

	_, err = r.RegisterAgent(newPeer, "pc-1", Metadata{Name: "new"})
	require.NoError(t, err)

	// The superseded handle is force-closed and unbound.
	assert.True(t, oldPeer.isClosed())
	_, ok := r.AgentBySocket(oldPeer)
	assert.False(t, ok, "old handle should be unbound")

	// The identifier now resolves to the new handle.
	p, ok := r.AgentPeer("pc-1")
	require.True(t, ok)
	assert.Same(t, newPeer, interfaceToFake(t, p))

	// The old handle's disconnect arrives late: it must be a no-op, not a
	// disconnect of the new registration.
	_, changed := r.MarkAgentOffline(oldPeer)
	assert.False(t, changed)

	exists, online := r.AgentOnline("pc-1")
	assert.True(t, exists)
	assert.True(t, online, "new registration must survive the stale disconnect")
}

func TestReRegisterUnderNewIdentifier(t *testing.T) {
	t.Run("releases the old identifier", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()

		_, err := r.RegisterAgent(peer, "pc-1", Metadata{})
		require.NoError(t, err)
		_, err = r.RegisterAgent(peer, "pc-2", Metadata{})
		require.NoError(t, err)

		// The old identifier must not linger as an online, routable ghost.
		exists, _ := r.AgentOnline("pc-1")
		assert.False(t, exists)
		_, ok := r.AgentPeer("pc-1")
		assert.False(t, ok)

		// The connection stays live and now answers to the new identifier.
		assert.False(t, peer.isClosed())
		id, ok := r.AgentBySocket(peer)
		require.True(t, ok)
		assert.Equal(t, "pc-2", id)

		id, changed := r.MarkAgentOffline(peer)
		assert.True(t, changed)
		assert.Equal(t, "pc-2", id)
	})

	t.Run("retains the old record offline under retain policy", func(t *testing.T) {
		r := newTestRegistry(WithRetainOffline(true))
		peer := newFakePeer()

		_, err := r.RegisterAgent(peer, "pc-1", Metadata{Name: "office"})
		require.NoError(t, err)
		_, ok := r.SetPreview(peer, []byte(`{"image":"abc"}`))
		require.True(t, ok)

		_, err = r.RegisterAgent(peer, "pc-2", Metadata{Name: "office"})
		require.NoError(t, err)

		exists, online := r.AgentOnline("pc-1")
		assert.True(t, exists)
		assert.False(t, online)
		_, ok = r.AgentPeer("pc-1")
		assert.False(t, ok, "released record has no routable peer")
		_, ok = r.Preview("pc-1")
		assert.False(t, ok, "preview must not outlive the binding")
	})

	t.Run("same identifier refreshes in place", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()

		_, err := r.RegisterAgent(peer, "pc-1", Metadata{Name: "old"})
		require.NoError(t, err)
		_, err = r.RegisterAgent(peer, "pc-1", Metadata{Name: "new"})
		require.NoError(t, err)

		assert.False(t, peer.isClosed())
		exists, online := r.AgentOnline("pc-1")
		assert.True(t, exists)
		assert.True(t, online)
	})
}

func interfaceToFake(t *testing.T, p Peer) *fakePeer {
	t.Helper()
	fp, ok := p.(*fakePeer)
	require.True(t, ok)
	return fp
}

func TestMarkAgentOffline(t *testing.T) {
	t.Run("evicts by default", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()
		_, err := r.RegisterAgent(peer, "pc-1", Metadata{})
		require.NoError(t, err)

		id, changed := r.MarkAgentOffline(peer)
		assert.True(t, changed)
		assert.Equal(t, "pc-1", id)

		exists, _ := r.AgentOnline("pc-1")
		assert.False(t, exists, "evict policy removes the record")
	})

	t.Run("retains offline record under retain policy", func(t *testing.T) {
		r := newTestRegistry(WithRetainOffline(true))
		peer := newFakePeer()
		_, err := r.RegisterAgent(peer, "pc-1", Metadata{Name: "office"})
		require.NoError(t, err)

		_, changed := r.MarkAgentOffline(peer)
		assert.True(t, changed)

		exists, online := r.AgentOnline("pc-1")
		assert.True(t, exists)
		assert.False(t, online)

		// Offline agents have no routable peer.
		_, ok := r.AgentPeer("pc-1")
		assert.False(t, ok)
	})

	t.Run("clears the cached preview", func(t *testing.T) {
		r := newTestRegistry(WithRetainOffline(true))
		peer := newFakePeer()
		_, err := r.RegisterAgent(peer, "pc-1", Metadata{})
		require.NoError(t, err)

		_, ok := r.SetPreview(peer, []byte(`{"image":"abc"}`))
		require.True(t, ok)
		_, ok = r.Preview("pc-1")
		require.True(t, ok)

		r.MarkAgentOffline(peer)
		_, ok = r.Preview("pc-1")
		assert.False(t, ok, "preview must not outlive the connection")
	})

	t.Run("idempotent on unknown handle", func(t *testing.T) {
		r := newTestRegistry()
		_, changed := r.MarkAgentOffline(newFakePeer())
		assert.False(t, changed)
	})
}

func TestRestoreOffline(t *testing.T) {
	t.Run("seeds retained records", func(t *testing.T) {
		r := newTestRegistry(WithRetainOffline(true))
		lastSeen := time.Now().Add(-time.Hour)

		r.RestoreOffline("pc-1", Metadata{Name: "office"}, lastSeen)

		exists, online := r.AgentOnline("pc-1")
		assert.True(t, exists)
		assert.False(t, online)
	})

	t.Run("never overwrites a live record", func(t *testing.T) {
		r := newTestRegistry(WithRetainOffline(true))
		peer := newFakePeer()
		_, err := r.RegisterAgent(peer, "pc-1", Metadata{})
		require.NoError(t, err)

		r.RestoreOffline("pc-1", Metadata{}, time.Now())

		_, online := r.AgentOnline("pc-1")
		assert.True(t, online)
	})

	t.Run("no-op under evict policy", func(t *testing.T) {
		r := newTestRegistry()
		r.RestoreOffline("pc-1", Metadata{}, time.Now())

		exists, _ := r.AgentOnline("pc-1")
		assert.False(t, exists)
	})
}

func TestViewerRegistration(t *testing.T) {
	t.Run("rejects a handle already registered as agent", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()
		_, err := r.RegisterAgent(peer, "pc-1", Metadata{})
		require.NoError(t, err)

		assert.ErrorIs(t, r.RegisterViewer(peer), ErrHandleConflict)
	})

	t.Run("broadcast set includes only authenticated viewers", func(t *testing.T) {
		r := newTestRegistry()
		authed := newFakePeer()
		anon := newFakePeer()
		require.NoError(t, r.RegisterViewer(authed))
		require.NoError(t, r.RegisterViewer(anon))
		r.AuthenticateViewer(authed)

		peers := r.ViewerPeers()
		require.Len(t, peers, 1)
		assert.Same(t, authed, interfaceToFake(t, peers[0]))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		r := newTestRegistry()
		peer := newFakePeer()
		require.NoError(t, r.RegisterViewer(peer))
		r.RemoveViewer(peer)
		r.RemoveViewer(peer)

		_, _, ok := r.ViewerBySocket(peer)
		assert.False(t, ok)
	})
}

func TestListAgents(t *testing.T) {
	r := newTestRegistry(WithRetainOffline(true))
	live := newFakePeer()
	gone := newFakePeer()

	_, err := r.RegisterAgent(live, "pc-1", Metadata{Name: "office", OS: "windows", Resolution: "1920x1080"})
	require.NoError(t, err)
	_, err = r.RegisterAgent(gone, "pc-2", Metadata{Name: "laptop"})
	require.NoError(t, err)
	r.MarkAgentOffline(gone)

	list := r.ListAgents()
	require.Len(t, list, 2)

	byID := make(map[string]protocol.AgentSummary)
	for _, a := range list {
		byID[a.Identifier] = a
	}
	assert.True(t, byID["pc-1"].Online)
	assert.Equal(t, "windows", byID["pc-1"].OS)
	assert.False(t, byID["pc-2"].Online)
}

func TestNotifications(t *testing.T) {
	r := newTestRegistry()
	peer := newFakePeer()

	_, err := r.RegisterAgent(peer, "pc-1", Metadata{})
	require.NoError(t, err)

	select {
	case n := <-r.Notifications():
		assert.Equal(t, "pc-1", n.Identifier)
	default:
		t.Fatal("expected a notification after registration")
	}

	r.MarkAgentOffline(peer)
	select {
	case <-r.Notifications():
	default:
		t.Fatal("expected a notification after disconnect")
	}
}

// joinAckFrom extracts the first join_ack delivered to the peer.
func joinAckFrom(t *testing.T, peer *fakePeer) protocol.JoinAckPayload {
	t.Helper()
	for _, data := range peer.sentMessages() {
		env := decodeSent(t, data)
		if env.Type == protocol.EventJoinAck {
			var payload protocol.JoinAckPayload
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			return payload
		}
	}
	t.Fatal("no join_ack delivered")
	return protocol.JoinAckPayload{}
}
