// ABOUTME: JSON API and health endpoints served alongside the WebSocket routes.
// ABOUTME: Agent listing and preview retrieval for the viewer UI, session-gated.

package broker

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/glimpselabs/glimpse-relay/internal/protocol"
)

func (b *Broker) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", b.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}/preview", b.handleAgentPreview)
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /health/ready", b.handleReady)
}

// handleListAgents returns the current agent list as JSON. Same data as the
// agents_update broadcast, for viewers that poll instead of listening.
func (b *Broker) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !b.web.Authenticated(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(protocol.AgentsUpdatePayload{
		Agents: b.registry.ListAgents(),
	}); err != nil {
		b.logger.Debug("encoding agent list failed", "error", err)
	}
}

// handleAgentPreview serves the cached latest-frame payload for one agent.
// The payload is the agent's screen_frame body, forwarded verbatim.
func (b *Broker) handleAgentPreview(w http.ResponseWriter, r *http.Request) {
	if !b.web.Authenticated(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identifier := r.PathValue("id")
	preview, ok := b.registry.Preview(identifier)
	if !ok {
		http.Error(w, "no preview", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(preview)
}

// handleHealth returns 200 OK if the server is alive.
func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is online.
func (b *Broker) handleReady(w http.ResponseWriter, r *http.Request) {
	online := 0
	for _, a := range b.registry.ListAgents() {
		if a.Online {
			online++
		}
	}
	if online == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", online)
}
