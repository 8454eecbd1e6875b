// ABOUTME: Tests for the JSON API and health endpoints.
// ABOUTME: Checks session gating and the readiness signal.

package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpselabs/glimpse-relay/internal/protocol"
	"github.com/glimpselabs/glimpse-relay/internal/store"
	"github.com/glimpselabs/glimpse-relay/internal/web"
)

// apiFixture is a broker with API routes mounted and a logged-in session cookie.
func apiFixture(t *testing.T) (*Broker, *http.ServeMux, *http.Cookie) {
	t.Helper()
	b := newTestBroker(t, false)

	webHandler, err := web.New(web.Config{AccessPassword: "hunter2", Store: b.store})
	require.NoError(t, err)
	b.web = webHandler

	mux := http.NewServeMux()
	b.registerAPIRoutes(mux)

	// Mint a session directly in the store.
	session := &store.WebSession{
		ID:        "test-session",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(web.SessionDuration),
	}
	require.NoError(t, b.store.CreateSession(t.Context(), session))

	return b, mux, &http.Cookie{Name: web.SessionCookieName, Value: session.ID}
}

func TestAPIAgents(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		_, mux, _ := apiFixture(t)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("lists agents", func(t *testing.T) {
		b, mux, cookie := apiFixture(t)
		agentConn, _ := newAgentConn(b)
		agentConn.handleAgentMessage(encode(t, protocol.EventAgentRegister, protocol.RegisterPayload{
			Identifier: "pc-1", Name: "office",
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var payload protocol.AgentsUpdatePayload
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		require.Len(t, payload.Agents, 1)
		assert.Equal(t, "pc-1", payload.Agents[0].Identifier)
	})
}

func TestAPIPreview(t *testing.T) {
	b, mux, cookie := apiFixture(t)
	agentConn, _ := newAgentConn(b)
	agentConn.handleAgentMessage(encode(t, protocol.EventAgentRegister, protocol.RegisterPayload{Identifier: "pc-1"}))
	agentConn.handleAgentMessage(encode(t, protocol.EventScreenFrame, map[string]string{"image": "abc"}))

	t.Run("serves the cached frame payload", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/agents/pc-1/preview", nil)
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"image":"abc"}`, rec.Body.String())
	})

	t.Run("404 without a preview", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/agents/ghost/preview", nil)
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	b, mux, _ := apiFixture(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready without agents")

	agentConn, _ := newAgentConn(b)
	agentConn.handleAgentMessage(encode(t, protocol.EventAgentRegister, protocol.RegisterPayload{Identifier: "pc-1"}))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
