// ABOUTME: Broker wiring the registry, relay engine, store and web UI behind one HTTP server.
// ABOUTME: Owns the WebSocket endpoints, the agents_update broadcast loop and graceful shutdown.

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glimpselabs/glimpse-relay/internal/auth"
	"github.com/glimpselabs/glimpse-relay/internal/config"
	"github.com/glimpselabs/glimpse-relay/internal/protocol"
	"github.com/glimpselabs/glimpse-relay/internal/registry"
	"github.com/glimpselabs/glimpse-relay/internal/relay"
	"github.com/glimpselabs/glimpse-relay/internal/store"
	"github.com/glimpselabs/glimpse-relay/internal/web"
)

// sessionPurgeInterval is how often expired web sessions are swept.
const sessionPurgeInterval = time.Hour

// Broker is the relay process: it accepts agent and viewer WebSocket
// connections, routes events between them, and serves the viewer web UI.
type Broker struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	relay    *relay.Engine
	store    store.Store
	verifier auth.TokenVerifier
	web      *web.Handler

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New assembles a Broker from configuration. The store is opened, retained
// agent records are restored, and all HTTP routes are registered. Call Run to
// start serving.
func New(cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	reg := registry.New(
		logger.With("component", "registry"),
		registry.WithRetainOffline(cfg.Agents.RetainOffline),
	)

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		relay:    relay.NewEngine(reg, logger.With("component", "relay")),
		store:    st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	if err := b.restoreRetainedAgents(); err != nil {
		_ = st.Close()
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		b.verifier = verifier
		logger.Info("agent registration tokens required")
	} else {
		logger.Warn("auth.jwt_secret not set, agents register anonymously")
	}

	webHandler, err := web.New(web.Config{
		AccessPassword: cfg.Auth.AccessPassword,
		Store:          st,
		Logger:         logger.With("component", "web"),
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating web handler: %w", err)
	}
	b.web = webHandler

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", b.handleAgentWS)
	mux.HandleFunc("/ws/viewer", b.handleViewerWS)
	b.registerAPIRoutes(mux)
	webHandler.RegisterRoutes(mux)

	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return b, nil
}

// restoreRetainedAgents seeds the registry with offline records from the
// store so the agent list survives restarts under the retain policy.
func (b *Broker) restoreRetainedAgents() error {
	if !b.cfg.Agents.RetainOffline {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := b.store.ListAgentRecords(ctx)
	if err != nil {
		return fmt.Errorf("restoring agent records: %w", err)
	}
	for _, rec := range records {
		b.registry.RestoreOffline(rec.Identifier, registry.Metadata{
			Name:       rec.Name,
			OS:         rec.OS,
			Resolution: rec.Resolution,
		}, rec.LastSeen)
	}
	if len(records) > 0 {
		b.logger.Info("restored retained agent records", "count", len(records))
	}
	return nil
}

// Run starts the HTTP server and background loops, blocking until the
// context is canceled or the server fails. Returns nil on graceful shutdown.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.cfg.Server.HTTPAddr, err)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go b.notifyLoop(loopCtx)
	go b.sessionPurgeLoop(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := b.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		b.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := b.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown stops serving with a fresh context: the run context is
// already canceled by the time shutdown starts.
func (b *Broker) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.logger.Info("shutting down relay")

	var errs []error
	if err := b.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// notifyLoop turns registry membership changes into agents_update broadcasts.
// Each signal triggers one full-list broadcast to every authenticated viewer;
// coalesced signals are absorbed because the list is always complete.
func (b *Broker) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.registry.Notifications():
			b.broadcastAgentsUpdate()
		}
	}
}

func (b *Broker) broadcastAgentsUpdate() {
	data := protocol.MustEncode(protocol.EventAgentsUpdate, protocol.AgentsUpdatePayload{
		Agents: b.registry.ListAgents(),
	})
	for _, peer := range b.registry.ViewerPeers() {
		peer.Send(data)
	}
}

// sessionPurgeLoop sweeps expired web sessions from the store.
func (b *Broker) sessionPurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := b.store.PurgeExpiredSessions(ctx)
			if err != nil {
				b.logger.Warn("purging sessions failed", "error", err)
			} else if purged > 0 {
				b.logger.Info("purged expired sessions", "count", purged)
			}
		}
	}
}

// handleAgentWS accepts an agent connection. The connection stays in the open
// state until a valid agent_register arrives; teardown runs when the read
// loop exits for any reason.
func (b *Broker) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("agent upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	peer := newWSPeer(wsConn, b.cfg.Limits.SendBuffer,
		b.cfg.Agents.HeartbeatInterval, b.cfg.Agents.HeartbeatTimeout,
		b.logger.With("component", "agent_conn", "remote", r.RemoteAddr))

	c := &connection{
		broker: b,
		peer:   peer,
		state:  stateOpen,
		logger: peer.logger,
	}

	go peer.writePump()
	peer.readPump(b.cfg.Limits.MaxFrameBytes, c.handleAgentMessage)
	c.teardownAgent()
}

// handleViewerWS accepts a viewer connection. Authentication comes from the
// web session cookie at upgrade time; unauthenticated viewers may connect but
// every pairing attempt is refused and they receive no broadcasts.
func (b *Broker) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	authenticated := b.web.Authenticated(r)

	wsConn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("viewer upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	peer := newWSPeer(wsConn, b.cfg.Limits.SendBuffer,
		b.cfg.Agents.HeartbeatInterval, b.cfg.Agents.HeartbeatTimeout,
		b.logger.With("component", "viewer_conn", "remote", r.RemoteAddr))

	if err := b.registry.RegisterViewer(peer); err != nil {
		peer.logger.Error("viewer registration refused", "error", err)
		_ = wsConn.Close()
		return
	}

	c := &connection{
		broker: b,
		peer:   peer,
		state:  stateRegisteredViewer,
		logger: peer.logger,
	}

	go peer.writePump()

	if authenticated {
		b.registry.AuthenticateViewer(peer)
		peer.Send(protocol.MustEncode(protocol.EventAgentsUpdate, protocol.AgentsUpdatePayload{
			Agents: b.registry.ListAgents(),
		}))
	}

	peer.readPump(b.cfg.Limits.MaxFrameBytes, c.handleViewerMessage)
	c.teardownViewer()
}
