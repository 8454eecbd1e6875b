// ABOUTME: Viewer-facing web UI with password login and cookie sessions.
// ABOUTME: Sessions live in the store; CSRF tokens double-submit on forms.

package web

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/glimpselabs/glimpse-relay/internal/store"
)

const (
	// SessionCookieName is the name of the session cookie
	SessionCookieName = "glimpse_session"

	// CSRFCookieName is the name of the CSRF token cookie
	CSRFCookieName = "glimpse_csrf"

	// SessionDuration is how long viewer sessions last
	SessionDuration = 24 * time.Hour
)

// Config holds the dependencies for the web handler.
type Config struct {
	// AccessPassword is the shared viewer password. It is bcrypt-hashed at
	// startup and the plaintext is not retained.
	AccessPassword string
	Store          store.Store
	Logger         *slog.Logger
}

// Handler serves the viewer UI: login, agent list, and the control page.
type Handler struct {
	passwordHash []byte
	store        store.Store
	logger       *slog.Logger
}

// New creates a web handler, hashing the access password up front.
func New(cfg Config) (*Handler, error) {
	if cfg.AccessPassword == "" {
		return nil, errors.New("access password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AccessPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing access password: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "web")
	}
	return &Handler{
		passwordHash: hash,
		store:        cfg.Store,
		logger:       logger,
	}, nil
}

// RegisterRoutes registers all web UI routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /login", h.handleLoginPage)
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("POST /logout", h.handleLogout)

	mux.HandleFunc("GET /{$}", h.requireAuth(h.handleAgentsPage))
	mux.HandleFunc("GET /control/{id}", h.requireAuth(h.handleControlPage))

	h.logger.Info("web routes registered")
}

// Authenticated reports whether the request carries a live session cookie.
// Used by the broker to gate the viewer WebSocket and the JSON API.
func (h *Handler) Authenticated(r *http.Request) bool {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	_, err = h.store.GetSession(r.Context(), cookie.Value)
	return err == nil
}

// requireAuth wraps a handler to require a live session.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.Authenticated(r) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// ensureCSRFToken generates a CSRF token if not present and sets the cookie.
func (h *Handler) ensureCSRFToken(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(CSRFCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	token, err := generateSecureToken(32)
	if err != nil {
		h.logger.Error("failed to generate CSRF token", "error", err)
		token = "" // Will fail validation, but won't crash
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	return token
}

// validateCSRF checks the CSRF token from the form against the cookie.
func (h *Handler) validateCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	return formToken != "" && formToken == cookie.Value
}

// createSession stores a new session and sets the cookie.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) error {
	sessionID, err := generateSecureToken(32)
	if err != nil {
		return err
	}

	session := &store.WebSession{
		ID:        sessionID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(SessionDuration),
	}
	if err := h.store.CreateSession(r.Context(), session); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// handleLoginPage renders the login page
func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if h.Authenticated(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	csrfToken := h.ensureCSRFToken(w, r)
	h.renderLoginPage(w, "", csrfToken)
}

// handleLogin processes a login form submission
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		csrfToken := h.ensureCSRFToken(w, r)
		h.renderLoginPage(w, "Invalid form data", csrfToken)
		return
	}

	if !h.validateCSRF(r) {
		csrfToken := h.ensureCSRFToken(w, r)
		h.renderLoginPage(w, "Invalid request, please try again", csrfToken)
		return
	}

	password := r.FormValue("password")
	if password == "" {
		csrfToken := h.ensureCSRFToken(w, r)
		h.renderLoginPage(w, "Password required", csrfToken)
		return
	}

	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(password)); err != nil {
		h.logger.Warn("failed login attempt", "remote", r.RemoteAddr)
		csrfToken := h.ensureCSRFToken(w, r)
		h.renderLoginPage(w, "Invalid password", csrfToken)
		return
	}

	if err := h.createSession(w, r); err != nil {
		h.logger.Error("failed to create session", "error", err)
		csrfToken := h.ensureCSRFToken(w, r)
		h.renderLoginPage(w, "An error occurred", csrfToken)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout deletes the session and clears cookies
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		if !h.validateCSRF(r) {
			h.logger.Warn("logout request with invalid CSRF token")
		}
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			h.logger.Warn("deleting session failed", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// handleAgentsPage renders the agent list page
func (h *Handler) handleAgentsPage(w http.ResponseWriter, r *http.Request) {
	csrfToken := h.ensureCSRFToken(w, r)
	h.renderAgentsPage(w, csrfToken)
}

// handleControlPage renders the remote control page for one agent
func (h *Handler) handleControlPage(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("id")
	if identifier == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	csrfToken := h.ensureCSRFToken(w, r)
	h.renderControlPage(w, identifier, csrfToken)
}

func generateSecureToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
