// ABOUTME: Template rendering functions for the viewer UI
// ABOUTME: Loads templates from the embedded filesystem and renders them

package web

import (
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates
var templateFS embed.FS

type loginData struct {
	Title     string
	Error     string
	CSRFToken string
}

type agentsData struct {
	Title     string
	CSRFToken string
}

type controlData struct {
	Title      string
	Identifier string
	CSRFToken  string
}

func (h *Handler) renderLoginPage(w http.ResponseWriter, errorMsg, csrfToken string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/login.html"))

	data := loginData{
		Title:     "Login",
		Error:     errorMsg,
		CSRFToken: csrfToken,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render login page", "error", err)
	}
}

func (h *Handler) renderAgentsPage(w http.ResponseWriter, csrfToken string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/agents.html"))

	data := agentsData{
		Title:     "Agents",
		CSRFToken: csrfToken,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render agents page", "error", err)
	}
}

func (h *Handler) renderControlPage(w http.ResponseWriter, identifier, csrfToken string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/control.html"))

	data := controlData{
		Title:      "Control " + identifier,
		Identifier: identifier,
		CSRFToken:  csrfToken,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render control page", "error", err)
	}
}
