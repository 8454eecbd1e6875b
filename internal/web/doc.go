// ABOUTME: Package documentation for the web package.
// ABOUTME: Describes the viewer UI surface and its session model.

// Package web serves the viewer-facing UI: a shared-password login backed by
// bcrypt, store-persisted cookie sessions, and the agent list and remote
// control pages. The broker consults Authenticated to gate its WebSocket and
// JSON API endpoints with the same sessions.
package web
