// ABOUTME: Package documentation for the broker package.
// ABOUTME: Describes the connection lifecycle and the broadcast loop.

// Package broker runs the relay process: it terminates agent and viewer
// WebSocket connections, drives each connection through its lifecycle
// (open, registered, closed), and forwards events through the relay engine.
//
// Agents connect to /ws/agent and must send agent_register before anything
// else. Viewers connect to /ws/viewer, authenticate via the web session
// cookie, and pair with an agent by sending viewer_join. Membership changes
// in the registry trigger agents_update broadcasts to every authenticated
// viewer.
package broker
