// ABOUTME: Package documentation for the protocol package.
// ABOUTME: Describes the event catalogue and envelope format.

// Package protocol defines the wire format shared by agents, viewers and the
// relay: a JSON envelope of type plus opaque payload, and the closed
// catalogue of event kinds with their routing directions. Kinds outside the
// catalogue are rejected at decode time and never forwarded.
package protocol
