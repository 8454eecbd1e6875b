// ABOUTME: Package documentation for the registry package.
// ABOUTME: Describes session records, supersession and the room index.

// Package registry is the source of truth for who is connected. It tracks
// agent sessions by identifier and connection handle, viewer sessions by
// handle, and the pairing rooms that map each agent to the viewers watching
// it. All of it lives behind one mutex so supersession, pairing and fan-out
// snapshots are atomic.
//
// An identifier has at most one online agent: a new registration under a
// taken identifier supersedes the previous connection, which is unbound
// before it is closed so nothing is ever delivered to an evicted handle.
package registry
