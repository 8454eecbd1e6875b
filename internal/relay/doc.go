// ABOUTME: Package documentation for the relay package.
// ABOUTME: Describes forwarding semantics and drop behavior.

// Package relay forwards catalogued events between paired peers. Frames and
// agent status fan out to the sender's room; input events route to the single
// online agent the sending viewer watches. Payloads are never interpreted,
// and undeliverable events are dropped silently with a diagnostic counter.
package relay
