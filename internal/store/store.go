// ABOUTME: Store interface and data types for glimpse-relay persistence
// ABOUTME: Defines AgentRecord, WebSession structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentRecord is the durable mirror of an agent's registry entry. It exists
// so the retain-offline policy survives relay restarts; frame and input
// payloads are never persisted.
type AgentRecord struct {
	Identifier string
	Name       string
	OS         string
	Resolution string
	Online     bool
	LastSeen   time.Time
}

// WebSession is an authenticated viewer browser session.
type WebSession struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the persistence interface used by the broker and the web UI.
type Store interface {
	// Agent records
	UpsertAgentRecord(ctx context.Context, rec *AgentRecord) error
	MarkAgentOffline(ctx context.Context, identifier string, lastSeen time.Time) error
	DeleteAgentRecord(ctx context.Context, identifier string) error
	ListAgentRecords(ctx context.Context) ([]*AgentRecord, error)

	// Web sessions
	CreateSession(ctx context.Context, session *WebSession) error
	GetSession(ctx context.Context, id string) (*WebSession, error)
	DeleteSession(ctx context.Context, id string) error
	PurgeExpiredSessions(ctx context.Context) (int64, error)

	Close() error
}
