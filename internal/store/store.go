// Package store defines the persistence interface for relay history.
// All implementations (SQLite today) satisfy the Store interface,
// allowing the server to swap backends without changing business logic.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for relay history data.
// Implementations must be safe for concurrent use.
type Store interface {
	// Clients seen by the relay.
	UpsertClient(ctx context.Context, client *ClientRecord) error
	ListClients(ctx context.Context) ([]*ClientRecord, error)

	// Session log.
	RecordSessionStart(ctx context.Context, session *SessionRecord) error
	RecordSessionEnd(ctx context.Context, id string, endedAt time.Time, peakViewers int) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)

	// Transfer log (metadata only; file contents never touch the relay's disk).
	RecordTransfer(ctx context.Context, transfer *TransferRecord) error
	ListTransfers(ctx context.Context, limit int) ([]*TransferRecord, error)

	// Close releases database resources.
	Close() error
}

// ClientRecord tracks a client identity across registrations.
type ClientRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// SessionRecord is one presenter-viewer connection's lifetime.
type SessionRecord struct {
	ID          string     `json:"id"`
	PresenterID string     `json:"presenter_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	PeakViewers int        `json:"peak_viewers"`
}

// TransferRecord is the metadata of one relayed file transfer.
type TransferRecord struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	State        string    `json:"state"`
	LoggedAt     time.Time `json:"logged_at"`
}
