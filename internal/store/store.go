// Package store keeps a durable record of peer presence and the most recent
// status reports. Chat traffic is never stored.
//
// Rows are keyed by credential fingerprint; raw credentials do not reach
// the database.
package store

import (
	"context"
	"time"
)

// PeerRecord is the last known presence of one peer.
type PeerRecord struct {
	Fingerprint        string     `json:"fingerprint"`
	Name               string     `json:"name"`
	Connected          bool       `json:"connected"`
	RemoteAddr         string     `json:"remote_addr,omitempty"`
	SessionID          string     `json:"session_id,omitempty"`
	LastConnectedAt    time.Time  `json:"last_connected_at"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty"`
}

// StatusRecord is one status report as received from a peer.
type StatusRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	TPS         float64   `json:"tps"`
	Players     int       `json:"players"`
	MaxPlayers  int       `json:"max_players"`
	Uptime      string    `json:"uptime,omitempty"`
	PlayerNames []string  `json:"player_names,omitempty"`
	Version     string    `json:"version,omitempty"`
	ReportedAt  time.Time `json:"reported_at"`
}

// Store is the hub's storage interface. All methods are safe for concurrent use.
type Store interface {
	// Presence.
	PeerConnected(ctx context.Context, peer PeerRecord) error
	// PeerDisconnected marks the peer offline only if sessionID still owns
	// the row, so a late teardown cannot hide a newer connection.
	PeerDisconnected(ctx context.Context, fingerprint, sessionID string, at time.Time) error
	PeerList(ctx context.Context) ([]PeerRecord, error)
	PeerResetAll(ctx context.Context) error

	// Status reports.
	StatusSave(ctx context.Context, rec StatusRecord) error
	StatusGet(ctx context.Context, fingerprint string) (*StatusRecord, error)
	StatusPrune(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
