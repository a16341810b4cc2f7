package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// StatusRetention is how long status reports are kept.
const StatusRetention = 24 * time.Hour

const cleanupInterval = time.Hour

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates dataDir/chatrelay.db and runs schema
// migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "chatrelay.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			fingerprint TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			connected INTEGER NOT NULL DEFAULT 0,
			remote_addr TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			last_connected_at DATETIME NOT NULL,
			last_disconnected_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS status_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			name TEXT NOT NULL,
			tps REAL NOT NULL DEFAULT 0,
			players INTEGER NOT NULL,
			max_players INTEGER NOT NULL,
			uptime TEXT NOT NULL DEFAULT '',
			player_names TEXT NOT NULL DEFAULT '[]',
			version TEXT NOT NULL DEFAULT '',
			reported_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_fp_time ON status_reports(fingerprint, reported_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop prunes status reports older than StatusRetention.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			n, err := s.StatusPrune(context.Background(), time.Now().UTC().Add(-StatusRetention))
			if err != nil {
				slog.Warn("status prune failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("pruned status reports", "rows", n)
			}
		}
	}
}

// --- Presence ---

func (s *SQLiteStore) PeerConnected(ctx context.Context, peer PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peers (fingerprint, name, connected, remote_addr, session_id, last_connected_at)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   name = excluded.name,
		   connected = 1,
		   remote_addr = excluded.remote_addr,
		   session_id = excluded.session_id,
		   last_connected_at = excluded.last_connected_at`,
		peer.Fingerprint, peer.Name, peer.RemoteAddr, peer.SessionID, peer.LastConnectedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) PeerDisconnected(ctx context.Context, fingerprint, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE peers SET connected = 0, last_disconnected_at = ?
		 WHERE fingerprint = ? AND session_id = ?`,
		at.UTC(), fingerprint, sessionID,
	)
	return err
}

func (s *SQLiteStore) PeerList(ctx context.Context) ([]PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, name, connected, remote_addr, session_id, last_connected_at, last_disconnected_at
		 FROM peers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []PeerRecord
	for rows.Next() {
		var p PeerRecord
		if err := rows.Scan(&p.Fingerprint, &p.Name, &p.Connected, &p.RemoteAddr, &p.SessionID,
			&p.LastConnectedAt, &p.LastDisconnectedAt); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// PeerResetAll marks every peer offline. The hub calls it at startup since
// no connection survives a restart.
func (s *SQLiteStore) PeerResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE peers SET connected = 0, last_disconnected_at = ? WHERE connected = 1",
		time.Now().UTC(),
	)
	return err
}

// --- Status reports ---

func (s *SQLiteStore) StatusSave(ctx context.Context, rec StatusRecord) error {
	names, err := json.Marshal(rec.PlayerNames)
	if err != nil {
		return fmt.Errorf("encoding player names: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO status_reports
		   (fingerprint, name, tps, players, max_players, uptime, player_names, version, reported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Fingerprint, rec.Name, rec.TPS, rec.Players, rec.MaxPlayers, rec.Uptime,
		string(names), rec.Version, rec.ReportedAt.UTC(),
	)
	return err
}

// StatusGet returns the newest report for fingerprint, or nil if there is none.
func (s *SQLiteStore) StatusGet(ctx context.Context, fingerprint string) (*StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec   StatusRecord
		names string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, name, tps, players, max_players, uptime, player_names, version, reported_at
		 FROM status_reports WHERE fingerprint = ?
		 ORDER BY reported_at DESC, id DESC LIMIT 1`,
		fingerprint,
	).Scan(&rec.Fingerprint, &rec.Name, &rec.TPS, &rec.Players, &rec.MaxPlayers, &rec.Uptime,
		&names, &rec.Version, &rec.ReportedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(names), &rec.PlayerNames); err != nil {
		return nil, fmt.Errorf("decoding player names: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) StatusPrune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM status_reports WHERE reported_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close shuts down the cleanup goroutine and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.db.Close()
	})
	return err
}
