// Package status assembles the per-peer status board shown by the chat
// frontend.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codewiresh/chatrelay/internal/auth"
	"github.com/codewiresh/chatrelay/internal/config"
	"github.com/codewiresh/chatrelay/internal/mcstatus"
	"github.com/codewiresh/chatrelay/internal/store"
)

// Source says where an Entry's numbers came from.
type Source string

const (
	SourceLive    Source = "live"
	SourcePoll    Source = "poll"
	SourceOffline Source = "offline"
)

// staleAfter is how many status intervals a pushed report stays live.
const staleAfter = 3

// Entry is one peer's line on the board.
type Entry struct {
	Peer        string    `json:"peer"`
	Destination string    `json:"destination,omitempty"`
	Source      Source    `json:"source"`
	Connected   bool      `json:"connected"`
	Online      bool      `json:"online"`
	Players     int       `json:"players"`
	MaxPlayers  int       `json:"max_players"`
	TPS         float64   `json:"tps,omitempty"`
	Uptime      string    `json:"uptime,omitempty"`
	PlayerNames []string  `json:"player_names,omitempty"`
	Version     string    `json:"version,omitempty"`
	LatencyMS   int64     `json:"latency_ms,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Presence reports whether a credential has a live session.
type Presence interface {
	Has(credential string) bool
}

// Reports returns the newest pushed report for a credential fingerprint.
type Reports interface {
	StatusGet(ctx context.Context, fingerprint string) (*store.StatusRecord, error)
}

// Poller queries a server directly when it is not pushing reports.
type Poller interface {
	Query(ctx context.Context, address string) (*mcstatus.Response, error)
}

type Board struct {
	table    *config.Table
	presence Presence
	reports  Reports
	poller   Poller
	interval time.Duration
	now      func() time.Time
}

// NewBoard builds a board. poller may be nil to disable fallback polling.
func NewBoard(table *config.Table, presence Presence, reports Reports, poller Poller, interval time.Duration) *Board {
	return &Board{
		table:    table,
		presence: presence,
		reports:  reports,
		poller:   poller,
		interval: interval,
		now:      time.Now,
	}
}

// Snapshot returns one entry per configured peer, in display-name order.
// Peers that need polling are queried concurrently.
func (b *Board) Snapshot(ctx context.Context) []Entry {
	creds := b.table.Credentials()
	entries := make([]Entry, len(creds))

	var wg sync.WaitGroup
	for i, cred := range creds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i] = b.entry(ctx, cred)
		}()
	}
	wg.Wait()
	return entries
}

// PeerEntry returns the board line for one credential, polling if needed.
func (b *Board) PeerEntry(ctx context.Context, credential string) Entry {
	return b.entry(ctx, credential)
}

func (b *Board) entry(ctx context.Context, credential string) Entry {
	peer, _ := b.table.Lookup(credential)
	e := Entry{
		Peer:        peer.Name,
		Destination: peer.StatusDestination,
		Source:      SourceOffline,
		Connected:   b.presence.Has(credential),
		UpdatedAt:   b.now().UTC(),
	}

	if e.Connected {
		rec, err := b.reports.StatusGet(ctx, auth.Fingerprint(credential))
		if err != nil {
			slog.Warn("status lookup failed", "peer", peer.Name, "err", err)
		}
		if rec != nil && b.fresh(rec.ReportedAt) {
			e.Source = SourceLive
			e.Online = true
			e.Players, e.MaxPlayers = rec.Players, rec.MaxPlayers
			e.TPS, e.Uptime = rec.TPS, rec.Uptime
			e.PlayerNames, e.Version = rec.PlayerNames, rec.Version
			e.UpdatedAt = rec.ReportedAt
			return e
		}
	}

	if b.poller == nil || peer.Address == "" {
		return e
	}
	resp, err := b.poller.Query(ctx, peer.Address)
	if err != nil {
		slog.Debug("status poll failed", "peer", peer.Name, "address", peer.Address, "err", err)
		return e
	}
	e.Source = SourcePoll
	e.Online = true
	e.Players, e.MaxPlayers = resp.Players, resp.MaxPlayers
	e.PlayerNames, e.Version = resp.Sample, resp.Version
	e.LatencyMS = resp.Latency.Milliseconds()
	return e
}

func (b *Board) fresh(at time.Time) bool {
	if b.interval <= 0 {
		return true
	}
	return b.now().Sub(at) <= staleAfter*b.interval
}

// Run publishes a snapshot immediately and then every interval until ctx
// is cancelled.
func (b *Board) Run(ctx context.Context, publish func([]Entry)) {
	interval := b.interval
	if interval <= 0 {
		interval = config.DefaultStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		publish(b.Snapshot(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
