package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPeerConnectDisconnect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.PeerConnected(ctx, PeerRecord{
		Fingerprint:     "fp1",
		Name:            "Survival",
		RemoteAddr:      "10.0.0.1:5000",
		SessionID:       "s1",
		LastConnectedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	peers, err := s.PeerList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	p := peers[0]
	if !p.Connected || p.Name != "Survival" || p.SessionID != "s1" || p.RemoteAddr != "10.0.0.1:5000" {
		t.Fatalf("unexpected peer: %+v", p)
	}
	if p.LastDisconnectedAt != nil {
		t.Fatalf("expected no disconnect time, got %v", p.LastDisconnectedAt)
	}

	if err := s.PeerDisconnected(ctx, "fp1", "s1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	peers, _ = s.PeerList(ctx)
	if peers[0].Connected {
		t.Fatal("expected peer offline")
	}
	if peers[0].LastDisconnectedAt == nil {
		t.Fatal("expected disconnect time")
	}
}

func TestPeerDisconnectedIgnoresStaleSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.PeerConnected(ctx, PeerRecord{Fingerprint: "fp1", Name: "Survival", SessionID: "old", LastConnectedAt: now})
	s.PeerConnected(ctx, PeerRecord{Fingerprint: "fp1", Name: "Survival", SessionID: "new", LastConnectedAt: now})

	// The superseded session tears down after the new one registered.
	if err := s.PeerDisconnected(ctx, "fp1", "old", now); err != nil {
		t.Fatal(err)
	}

	peers, err := s.PeerList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !peers[0].Connected || peers[0].SessionID != "new" {
		t.Fatalf("stale disconnect clobbered newer session: %+v", peers[0])
	}
}

func TestPeerResetAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.PeerConnected(ctx, PeerRecord{Fingerprint: "a", Name: "Anarchy", SessionID: "1", LastConnectedAt: now})
	s.PeerConnected(ctx, PeerRecord{Fingerprint: "b", Name: "Bedwars", SessionID: "2", LastConnectedAt: now})

	if err := s.PeerResetAll(ctx); err != nil {
		t.Fatal(err)
	}
	peers, _ := s.PeerList(ctx)
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	for _, p := range peers {
		if p.Connected {
			t.Errorf("%s still connected", p.Name)
		}
	}
	if peers[0].Name != "Anarchy" {
		t.Errorf("expected name order, got %s first", peers[0].Name)
	}
}

func TestStatusSaveGetLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	rec, err := s.StatusGet(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected nil, got %+v", rec)
	}

	for i, players := range []int{1, 5, 3} {
		if err := s.StatusSave(ctx, StatusRecord{
			Fingerprint: "fp1",
			Name:        "Survival",
			TPS:         19.5,
			Players:     players,
			MaxPlayers:  20,
			Uptime:      "1h",
			PlayerNames: []string{"Alice", "Bob"},
			ReportedAt:  base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec, err = s.StatusGet(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expected a report")
	}
	if rec.Players != 3 || rec.MaxPlayers != 20 || rec.TPS != 19.5 {
		t.Fatalf("expected newest report, got %+v", rec)
	}
	if len(rec.PlayerNames) != 2 || rec.PlayerNames[1] != "Bob" {
		t.Fatalf("player names = %v", rec.PlayerNames)
	}

	other, err := s.StatusGet(ctx, "fp2")
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Fatalf("reports leaked across fingerprints: %+v", other)
	}
}

func TestStatusPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.StatusSave(ctx, StatusRecord{Fingerprint: "fp1", Name: "S", Players: 1, MaxPlayers: 2, ReportedAt: now.Add(-48 * time.Hour)})
	s.StatusSave(ctx, StatusRecord{Fingerprint: "fp1", Name: "S", Players: 2, MaxPlayers: 2, ReportedAt: now})

	n, err := s.StatusPrune(ctx, now.Add(-StatusRetention))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
	rec, _ := s.StatusGet(ctx, "fp1")
	if rec == nil || rec.Players != 2 {
		t.Fatalf("fresh report missing after prune: %+v", rec)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
