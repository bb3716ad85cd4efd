package store

import (
	"testing"
	"time"
)

func TestSaveAndGetPeer(t *testing.T) {
	s := newTestStore(t)

	p := &PeerRecord{
		PeerID:    "12D3KooWAbc",
		Addresses: []string{"/ip4/127.0.0.1/tcp/9420"},
		LedgerID:  "ledger:alice",
	}
	if err := s.SavePeer(p); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}

	got, err := s.GetPeer("12D3KooWAbc")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got.LedgerID != "ledger:alice" || len(got.Addresses) != 1 {
		t.Errorf("GetPeer = %+v", got)
	}
}

func TestSavePeerPreservesLedgerIdWhenNotProvided(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePeer(&PeerRecord{PeerID: "p1", LedgerID: "ledger:alice"}); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	if err := s.SavePeer(&PeerRecord{PeerID: "p1", Addresses: []string{"/ip4/1.2.3.4/tcp/1"}}); err != nil {
		t.Fatalf("SavePeer (no ledger id): %v", err)
	}

	got, err := s.GetPeer("p1")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got.LedgerID != "ledger:alice" {
		t.Errorf("ledger id clobbered by empty update: got %q", got.LedgerID)
	}
}

func TestUpdatePeerConnectedIncrementsCount(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePeer(&PeerRecord{PeerID: "p1"}); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	if err := s.UpdatePeerConnected("p1"); err != nil {
		t.Fatalf("UpdatePeerConnected: %v", err)
	}
	if err := s.UpdatePeerConnected("p1"); err != nil {
		t.Fatalf("UpdatePeerConnected: %v", err)
	}

	got, err := s.GetPeer("p1")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got.ConnectionCount != 2 {
		t.Errorf("ConnectionCount = %d, want 2", got.ConnectionCount)
	}
	if got.LastConnected.IsZero() {
		t.Error("LastConnected should be set")
	}
}

func TestListRecentPeersExcludesStale(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePeer(&PeerRecord{PeerID: "fresh"}); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	// Directly backdate a stale peer's last_seen.
	if err := s.SavePeer(&PeerRecord{PeerID: "stale"}); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	old := time.Now().Add(-30 * 24 * time.Hour).Unix()
	if _, err := s.db.Exec(`UPDATE peers SET last_seen = ? WHERE peer_id = ?`, old, "stale"); err != nil {
		t.Fatalf("backdating stale peer: %v", err)
	}

	recent, err := s.ListRecentPeers(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("ListRecentPeers: %v", err)
	}
	if len(recent) != 1 || recent[0].PeerID != "fresh" {
		t.Errorf("ListRecentPeers = %+v, want only fresh", recent)
	}
}

func TestGetPeerMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetPeer("nobody"); err == nil {
		t.Error("expected error for missing peer")
	}
}

func TestPeerCount(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePeer(&PeerRecord{PeerID: "p1"}); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	if err := s.SavePeer(&PeerRecord{PeerID: "p2"}); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}

	n, err := s.PeerCount()
	if err != nil {
		t.Fatalf("PeerCount: %v", err)
	}
	if n != 2 {
		t.Errorf("PeerCount = %d, want 2", n)
	}
}
