package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ledgermail/ledger-node/internal/lederr"
)

// PeerRecord is a persisted libp2p peer, tracked across restarts so the node
// can reconnect without waiting on discovery.
type PeerRecord struct {
	PeerID          string    `json:"peer_id"`
	Addresses       []string  `json:"addresses"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	LastConnected   time.Time `json:"last_connected"`
	ConnectionCount int       `json:"connection_count"`
	LedgerID        string    `json:"ledger_id,omitempty"`
}

// SavePeer upserts a peer record, replacing its stored addresses and bumping
// last_seen.
func (s *Store) SavePeer(p *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	addrs := strings.Join(p.Addresses, ",")

	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, addresses, first_seen, last_seen, ledger_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			ledger_id = CASE WHEN excluded.ledger_id != '' THEN excluded.ledger_id ELSE peers.ledger_id END`,
		p.PeerID, addrs, now, now, p.LedgerID,
	)
	if err != nil {
		return &lederr.StoreError{Detail: "saving peer", Err: err}
	}
	return nil
}

// UpdatePeerConnected records a successful connection, bumping
// connection_count and last_connected.
func (s *Store) UpdatePeerConnected(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(
		`UPDATE peers SET last_connected = ?, last_seen = ?, connection_count = connection_count + 1 WHERE peer_id = ?`,
		now, now, peerID,
	)
	if err != nil {
		return &lederr.StoreError{Detail: "updating peer connection", Err: err}
	}
	return nil
}

// UpdatePeerSeen bumps last_seen without counting a new connection.
func (s *Store) UpdatePeerSeen(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE peers SET last_seen = ? WHERE peer_id = ?`, time.Now().Unix(), peerID)
	if err != nil {
		return &lederr.StoreError{Detail: "updating peer seen", Err: err}
	}
	return nil
}

// GetPeer fetches a single peer record by peer id.
func (s *Store) GetPeer(peerID string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT peer_id, addresses, first_seen, last_seen, last_connected, connection_count, ledger_id
		 FROM peers WHERE peer_id = ?`, peerID,
	)
	p, err := scanPeerRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lederr.ErrNoPeer
	}
	if err != nil {
		return nil, &lederr.StoreError{Detail: "fetching peer", Err: err}
	}
	return p, nil
}

// ListRecentPeers returns peers last seen within the given window,
// most-recently-seen first.
func (s *Store) ListRecentPeers(within time.Duration) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-within).Unix()
	rows, err := s.db.Query(
		`SELECT peer_id, addresses, first_seen, last_seen, last_connected, connection_count, ledger_id
		 FROM peers WHERE last_seen >= ? ORDER BY last_seen DESC`, cutoff,
	)
	if err != nil {
		return nil, &lederr.StoreError{Detail: "listing recent peers", Err: err}
	}
	defer rows.Close()

	var out []*PeerRecord
	for rows.Next() {
		p, err := scanPeerRecordRows(rows)
		if err != nil {
			return nil, &lederr.StoreError{Detail: "scanning peer row", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PeerCount returns the total number of known peer records.
func (s *Store) PeerCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&n); err != nil {
		return 0, &lederr.StoreError{Detail: "counting peers", Err: err}
	}
	return n, nil
}

func scanPeerRecord(row *sql.Row) (*PeerRecord, error) {
	return scanPeerRecordRow(row)
}

func scanPeerRecordRows(rows *sql.Rows) (*PeerRecord, error) {
	return scanPeerRecordRow(rows)
}

func scanPeerRecordRow(rs rowScanner) (*PeerRecord, error) {
	var (
		p                                           PeerRecord
		addrs                                       string
		firstSeen, lastSeen, lastConnected          sql.NullInt64
	)
	err := rs.Scan(&p.PeerID, &addrs, &firstSeen, &lastSeen, &lastConnected, &p.ConnectionCount, &p.LedgerID)
	if err != nil {
		return nil, err
	}
	if addrs != "" {
		p.Addresses = strings.Split(addrs, ",")
	}
	p.FirstSeen = unixOrZero(firstSeen)
	p.LastSeen = unixOrZero(lastSeen)
	p.LastConnected = unixOrZero(lastConnected)
	return &p, nil
}

func unixOrZero(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0)
}
