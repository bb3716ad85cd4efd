package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/ledgermail/ledger-node/internal/store"
)

const recentPeerWindow = 7 * 24 * time.Hour

// LoadPersistedPeers seeds the libp2p peerstore with addresses of peers seen
// within the last week, so the node can redial known peers before discovery
// (mDNS, DHT) finds them again.
func (n *Node) LoadPersistedPeers() error {
	records, err := n.store.ListRecentPeers(recentPeerWindow)
	if err != nil {
		return err
	}

	loaded := 0
	for _, record := range records {
		pid, err := peer.Decode(record.PeerID)
		if err != nil {
			n.log.Debug("invalid persisted peer id", "peer", record.PeerID, "error", err)
			continue
		}
		if pid == n.host.ID() {
			continue
		}

		addrs := make([]multiaddr.Multiaddr, 0, len(record.Addresses))
		for _, addrStr := range record.Addresses {
			addr, err := multiaddr.NewMultiaddr(addrStr)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		if len(addrs) == 0 {
			continue
		}

		n.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)
		if record.LedgerID != "" {
			n.mu.Lock()
			n.ledgerPeers[record.LedgerID] = pid
			n.mu.Unlock()
		}
		loaded++
	}

	if loaded > 0 {
		n.log.Info("loaded persisted peers", "count", loaded)
	}
	return nil
}

// savePeerOnConnect persists a peer's current addresses when it connects.
func (n *Node) savePeerOnConnect(peerID peer.ID) {
	addrs := n.host.Peerstore().Addrs(peerID)
	if len(addrs) == 0 {
		return
	}
	addrStrs := make([]string, len(addrs))
	for i, a := range addrs {
		addrStrs[i] = a.String()
	}

	now := time.Now()
	if err := n.store.SavePeer(&store.PeerRecord{
		PeerID:    peerID.String(),
		Addresses: addrStrs,
		FirstSeen: now,
		LastSeen:  now,
	}); err != nil {
		n.log.Debug("saving connected peer", "peer", shortID(peerID), "error", err)
		return
	}
	if err := n.store.UpdatePeerConnected(peerID.String()); err != nil {
		n.log.Debug("updating peer connection", "peer", shortID(peerID), "error", err)
	}
}
