package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ledgermail/ledger-node/internal/identity"
	"github.com/ledgermail/ledger-node/internal/lederr"
)

// AnnounceTopic is the GossipSub topic nodes use to bind a ledger_id to
// their current libp2p peer.ID.
const AnnounceTopic = "ledger-announce"

const announceInterval = 2 * time.Minute

// announcement is the signed payload published on AnnounceTopic.
type announcement struct {
	LedgerID  string `json:"ledger_id"`
	PeerID    string `json:"peer_id"`
	Signature string `json:"signature"`
}

func (n *Node) signAnnouncement() ([]byte, error) {
	msg := announcement{
		LedgerID: n.identity.LedgerID,
		PeerID:   n.host.ID().String(),
	}
	sig := n.identity.Sign([]byte(msg.LedgerID + msg.PeerID))
	msg.Signature = base64.StdEncoding.EncodeToString(sig)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling announcement: %w", err)
	}
	return data, nil
}

// verifyAnnouncement checks the signature and returns the parsed peer.ID.
func verifyAnnouncement(data []byte) (announcement, peer.ID, error) {
	var msg announcement
	if err := json.Unmarshal(data, &msg); err != nil {
		return announcement{}, "", fmt.Errorf("%w: parsing announcement: %v", lederr.ErrBadEncoding, err)
	}

	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return announcement{}, "", fmt.Errorf("%w: decoding announcement signature: %v", lederr.ErrBadEncoding, err)
	}

	pub, err := identity.PubkeyFromLedgerID(msg.LedgerID)
	if err != nil {
		return announcement{}, "", err
	}

	ok, err := identity.Verify(pub, []byte(msg.LedgerID+msg.PeerID), sig)
	if err != nil {
		return announcement{}, "", err
	}
	if !ok {
		return announcement{}, "", lederr.ErrBadSig
	}

	pid, err := peer.Decode(msg.PeerID)
	if err != nil {
		return announcement{}, "", fmt.Errorf("%w: decoding peer id: %v", lederr.ErrBadEncoding, err)
	}

	return msg, pid, nil
}

// publishAnnouncements republishes this node's signed announcement on a
// timer, keeping other nodes' ledger_id -> peer.ID maps fresh.
func (n *Node) publishAnnouncements(ctx context.Context) {
	publish := func() {
		data, err := n.signAnnouncement()
		if err != nil {
			n.log.Warn("building announcement", "error", err)
			return
		}
		if err := n.announceTopic.Publish(ctx, data); err != nil {
			n.log.Debug("publishing announcement", "error", err)
		}
	}

	publish()

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

// subscribeAnnouncements reads incoming announcements and forwards valid
// ones to the event loop via announceCh.
func (n *Node) subscribeAnnouncements(ctx context.Context) {
	for {
		msg, err := n.announceSub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		parsed, pid, err := verifyAnnouncement(msg.Data)
		if err != nil {
			n.log.Debug("rejecting announcement", "error", err)
			continue
		}

		select {
		case n.announceCh <- peerAnnounce{ledgerID: parsed.LedgerID, peerID: pid}:
		case <-ctx.Done():
			return
		}
	}
}

type peerAnnounce struct {
	ledgerID string
	peerID   peer.ID
}
