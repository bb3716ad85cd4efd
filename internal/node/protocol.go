package node

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ledgermail/ledger-node/internal/envelope"
	"github.com/ledgermail/ledger-node/internal/lederr"
	"github.com/ledgermail/ledger-node/internal/store"
)

// MessageProtocol is the ledger node's request/response wire protocol.
const MessageProtocol protocol.ID = "/ledger/msg/1.0.0"

const (
	streamTimeout  = 30 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
)

// LedgerRequest is sent by the dialing peer over MessageProtocol.
type LedgerRequest struct {
	EnvelopeJSON []byte `cbor:"envelope_json"`
}

// LedgerResponse is returned by the receiving peer.
type LedgerResponse struct {
	Accepted bool   `cbor:"accepted"`
	Error    string `cbor:"error,omitempty"`
}

func (n *Node) registerMessageHandler() {
	n.host.SetStreamHandler(MessageProtocol, n.handleMessageStream)
}

func (n *Node) handleMessageStream(s network.Stream) {
	defer s.Close()

	if err := s.SetDeadline(time.Now().Add(streamTimeout)); err != nil {
		n.log.Debug("setting stream deadline", "error", err)
	}

	reader := bufio.NewReaderSize(s, maxMessageSize)
	dec := cbor.NewDecoder(reader)

	var req LedgerRequest
	if err := dec.Decode(&req); err != nil {
		n.log.Debug("decoding ledger request", "peer", shortID(s.Conn().RemotePeer()), "error", err)
		s.Reset()
		return
	}

	resp := n.acceptEnvelope(req.EnvelopeJSON)

	enc := cbor.NewEncoder(s)
	if err := enc.Encode(resp); err != nil {
		n.log.Debug("encoding ledger response", "error", err)
	}
}

// acceptEnvelope decodes, verifies, decrypts and persists an inbound
// envelope addressed to this node's identity.
func (n *Node) acceptEnvelope(envelopeJSON []byte) LedgerResponse {
	env, err := envelope.FromJSON(envelopeJSON)
	if err != nil {
		return LedgerResponse{Accepted: false, Error: err.Error()}
	}

	if env.ToLedgerID != "" && env.ToLedgerID != n.identity.LedgerID {
		return LedgerResponse{Accepted: false, Error: fmt.Sprintf("%v: envelope addressed to %s", lederr.ErrBadLedgerId, env.ToLedgerID)}
	}

	plaintext, err := envelope.Decrypt(n.identity, env)
	if err != nil {
		return LedgerResponse{Accepted: false, Error: err.Error()}
	}

	msg := &store.Message{
		ID:             env.ID,
		FromID:         env.FromLedgerID,
		ToID:           n.identity.LedgerID,
		Subject:        env.SubjectHint,
		Body:           plaintext,
		Timestamp:      env.Timestamp,
		DeliveryMethod: "p2p_direct",
		Folder:         store.FolderInbox,
		Signature:      env.Signature,
		Encrypted:      true,
	}
	if err := n.store.PutMessage(msg); err != nil {
		n.log.Error("storing inbound message", "id", msg.ID, "from", msg.FromID, "error", err)
		return LedgerResponse{Accepted: true}
	}

	n.emitMessageReceived(msg)
	return LedgerResponse{Accepted: true}
}

// sendMessage opens a MessageProtocol stream to peerID and delivers
// envelopeJSON, returning the remote's acceptance decision.
func (n *Node) sendMessage(ctx context.Context, peerID peer.ID, envelopeJSON []byte) error {
	s, err := n.host.NewStream(ctx, peerID, MessageProtocol)
	if err != nil {
		return &lederr.OverlayError{Detail: "opening message stream", Err: err}
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	} else {
		s.SetDeadline(time.Now().Add(streamTimeout))
	}

	enc := cbor.NewEncoder(s)
	if err := enc.Encode(LedgerRequest{EnvelopeJSON: envelopeJSON}); err != nil {
		s.Reset()
		return &lederr.OverlayError{Detail: "encoding ledger request", Err: err}
	}

	dec := cbor.NewDecoder(bufio.NewReaderSize(s, maxMessageSize))
	var resp LedgerResponse
	if err := dec.Decode(&resp); err != nil {
		return &lederr.OverlayError{Detail: "decoding ledger response", Err: err}
	}
	if !resp.Accepted {
		return &lederr.OverlayError{Detail: "peer rejected envelope: " + resp.Error}
	}
	return nil
}
