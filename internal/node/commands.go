package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// command is the sum type of operations that can be asked of the node's
// single event loop. Every variant carries its own single-shot reply
// channel; the loop never blocks on a caller reading the reply.
type command interface {
	isCommand()
}

// sendMessageCmd asks the loop to deliver envelopeJSON to peerID over the
// ledger wire protocol.
type sendMessageCmd struct {
	peerID       peer.ID
	envelopeJSON []byte
	reply        chan<- error
}

func (sendMessageCmd) isCommand() {}

// connectPeerCmd asks the loop to dial addr and block until an identify
// event confirms the peer's real ID, or ctx times out.
type connectPeerCmd struct {
	addr  string
	reply chan<- connectResult
}

func (connectPeerCmd) isCommand() {}

type connectResult struct {
	peerID peer.ID
	err    error
}

// getPeersCmd asks the loop for the current connected peer set.
type getPeersCmd struct {
	reply chan<- []peer.ID
}

func (getPeersCmd) isCommand() {}

// dhtPutCmd asks the loop to store value under key in the Kademlia DHT,
// wrapped in a record that expires after ttl.
type dhtPutCmd struct {
	key   string
	value []byte
	ttl   time.Duration
	reply chan<- error
}

func (dhtPutCmd) isCommand() {}

// dhtGetCmd asks the loop to fetch key from the Kademlia DHT.
type dhtGetCmd struct {
	key   string
	reply chan<- dhtGetResult
}

func (dhtGetCmd) isCommand() {}

type dhtGetResult struct {
	value []byte
	err   error
}

// resolvePeerCmd asks the loop to resolve a ledger_id to a known peer.ID,
// as populated from ledger-announce messages and persisted peer records.
type resolvePeerCmd struct {
	ledgerID string
	reply    chan<- resolvePeerResult
}

func (resolvePeerCmd) isCommand() {}

type resolvePeerResult struct {
	peerID peer.ID
	found  bool
}
