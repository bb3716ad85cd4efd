// Package dht provides a thin envelope-storage adapter over the node's
// Kademlia DHT command channel.
//
// The DHT record key "ledger:msg:" || recipient_ledger_id holds exactly one
// envelope: a second StoreInDHT call for the same recipient overwrites the
// first. Callers who need multiple messages to survive concurrently should
// use the envelope-id-qualified key variant instead.
package dht

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgermail/ledger-node/internal/envelope"
	"github.com/ledgermail/ledger-node/internal/lederr"
)

const keyPrefix = "ledger:msg:"

// overlay is the subset of *node.Node that the DHT adapter depends on.
// Defined as an interface here (rather than importing internal/node
// directly) to keep the dependency direction router -> dht -> node only.
type overlay interface {
	DhtPut(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DhtGet(ctx context.Context, key string) ([]byte, error)
}

// Key returns the single-slot-per-recipient DHT key for ledgerID.
func Key(ledgerID string) string {
	return keyPrefix + ledgerID
}

// QualifiedKey returns the envelope-id-qualified DHT key, for callers that
// need more than one message per recipient to coexist.
func QualifiedKey(ledgerID, envelopeID string) string {
	return keyPrefix + ledgerID + ":" + envelopeID
}

// StoreInDHT stores env under the single-slot key for its recipient, in a
// record that expires after ttl.
func StoreInDHT(ctx context.Context, o overlay, env *envelope.Envelope, ttl time.Duration) error {
	if env.ToLedgerID == "" {
		return fmt.Errorf("%w: envelope has no recipient", lederr.ErrBadLedgerId)
	}
	data, err := envelope.ToJSON(env)
	if err != nil {
		return err
	}
	if err := o.DhtPut(ctx, Key(env.ToLedgerID), data, ttl); err != nil {
		return err
	}
	return nil
}

// StoreInDHTQualified stores env under the envelope-id-qualified key, so it
// does not clobber any other pending message for the same recipient, in a
// record that expires after ttl.
func StoreInDHTQualified(ctx context.Context, o overlay, env *envelope.Envelope, ttl time.Duration) error {
	if env.ToLedgerID == "" {
		return fmt.Errorf("%w: envelope has no recipient", lederr.ErrBadLedgerId)
	}
	data, err := envelope.ToJSON(env)
	if err != nil {
		return err
	}
	return o.DhtPut(ctx, QualifiedKey(env.ToLedgerID, env.ID), data, ttl)
}

// RetrieveFromDHT fetches and parses whatever envelope is stored under
// ownLedgerID's single-slot key, or nil if none is present.
func RetrieveFromDHT(ctx context.Context, o overlay, ownLedgerID string) (*envelope.Envelope, error) {
	data, err := o.DhtGet(ctx, Key(ownLedgerID))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return envelope.FromJSON(data)
}
