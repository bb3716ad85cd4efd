// Package router implements ledger message delivery mode selection:
// P2P-direct, DHT-stored, and mail-relay fallback/direct, per the node's
// configured delivery mode.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ledgermail/ledger-node/internal/dht"
	"github.com/ledgermail/ledger-node/internal/envelope"
	"github.com/ledgermail/ledger-node/internal/identity"
	"github.com/ledgermail/ledger-node/internal/relay"
	"github.com/ledgermail/ledger-node/internal/store"
)

// Mode selects which delivery paths Route is allowed to try.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeP2pOnly Mode = "p2p_only"
	ModeRelayOnly Mode = "relay_only"
)

// DeliveryResult is the tagged outcome of a Route call.
type DeliveryResult struct {
	Kind   DeliveryKind
	Reason string // populated when Kind == Failed
}

// DeliveryKind enumerates the possible delivery outcomes.
type DeliveryKind int

const (
	P2pDirect DeliveryKind = iota
	DhtStored
	RelayFallback
	RelayDirect
	Failed
)

func (k DeliveryKind) String() string {
	switch k {
	case P2pDirect:
		return "p2p_direct"
	case DhtStored:
		return "dht_stored"
	case RelayFallback:
		return "relay_fallback"
	case RelayDirect:
		return "relay_direct"
	default:
		return "failed"
	}
}

// overlay is the subset of *node.Node the router needs: resolving a
// ledger_id to a connected peer and sending a framed envelope to it. The
// interface also satisfies dht's overlay requirement.
type overlay interface {
	ResolvePeer(ctx context.Context, ledgerID string) (peer.ID, bool, error)
	SendMessage(ctx context.Context, peerID peer.ID, envelopeJSON []byte) error
	DhtPut(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DhtGet(ctx context.Context, key string) ([]byte, error)
}

const ledgerIDPrefix = "ledger:"

// Route delivers a message to "to" (a ledger_id or a relay address),
// trying P2P direct delivery, then DHT offline storage, then mail-relay
// fallback/direct, according to mode.
func Route(
	ctx context.Context,
	id *identity.Identity,
	st *store.Store,
	ov overlay,
	rl relay.Client,
	to, subject, body string,
	mode Mode,
) DeliveryResult {
	isLedgerID := strings.HasPrefix(to, ledgerIDPrefix)

	switch mode {
	case ModeP2pOnly:
		if !isLedgerID {
			return DeliveryResult{Kind: Failed, Reason: "p2p_only mode requires a ledger id recipient"}
		}
		return tryP2pDelivery(ctx, id, st, ov, to, subject, body)

	case ModeRelayOnly:
		return tryRelayDelivery(ctx, id, st, rl, to, subject, body, false)

	default: // ModeAuto
		if !isLedgerID {
			return tryRelayDelivery(ctx, id, st, rl, to, subject, body, false)
		}

		if res := tryP2pDelivery(ctx, id, st, ov, to, subject, body); res.Kind == P2pDirect {
			return res
		}

		dhtRes := tryDhtDelivery(ctx, id, st, ov, to, subject, body)
		relayRes := tryRelayDelivery(ctx, id, st, rl, to, subject, body, true)

		if relayRes.Kind == RelayFallback {
			return relayRes
		}
		if dhtRes.Kind == DhtStored {
			return dhtRes
		}
		return DeliveryResult{Kind: Failed, Reason: "all delivery methods failed"}
	}
}

func tryP2pDelivery(ctx context.Context, id *identity.Identity, st *store.Store, ov overlay, to, subject, body string) DeliveryResult {
	env, err := encryptFor(id, st, to, subject, body)
	if err != nil {
		return DeliveryResult{Kind: Failed, Reason: err.Error()}
	}

	peerID, found, err := ov.ResolvePeer(ctx, to)
	if err != nil {
		return DeliveryResult{Kind: Failed, Reason: fmt.Sprintf("resolving peer: %v", err)}
	}
	if !found {
		return DeliveryResult{Kind: Failed, Reason: "no connected peer known for recipient"}
	}

	envelopeJSON, err := envelope.ToJSON(env)
	if err != nil {
		return DeliveryResult{Kind: Failed, Reason: err.Error()}
	}

	if err := ov.SendMessage(ctx, peerID, envelopeJSON); err != nil {
		return DeliveryResult{Kind: Failed, Reason: fmt.Sprintf("p2p delivery failed: %v", err)}
	}

	recordSentMessage(st, env, subject, body, "p2p_direct")
	return DeliveryResult{Kind: P2pDirect}
}

func tryDhtDelivery(ctx context.Context, id *identity.Identity, st *store.Store, ov overlay, to, subject, body string) DeliveryResult {
	env, err := encryptFor(id, st, to, subject, body)
	if err != nil {
		return DeliveryResult{Kind: Failed, Reason: err.Error()}
	}

	if err := dht.StoreInDHT(ctx, ov, env, dhtTTLFromSettings(st)); err != nil {
		return DeliveryResult{Kind: Failed, Reason: fmt.Sprintf("dht storage failed: %v", err)}
	}

	recordSentMessage(st, env, subject, body, "dht_stored")
	return DeliveryResult{Kind: DhtStored}
}

// dhtTTLFromSettings reads the dht_ttl_hours setting, falling back to
// store.DefaultDhtTTLHours if unset or unparsable.
func dhtTTLFromSettings(st *store.Store) time.Duration {
	hours := store.DefaultDhtTTLHours
	if v, ok, _ := st.GetSetting("dht_ttl_hours"); ok && v != "" {
		hours = v
	}
	n, err := strconv.Atoi(hours)
	if err != nil || n <= 0 {
		n, _ = strconv.Atoi(store.DefaultDhtTTLHours)
	}
	return time.Duration(n) * time.Hour
}

func tryRelayDelivery(ctx context.Context, id *identity.Identity, st *store.Store, rl relay.Client, to, subject, body string, encryptedFallback bool) DeliveryResult {
	if rl == nil {
		return DeliveryResult{Kind: Failed, Reason: "relay not configured"}
	}

	recipientAddr := to
	if strings.HasPrefix(to, ledgerIDPrefix) {
		contact, err := st.GetContact(to)
		if err != nil {
			return DeliveryResult{Kind: Failed, Reason: "no relay address for ledger contact"}
		}
		if contact.RelayAddress == "" {
			return DeliveryResult{Kind: Failed, Reason: "contact has no relay address"}
		}
		recipientAddr = contact.RelayAddress
	}

	if encryptedFallback {
		payload := map[string]any{
			"from":      id.LedgerID,
			"subject":   subject,
			"body":      body,
			"timestamp": time.Now().Unix(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return DeliveryResult{Kind: Failed, Reason: err.Error()}
		}
		if err := rl.SendEncryptedFallback(recipientAddr, string(data)); err != nil {
			return DeliveryResult{Kind: Failed, Reason: err.Error()}
		}
		recordSentPlain(st, id.LedgerID, recipientAddr, subject, body, "relay_fallback")
		return DeliveryResult{Kind: RelayFallback}
	}

	if err := rl.Send(recipientAddr, subject, body); err != nil {
		return DeliveryResult{Kind: Failed, Reason: err.Error()}
	}
	recordSentPlain(st, id.LedgerID, recipientAddr, subject, body, "relay_direct")
	return DeliveryResult{Kind: RelayDirect}
}

// encryptFor looks up to's contact record and encrypts (subject, body) for
// their published X25519 public key.
func encryptFor(id *identity.Identity, st *store.Store, to, subject, body string) (*envelope.Envelope, error) {
	contact, err := st.GetContact(to)
	if err != nil {
		return nil, fmt.Errorf("recipient not in contacts: %w", err)
	}

	pub, err := decodeContactKey(contact.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid contact public key: %w", err)
	}

	env, err := envelope.Encrypt(id, pub, subject, body)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	env.ToLedgerID = to
	return env, nil
}

func decodeContactKey(encoded string) ([32]byte, error) {
	var pub [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return pub, err
	}
	if len(raw) != 32 {
		return pub, fmt.Errorf("got %d bytes, want 32", len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

func recordSentMessage(st *store.Store, env *envelope.Envelope, subject, body, method string) {
	st.PutMessage(&store.Message{
		ID:             env.ID,
		FromID:         env.FromLedgerID,
		ToID:           env.ToLedgerID,
		Subject:        subject,
		Body:           body,
		Timestamp:      env.Timestamp,
		DeliveryMethod: method,
		Folder:         store.FolderSent,
		Signature:      env.Signature,
		Encrypted:      true,
	})
}

func recordSentPlain(st *store.Store, from, to, subject, body, method string) {
	st.PutMessage(&store.Message{
		ID:             fmt.Sprintf("%s-%d", method, time.Now().UnixNano()),
		FromID:         from,
		ToID:           to,
		Subject:        subject,
		Body:           body,
		Timestamp:      time.Now().Unix(),
		DeliveryMethod: method,
		Folder:         store.FolderSent,
		Encrypted:      method == "relay_fallback",
	})
}
