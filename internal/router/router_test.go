package router

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ledgermail/ledger-node/internal/identity"
	"github.com/ledgermail/ledger-node/internal/relay"
	"github.com/ledgermail/ledger-node/internal/store"
)

type fakeOverlay struct {
	resolved   map[string]peer.ID
	sendErr    error
	sentTo     peer.ID
	sentCalled bool
	dhtValues  map[string][]byte
	dhtPutErr  error
	lastPutTTL time.Duration
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{resolved: map[string]peer.ID{}, dhtValues: map[string][]byte{}}
}

func (f *fakeOverlay) ResolvePeer(_ context.Context, ledgerID string) (peer.ID, bool, error) {
	p, ok := f.resolved[ledgerID]
	return p, ok, nil
}

func (f *fakeOverlay) SendMessage(_ context.Context, peerID peer.ID, _ []byte) error {
	f.sentCalled = true
	f.sentTo = peerID
	return f.sendErr
}

func (f *fakeOverlay) DhtPut(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.lastPutTTL = ttl
	if f.dhtPutErr != nil {
		return f.dhtPutErr
	}
	f.dhtValues[key] = value
	return nil
}

func (f *fakeOverlay) DhtGet(_ context.Context, key string) ([]byte, error) {
	return f.dhtValues[key], nil
}

type fakeRelay struct {
	sendErr      error
	fallbackErr  error
	sentDirect   bool
	sentFallback bool
}

func (f *fakeRelay) Send(_, _, _ string) error {
	f.sentDirect = true
	return f.sendErr
}

func (f *fakeRelay) SendEncryptedFallback(_, _ string) error {
	f.sentFallback = true
	return f.fallbackErr
}

func (f *fakeRelay) Fetch(int) ([]relay.FetchedMessage, error) { return nil, nil }

func testSetup(t *testing.T) (*identity.Identity, *store.Store) {
	t.Helper()
	senderSeed := make([]byte, 32)
	for i := range senderSeed {
		senderSeed[i] = 1
	}
	sender, err := identity.FromSeed(senderSeed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return sender, st
}

func addRecipientContact(t *testing.T, st *store.Store, ledgerID string, relayAddr string) [32]byte {
	t.Helper()
	recipientSeed := make([]byte, 32)
	for i := range recipientSeed {
		recipientSeed[i] = 2
	}
	recipient, err := identity.FromSeed(recipientSeed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	err = st.PutContact(&store.Contact{
		LedgerID:     ledgerID,
		PublicKey:    base64.StdEncoding.EncodeToString(recipient.EncryptionPub[:]),
		RelayAddress: relayAddr,
	})
	if err != nil {
		t.Fatalf("PutContact: %v", err)
	}
	return recipient.EncryptionPub
}

func TestRouteP2pDirectWhenPeerResolved(t *testing.T) {
	sender, st := testSetup(t)
	addRecipientContact(t, st, "ledger:bob", "")

	ov := newFakeOverlay()
	ov.resolved["ledger:bob"] = peer.ID("fake-peer")

	res := Route(context.Background(), sender, st, ov, nil, "ledger:bob", "hi", "hello", ModeAuto)
	if res.Kind != P2pDirect {
		t.Fatalf("Route = %v (%s), want P2pDirect", res.Kind, res.Reason)
	}
	if !ov.sentCalled {
		t.Error("expected SendMessage to be called")
	}
}

func TestRouteFallsBackToDhtWhenNoPeer(t *testing.T) {
	sender, st := testSetup(t)
	addRecipientContact(t, st, "ledger:bob", "")

	ov := newFakeOverlay() // no resolved peer

	res := Route(context.Background(), sender, st, ov, nil, "ledger:bob", "hi", "hello", ModeAuto)
	if res.Kind != DhtStored {
		t.Fatalf("Route = %v (%s), want DhtStored", res.Kind, res.Reason)
	}
	if len(ov.dhtValues) != 1 {
		t.Errorf("expected one DHT put, got %d", len(ov.dhtValues))
	}
	if ov.lastPutTTL != 72*time.Hour {
		t.Errorf("DhtPut ttl = %v, want default 72h", ov.lastPutTTL)
	}
}

func TestRouteDhtPutUsesConfiguredTTL(t *testing.T) {
	sender, st := testSetup(t)
	addRecipientContact(t, st, "ledger:bob", "")
	if err := st.SetSetting("dht_ttl_hours", "1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	ov := newFakeOverlay() // no resolved peer, forces DHT fallback

	res := Route(context.Background(), sender, st, ov, nil, "ledger:bob", "hi", "hello", ModeAuto)
	if res.Kind != DhtStored {
		t.Fatalf("Route = %v (%s), want DhtStored", res.Kind, res.Reason)
	}
	if ov.lastPutTTL != time.Hour {
		t.Errorf("DhtPut ttl = %v, want 1h", ov.lastPutTTL)
	}
}

func TestDhtTTLFromSettingsFallsBackOnGarbage(t *testing.T) {
	_, st := testSetup(t)
	if err := st.SetSetting("dht_ttl_hours", "not-a-number"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if got := dhtTTLFromSettings(st); got != 72*time.Hour {
		t.Errorf("dhtTTLFromSettings = %v, want 72h fallback", got)
	}
}

func TestRoutePrefersRelayFallbackOverDht(t *testing.T) {
	sender, st := testSetup(t)
	addRecipientContact(t, st, "ledger:bob", "bob@example.com")

	ov := newFakeOverlay()
	rl := &fakeRelay{}

	res := Route(context.Background(), sender, st, ov, rl, "ledger:bob", "hi", "hello", ModeAuto)
	if res.Kind != RelayFallback {
		t.Fatalf("Route = %v (%s), want RelayFallback", res.Kind, res.Reason)
	}
	if !rl.sentFallback {
		t.Error("expected SendEncryptedFallback to be called")
	}
}

func TestRouteP2pOnlyRejectsNonLedgerRecipient(t *testing.T) {
	sender, st := testSetup(t)

	res := Route(context.Background(), sender, st, newFakeOverlay(), nil, "bob@example.com", "hi", "hello", ModeP2pOnly)
	if res.Kind != Failed {
		t.Fatalf("Route = %v, want Failed", res.Kind)
	}
}

func TestRouteP2pOnlyFailsWithoutContact(t *testing.T) {
	sender, st := testSetup(t)

	res := Route(context.Background(), sender, st, newFakeOverlay(), nil, "ledger:unknown", "hi", "hello", ModeP2pOnly)
	if res.Kind != Failed {
		t.Fatalf("Route = %v, want Failed", res.Kind)
	}
}

func TestRouteAutoUsesRelayDirectForPlainAddress(t *testing.T) {
	sender, st := testSetup(t)
	rl := &fakeRelay{}

	res := Route(context.Background(), sender, st, newFakeOverlay(), rl, "bob@example.com", "hi", "hello", ModeAuto)
	if res.Kind != RelayDirect {
		t.Fatalf("Route = %v (%s), want RelayDirect", res.Kind, res.Reason)
	}
	if !rl.sentDirect {
		t.Error("expected Send to be called")
	}
}

func TestRouteFailsWhenEverythingFails(t *testing.T) {
	sender, st := testSetup(t)
	addRecipientContact(t, st, "ledger:bob", "")

	ov := newFakeOverlay()
	ov.dhtPutErr = errors.New("dht unreachable")

	res := Route(context.Background(), sender, st, ov, nil, "ledger:bob", "hi", "hello", ModeAuto)
	if res.Kind != Failed {
		t.Fatalf("Route = %v, want Failed", res.Kind)
	}
}
