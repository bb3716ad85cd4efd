package dht

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgermail/ledger-node/internal/envelope"
	"github.com/ledgermail/ledger-node/internal/identity"
)

const testTTL = time.Hour

type fakeOverlay struct {
	values map[string][]byte
	putErr error
	getErr error
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{values: make(map[string][]byte)}
}

func (f *fakeOverlay) DhtPut(_ context.Context, key string, value []byte, _ time.Duration) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.values[key] = value
	return nil
}

func (f *fakeOverlay) DhtGet(_ context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.values[key], nil
}

func testEnvelope(t *testing.T, to string) *envelope.Envelope {
	t.Helper()
	seedA := make([]byte, 32)
	for i := range seedA {
		seedA[i] = 1
	}
	seedB := make([]byte, 32)
	for i := range seedB {
		seedB[i] = 2
	}
	sender, err := identity.FromSeed(seedA)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	recipient, err := identity.FromSeed(seedB)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	env, err := envelope.Encrypt(sender, recipient.EncryptionPub, "subj", "hi")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.ToLedgerID = to
	return env
}

func TestStoreAndRetrieveFromDHT(t *testing.T) {
	o := newFakeOverlay()
	env := testEnvelope(t, "ledger:bob")

	if err := StoreInDHT(context.Background(), o, env, testTTL); err != nil {
		t.Fatalf("StoreInDHT: %v", err)
	}

	got, err := RetrieveFromDHT(context.Background(), o, "ledger:bob")
	if err != nil {
		t.Fatalf("RetrieveFromDHT: %v", err)
	}
	if got == nil || got.ID != env.ID {
		t.Errorf("RetrieveFromDHT = %+v, want id %s", got, env.ID)
	}
}

func TestStoreInDHTRejectsEmptyRecipient(t *testing.T) {
	o := newFakeOverlay()
	env := testEnvelope(t, "")

	if err := StoreInDHT(context.Background(), o, env, testTTL); err == nil {
		t.Error("expected error storing envelope with no recipient")
	}
}

func TestRetrieveFromDHTReturnsNilWhenAbsent(t *testing.T) {
	o := newFakeOverlay()

	got, err := RetrieveFromDHT(context.Background(), o, "ledger:nobody")
	if err != nil {
		t.Fatalf("RetrieveFromDHT: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil envelope, got %+v", got)
	}
}

func TestSingleSlotOverwritesPreviousMessage(t *testing.T) {
	o := newFakeOverlay()
	first := testEnvelope(t, "ledger:bob")
	second := testEnvelope(t, "ledger:bob")

	if err := StoreInDHT(context.Background(), o, first, testTTL); err != nil {
		t.Fatalf("StoreInDHT first: %v", err)
	}
	if err := StoreInDHT(context.Background(), o, second, testTTL); err != nil {
		t.Fatalf("StoreInDHT second: %v", err)
	}

	got, err := RetrieveFromDHT(context.Background(), o, "ledger:bob")
	if err != nil {
		t.Fatalf("RetrieveFromDHT: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("expected single slot to hold the most recent message %s, got %s", second.ID, got.ID)
	}
}

func TestQualifiedKeysCoexist(t *testing.T) {
	o := newFakeOverlay()
	first := testEnvelope(t, "ledger:bob")
	second := testEnvelope(t, "ledger:bob")

	if err := StoreInDHTQualified(context.Background(), o, first, testTTL); err != nil {
		t.Fatalf("StoreInDHTQualified first: %v", err)
	}
	if err := StoreInDHTQualified(context.Background(), o, second, testTTL); err != nil {
		t.Fatalf("StoreInDHTQualified second: %v", err)
	}

	if len(o.values) != 2 {
		t.Errorf("expected 2 distinct qualified keys, got %d", len(o.values))
	}
}

func TestStoreInDHTPropagatesPutError(t *testing.T) {
	o := newFakeOverlay()
	o.putErr = errors.New("boom")
	env := testEnvelope(t, "ledger:bob")

	if err := StoreInDHT(context.Background(), o, env, testTTL); err == nil {
		t.Error("expected StoreInDHT to propagate put error")
	}
}
