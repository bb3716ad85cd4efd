package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if len(id.VerifyingKey) != 32 {
		t.Errorf("verifying key length = %d, want 32", len(id.VerifyingKey))
	}
	if id.LedgerID == "" || id.LedgerID[:7] != "ledger:" {
		t.Errorf("ledger id malformed: %q", id.LedgerID)
	}

	if _, err := os.Stat(filepath.Join(dir, seedFileName)); err != nil {
		t.Errorf("seed file not written: %v", err)
	}
}

func TestLoadOrCreateDeterministic(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}

	if first.LedgerID != second.LedgerID {
		t.Errorf("ledger id changed across reloads: %q vs %q", first.LedgerID, second.LedgerID)
	}
	if !bytes.Equal(first.EncryptionPub[:], second.EncryptionPub[:]) {
		t.Error("x25519 public key changed across reloads")
	}
	if !bytes.Equal(first.EncryptionKey[:], second.EncryptionKey[:]) {
		t.Error("x25519 secret changed across reloads")
	}
}

func TestDeriveFromSeedIsDeterministic(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := FromSeed(seed[:])
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	b, err := FromSeed(seed[:])
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	if a.LedgerID != b.LedgerID {
		t.Error("same seed produced different ledger ids")
	}
	if !bytes.Equal(a.EncryptionPub[:], b.EncryptionPub[:]) {
		t.Error("same seed produced different x25519 public keys")
	}
}

func TestFromSeedRejectsWrongLength(t *testing.T) {
	if _, err := FromSeed(make([]byte, 16)); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := FromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	msg := []byte("hello ledger")
	sig := id.Sign(msg)

	ok, err := Verify(id.PublicKeyBytes(), msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("valid signature failed to verify")
	}
}

func TestSignVerifyTampered(t *testing.T) {
	id, err := FromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	msg := []byte("hello ledger")
	sig := id.Sign(msg)
	sig[0] ^= 0xFF

	ok, err := Verify(id.PublicKeyBytes(), msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("tampered signature verified")
	}
}

func TestLedgerIdRoundTrip(t *testing.T) {
	id, err := FromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	pub, err := PubkeyFromLedgerID(id.LedgerID)
	if err != nil {
		t.Fatalf("PubkeyFromLedgerID: %v", err)
	}
	if !bytes.Equal(pub, id.PublicKeyBytes()) {
		t.Error("pubkey round trip mismatch")
	}
}

func TestPubkeyFromLedgerIdRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"missing prefix", "notaledger:abc"},
		{"invalid base58", "ledger:0OIl"},
		{"wrong length", "ledger:" + "z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := PubkeyFromLedgerID(tt.id); err == nil {
				t.Errorf("expected error for %q", tt.id)
			}
		})
	}
}

func TestBadSeedFileLength(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, seedFileName), []byte("short"), 0600); err != nil {
		t.Fatalf("writing bad seed file: %v", err)
	}

	if _, err := LoadOrCreate(dir); err == nil {
		t.Error("expected error for malformed seed file")
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	id, err := FromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}

	phrase, err := id.Mnemonic()
	if err != nil {
		t.Fatalf("Mnemonic: %v", err)
	}

	restored, err := FromMnemonic(phrase)
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}

	if restored.LedgerID != id.LedgerID {
		t.Error("mnemonic round trip produced a different identity")
	}
}
