package envelope

import (
	"encoding/base64"
	"testing"

	"github.com/ledgermail/ledger-node/internal/identity"
)

func mustIdentity(t *testing.T, b byte) *identity.Identity {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	id, err := identity.FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return id
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sender := mustIdentity(t, 1)
	recipient := mustIdentity(t, 2)

	env, err := Encrypt(sender, recipient.EncryptionPub, "greet", "Hi")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.ToLedgerID = recipient.LedgerID

	plaintext, err := Decrypt(recipient, env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "Hi" {
		t.Errorf("plaintext = %q, want %q", plaintext, "Hi")
	}
	if env.SubjectHint != "greet" {
		t.Errorf("subject_hint = %q, want %q", env.SubjectHint, "greet")
	}
}

func TestEnvelopeWrongRecipientFails(t *testing.T) {
	sender := mustIdentity(t, 1)
	recipient := mustIdentity(t, 2)
	wrong := mustIdentity(t, 3)

	env, err := Encrypt(sender, recipient.EncryptionPub, "subj", "secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(wrong, env); err == nil {
		t.Error("expected decrypt to fail for wrong recipient")
	}
}

func TestEnvelopeTamperedFieldsFail(t *testing.T) {
	sender := mustIdentity(t, 1)
	recipient := mustIdentity(t, 2)

	tests := []string{"EncryptedBody", "Nonce", "EphemeralPubkey", "Signature"}

	for _, field := range tests {
		t.Run(field, func(t *testing.T) {
			env, err := Encrypt(sender, recipient.EncryptionPub, "subj", "payload")
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			flipFirstByte := func(s *string) {
				raw, err := base64.StdEncoding.DecodeString(*s)
				if err != nil {
					t.Fatalf("decode %s: %v", field, err)
				}
				raw[0] ^= 0xFF
				*s = base64.StdEncoding.EncodeToString(raw)
			}

			switch field {
			case "EncryptedBody":
				flipFirstByte(&env.EncryptedBody)
			case "Nonce":
				flipFirstByte(&env.Nonce)
			case "EphemeralPubkey":
				flipFirstByte(&env.EphemeralPubkey)
			case "Signature":
				flipFirstByte(&env.Signature)
			}

			if _, err := Decrypt(recipient, env); err == nil {
				t.Errorf("expected decrypt to fail after tampering with %s", field)
			}
		})
	}
}

func TestSignatureBindsCiphertextNotPlaintext(t *testing.T) {
	sender := mustIdentity(t, 1)
	recipient := mustIdentity(t, 2)

	env, err := Encrypt(sender, recipient.EncryptionPub, "subj", "original")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	other, err := Encrypt(sender, recipient.EncryptionPub, "subj", "different")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Reusing the old signature with a different envelope's ciphertext must
	// not verify: the signature is bound to this specific ciphertext.
	env.EncryptedBody = other.EncryptedBody
	env.Nonce = other.Nonce
	env.EphemeralPubkey = other.EphemeralPubkey

	if _, err := Decrypt(recipient, env); err == nil {
		t.Error("expected decrypt to fail when ciphertext is swapped but signature is stale")
	}
}

func TestEnvelopeEphemeralKeysAreUnique(t *testing.T) {
	sender := mustIdentity(t, 1)
	recipient := mustIdentity(t, 2)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		env, err := Encrypt(sender, recipient.EncryptionPub, "subj", "msg")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if seen[env.EphemeralPubkey] {
			t.Error("ephemeral public key reused across envelopes")
		}
		seen[env.EphemeralPubkey] = true
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	sender := mustIdentity(t, 1)
	recipient := mustIdentity(t, 2)

	env, err := Encrypt(sender, recipient.EncryptionPub, "subj", "payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.ToLedgerID = recipient.LedgerID

	data, err := ToJSON(env)
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	parsed, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	plaintext, err := Decrypt(recipient, parsed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "payload" {
		t.Errorf("plaintext = %q, want %q", plaintext, "payload")
	}
}
