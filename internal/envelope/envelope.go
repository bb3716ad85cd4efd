// Package envelope builds and opens authenticated, end-to-end encrypted
// messages exchanged between ledger nodes.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ledgermail/ledger-node/internal/identity"
	"github.com/ledgermail/ledger-node/internal/lederr"
)

const messageKeyInfo = "ledger-message-key"

// Envelope is the wire representation of a single-recipient authenticated
// encrypted message. All binary fields are base64 (standard alphabet,
// padded) when serialized to JSON.
type Envelope struct {
	ID              string `json:"id"`
	FromLedgerID    string `json:"from_ledger_id"`
	ToLedgerID      string `json:"to_ledger_id"`
	EphemeralPubkey string `json:"ephemeral_pubkey"`
	Nonce           string `json:"nonce"`
	EncryptedBody   string `json:"encrypted_body"`
	Signature       string `json:"signature"`
	Timestamp       int64  `json:"timestamp"`
	SubjectHint     string `json:"subject_hint"`
}

// Encrypt builds an Envelope carrying plaintext from sender to a recipient
// identified by their X25519 public key. ToLedgerID is left empty for the
// caller to fill in once the recipient's ledger_id is known.
func Encrypt(sender *identity.Identity, recipientPub [32]byte, subjectHint, plaintext string) (*Envelope, error) {
	var ephSecret, ephPub [32]byte
	if _, err := rand.Read(ephSecret[:]); err != nil {
		return nil, &lederr.IoError{Detail: "generating ephemeral key", Err: err}
	}
	curve25519.ScalarBaseMult(&ephPub, &ephSecret)

	shared, err := curve25519.X25519(ephSecret[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", lederr.ErrBadKey, err)
	}

	symKey, err := deriveSymmetricKey(shared)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lederr.ErrBadKey, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &lederr.IoError{Detail: "generating nonce", Err: err}
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)
	signature := sender.Sign(ciphertext)

	return &Envelope{
		ID:              uuid.New().String(),
		FromLedgerID:    sender.LedgerID,
		ToLedgerID:      "",
		EphemeralPubkey: base64.StdEncoding.EncodeToString(ephPub[:]),
		Nonce:           base64.StdEncoding.EncodeToString(nonce),
		EncryptedBody:   base64.StdEncoding.EncodeToString(ciphertext),
		Signature:       base64.StdEncoding.EncodeToString(signature),
		Timestamp:       time.Now().Unix(),
		SubjectHint:     subjectHint,
	}, nil
}

// Decrypt opens env for recipient, returning the plaintext. The signature is
// verified before any attempt at AEAD decryption: a forged sender must never
// reach the decryption step.
func Decrypt(recipient *identity.Identity, env *Envelope) (string, error) {
	ephPub, err := decodeFixed(env.EphemeralPubkey, 32)
	if err != nil {
		return "", fmt.Errorf("%w: ephemeral_pubkey: %v", lederr.ErrBadEncoding, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedBody)
	if err != nil {
		return "", fmt.Errorf("%w: encrypted_body: %v", lederr.ErrBadEncoding, err)
	}

	signature, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature: %v", lederr.ErrBadEncoding, err)
	}

	senderPub, err := identity.PubkeyFromLedgerID(env.FromLedgerID)
	if err != nil {
		return "", err
	}

	ok, err := identity.Verify(senderPub, ciphertext, signature)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", lederr.ErrBadSig
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", lederr.ErrBadEncoding, err)
	}

	shared, err := curve25519.X25519(recipient.EncryptionKey[:], ephPub)
	if err != nil {
		return "", fmt.Errorf("%w: ecdh: %v", lederr.ErrBadKey, err)
	}

	symKey, err := deriveSymmetricKey(shared)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", lederr.ErrBadKey, err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", lederr.ErrBadCiphertext, err)
	}

	if !utf8.Valid(plaintext) {
		return "", lederr.ErrBadEncoding
	}

	return string(plaintext), nil
}

// ToJSON serializes an envelope to its on-wire JSON form.
func ToJSON(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling envelope: %v", lederr.ErrBadEncoding, err)
	}
	return data, nil
}

// FromJSON parses an envelope's on-wire JSON form.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: parsing envelope: %v", lederr.ErrBadEncoding, err)
	}
	return &env, nil
}

func deriveSymmetricKey(shared []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(messageKeyInfo))
	if _, err := kdf.Read(key); err != nil {
		return nil, &lederr.IoError{Detail: "deriving message key", Err: err}
	}
	return key, nil
}

func decodeFixed(s string, n int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("got %d bytes, want %d", len(b), n)
	}
	return b, nil
}
