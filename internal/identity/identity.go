// Package identity derives and persists a node's dual-use cryptographic
// identity: an Ed25519 signing key and an X25519 encryption key, both
// deterministically derived from a single 32-byte seed.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ledgermail/ledger-node/internal/lederr"
)

const (
	seedFileName = "identity.key"
	seedLen      = 32

	x25519Salt = "ledger-x25519"
	x25519Info = "encryption-key"

	ledgerIDPrefix = "ledger:"
)

// Identity holds a node's dual-key material: the seed is the only persisted
// secret, both keys are rederived from it at load time.
type Identity struct {
	seed [seedLen]byte

	SigningKey    ed25519.PrivateKey
	VerifyingKey  ed25519.PublicKey
	EncryptionKey [32]byte // X25519 static secret
	EncryptionPub [32]byte // X25519 public key

	LedgerID string
}

// LoadOrCreate loads the identity seed from dataDir/identity.key, or
// generates and persists a new one if none exists.
func LoadOrCreate(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, &lederr.IoError{Detail: "creating data directory", Err: err}
	}

	path := filepath.Join(dataDir, seedFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != seedLen {
			return nil, fmt.Errorf("%w: seed file is %d bytes, want %d", lederr.ErrBadSeed, len(data), seedLen)
		}
		var seed [seedLen]byte
		copy(seed[:], data)
		return deriveFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, &lederr.IoError{Detail: "reading seed file", Err: err}
	}

	var seed [seedLen]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, &lederr.IoError{Detail: "generating seed", Err: err}
	}
	if err := os.WriteFile(path, seed[:], 0600); err != nil {
		return nil, &lederr.IoError{Detail: "writing seed file", Err: err}
	}

	return deriveFromSeed(seed), nil
}

// FromSeed re-derives an Identity from raw seed bytes without touching disk.
// Exposed for tests and for restoring from a mnemonic.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != seedLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", lederr.ErrBadSeed, len(seed), seedLen)
	}
	var s [seedLen]byte
	copy(s[:], seed)
	return deriveFromSeed(s), nil
}

func deriveFromSeed(seed [seedLen]byte) *Identity {
	signingKey := ed25519.NewKeyFromSeed(seed[:])
	verifyingKey := signingKey.Public().(ed25519.PublicKey)

	var encSecret [32]byte
	kdf := hkdf.New(sha256.New, seed[:], []byte(x25519Salt), []byte(x25519Info))
	if _, err := kdf.Read(encSecret[:]); err != nil {
		// HKDF read over a bounded, hardcoded-length buffer cannot fail.
		panic("identity: hkdf expand failed: " + err.Error())
	}

	var encPub [32]byte
	curve25519.ScalarBaseMult(&encPub, &encSecret)

	id := &Identity{
		seed:          seed,
		SigningKey:    signingKey,
		VerifyingKey:  verifyingKey,
		EncryptionKey: encSecret,
		EncryptionPub: encPub,
	}
	id.LedgerID = ledgerIDPrefix + base58.Encode(verifyingKey)
	return id
}

// Sign produces a 64-byte Ed25519 signature over data.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.SigningKey, data)
}

// Verify checks an Ed25519 signature given the raw 32-byte public key.
func Verify(pubKey, data, signature []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key is %d bytes, want %d", lederr.ErrBadKey, len(pubKey), ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature is %d bytes, want %d", lederr.ErrBadSig, len(signature), ed25519.SignatureSize)
	}
	return ed25519.Verify(pubKey, data, signature), nil
}

// PubkeyFromLedgerID strips the "ledger:" prefix and base58-decodes the
// remainder into a raw 32-byte Ed25519 public key.
func PubkeyFromLedgerID(id string) ([]byte, error) {
	if !strings.HasPrefix(id, ledgerIDPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", lederr.ErrBadLedgerId, ledgerIDPrefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(id, ledgerIDPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base58: %v", lederr.ErrBadLedgerId, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: decoded key is %d bytes, want %d", lederr.ErrBadLedgerId, len(raw), ed25519.PublicKeySize)
	}
	return raw, nil
}

// PublicKeyBytes returns the raw 32-byte Ed25519 verifying key.
func (id *Identity) PublicKeyBytes() []byte {
	return append([]byte(nil), id.VerifyingKey...)
}

// EncryptionPublicBytes returns the raw 32-byte X25519 public key.
func (id *Identity) EncryptionPublicBytes() []byte {
	b := make([]byte, 32)
	copy(b, id.EncryptionPub[:])
	return b
}

// Mnemonic encodes the identity seed as a BIP-39 mnemonic phrase, for a
// human-friendly backup of the single secret that determines this identity.
func (id *Identity) Mnemonic() (string, error) {
	return bip39.NewMnemonic(id.seed[:])
}

// FromMnemonic restores an Identity from a previously exported BIP-39
// mnemonic phrase, without persisting it. Callers that want the restored
// seed to become the node's on-disk identity must call Persist.
func FromMnemonic(mnemonic string) (*Identity, error) {
	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lederr.ErrBadSeed, err)
	}
	return FromSeed(seed)
}

// Persist writes id's seed to dataDir/identity.key, overwriting any existing
// identity there. Used to make a mnemonic-restored identity the node's
// on-disk identity for subsequent LoadOrCreate calls.
func (id *Identity) Persist(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return &lederr.IoError{Detail: "creating data directory", Err: err}
	}
	path := filepath.Join(dataDir, seedFileName)
	if err := os.WriteFile(path, id.seed[:], 0600); err != nil {
		return &lederr.IoError{Detail: "writing seed file", Err: err}
	}
	return nil
}
