package api

import (
	"encoding/json"
	"net/http"

	"github.com/mr-tron/base58"

	"github.com/ledgermail/ledger-node/internal/identity"
)

// identityInfo is the public identity summary returned by GET /api/identity.
type identityInfo struct {
	LedgerID  string `json:"ledger_id"`
	PublicKey string `json:"public_key"`
	PeerID    string `json:"peer_id"`
}

func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	writeOK(w, identityInfo{
		LedgerID:  s.id.LedgerID,
		PublicKey: base58.Encode(s.id.PublicKeyBytes()),
		PeerID:    s.node.ID().String(),
	})
}

type setMnemonicRequest struct {
	Mnemonic string `json:"mnemonic"`
}

// setIdentityMnemonic restores the node's identity from a BIP-39 mnemonic
// and persists it as the node's on-disk identity. Callers must restart the
// daemon for the new identity to take effect across the P2P overlay, since
// the libp2p host key is derived from the identity at startup.
func (s *Server) setIdentityMnemonic(w http.ResponseWriter, r *http.Request) {
	var req setMnemonicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	restored, err := identity.FromMnemonic(req.Mnemonic)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := restored.Persist(s.dataDir); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeOK(w, map[string]string{
		"ledger_id": restored.LedgerID,
		"status":    "restored, restart required",
	})
}
