package api

import (
	"encoding/json"
	"net/http"

	"github.com/ledgermail/ledger-node/internal/store"
)

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.ListContacts()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, contacts)
}

func (s *Server) addContact(w http.ResponseWriter, r *http.Request) {
	var c store.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if c.LedgerID == "" {
		writeErr(w, http.StatusBadRequest, "ledger_id is required")
		return
	}

	if err := s.store.PutContact(&c); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, "contact added")
}
