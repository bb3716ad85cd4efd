package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ledgermail/ledger-node/internal/lederr"
	"github.com/ledgermail/ledger-node/internal/router"
)

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")

	msgs, err := s.store.ListMessages(folder)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, msgs)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	msg, err := s.store.GetMessage(id)
	if err != nil {
		if errors.Is(err, lederr.ErrNoMessage) {
			writeErr(w, http.StatusNotFound, "message not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	_ = s.store.MarkRead(id)
	writeOK(w, msg)
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Mode    string `json:"mode"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := s.mode
	if req.Mode != "" {
		mode = router.Mode(req.Mode)
	}

	result := router.Route(r.Context(), s.id, s.store, s.node, s.relay, req.To, req.Subject, req.Body, mode)
	if result.Kind == router.Failed {
		writeErr(w, http.StatusInternalServerError, result.Reason)
		return
	}

	writeOK(w, map[string]string{
		"delivery_method": result.Kind.String(),
		"to":              req.To,
	})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.DeleteMessage(id); err != nil {
		if errors.Is(err, lederr.ErrNoMessage) {
			writeErr(w, http.StatusNotFound, "message not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, "deleted")
}
