package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ledgermail/ledger-node/internal/relay"
	"github.com/ledgermail/ledger-node/internal/store"
)

type relayConfigInfo struct {
	Configured bool   `json:"configured"`
	Address    string `json:"address,omitempty"`
	SMTPHost   string `json:"smtp_host,omitempty"`
	IMAPHost   string `json:"imap_host,omitempty"`
}

func (s *Server) getRelayConfig(w http.ResponseWriter, r *http.Request) {
	address, _, err := s.store.GetSetting("relay_address")
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	smtpHost, _, _ := s.store.GetSetting("relay_smtp_host")
	imapHost, _, _ := s.store.GetSetting("relay_imap_host")

	writeOK(w, relayConfigInfo{
		Configured: s.relay != nil,
		Address:    address,
		SMTPHost:   smtpHost,
		IMAPHost:   imapHost,
	})
}

type setRelayConfigRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
}

// setRelayConfig persists the relay mailbox settings and installs a live
// relay.Client on the server, so subsequent /api/relay/fetch and send calls
// (and auto-mode fallback routing) pick it up without a restart.
func (s *Server) setRelayConfig(w http.ResponseWriter, r *http.Request) {
	var req setRelayConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" || req.Password == "" {
		writeErr(w, http.StatusBadRequest, "address and password are required")
		return
	}

	settings := map[string]string{
		"relay_address":   req.Address,
		"relay_password":  req.Password,
		"relay_smtp_host": req.SMTPHost,
		"relay_imap_host": req.IMAPHost,
	}
	for k, v := range settings {
		if err := s.store.SetSetting(k, v); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.SetRelay(relay.NewClient(relay.Config{
		SMTPHost: req.SMTPHost,
		SMTPPort: req.SMTPPort,
		IMAPHost: req.IMAPHost,
		IMAPPort: req.IMAPPort,
		Username: req.Address,
		Password: req.Password,
		Address:  req.Address,
	}))

	writeOK(w, "relay configured")
}

type fetchRelayRequest struct {
	MaxCount int `json:"max_count"`
}

func (s *Server) fetchRelay(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeErr(w, http.StatusBadRequest, "relay not configured")
		return
	}

	var req fetchRelayRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional
	maxCount := req.MaxCount
	if maxCount <= 0 {
		maxCount = 20
	}

	fetched, err := s.relay.Fetch(maxCount)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	stored := 0
	for _, m := range fetched {
		payload := m.Body
		if m.Fallback {
			if extracted, ok := relay.ExtractEncryptedPayload(m.Body); ok {
				payload = extracted
			}
		}
		if err := s.store.PutMessage(relayMessageToStoreMessage(m, payload)); err == nil {
			stored++
		}
	}

	writeOK(w, map[string]any{
		"fetched": len(fetched),
		"stored":  stored,
		"messages": fetched,
	})
}

type sendRelayRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *Server) sendRelay(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeErr(w, http.StatusBadRequest, "relay not configured")
		return
	}

	var req sendRelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.relay.Send(req.To, req.Subject, req.Body); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	_ = s.store.PutMessage(&store.Message{
		ID:             uuid.New().String(),
		FromID:         s.id.LedgerID,
		ToID:           req.To,
		Subject:        req.Subject,
		Body:           req.Body,
		Timestamp:      time.Now().Unix(),
		DeliveryMethod: "relay_direct",
		Folder:         store.FolderSent,
	})

	writeOK(w, "email sent")
}

// relayMessageToStoreMessage converts a fetched relay message into a store
// record. payload is the message body, or for a fallback message the JSON
// payload found between its BEGIN/END markers, stored as is.
func relayMessageToStoreMessage(m relay.FetchedMessage, payload string) *store.Message {
	return &store.Message{
		ID:             uuid.New().String(),
		FromID:         m.From,
		ToID:           m.To,
		Subject:        m.Subject,
		Body:           payload,
		Timestamp:      time.Now().Unix(),
		DeliveryMethod: "relay_fallback",
		Folder:         store.FolderInbox,
		Encrypted:      m.Fallback,
	}
}
