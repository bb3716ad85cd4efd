package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.AllSettings()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, settings)
}

// updateSettingsRequest mirrors the Settings PUT body: each field is
// optional, only present fields are written.
type updateSettingsRequest struct {
	DeliveryMode *string `json:"delivery_mode"`
	TorEnabled   *bool   `json:"tor_enabled"`
	DhtTTLHours  *int    `json:"dht_ttl_hours"`
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DeliveryMode != nil {
		if err := s.store.SetSetting("delivery_mode", *req.DeliveryMode); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.TorEnabled != nil {
		if err := s.store.SetSetting("tor_enabled", strconv.FormatBool(*req.TorEnabled)); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.DhtTTLHours != nil {
		if err := s.store.SetSetting("dht_ttl_hours", strconv.Itoa(*req.DhtTTLHours)); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	settings, err := s.store.AllSettings()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, settings)
}
