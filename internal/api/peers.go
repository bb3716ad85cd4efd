package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// peerInfo is the public shape of a connected peer, with its known
// multiaddrs drawn from the host's peerstore.
type peerInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	peers, err := s.node.GetPeers(ctx)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]peerInfo, 0, len(peers))
	for _, p := range peers {
		addrs := s.node.Host().Peerstore().Addrs(p)
		strs := make([]string, 0, len(addrs))
		for _, a := range addrs {
			strs = append(strs, a.String())
		}
		out = append(out, peerInfo{PeerID: p.String(), Addrs: strs})
	}
	writeOK(w, out)
}

type connectPeerRequest struct {
	Multiaddr string `json:"multiaddr"`
}

func (s *Server) connectPeer(w http.ResponseWriter, r *http.Request) {
	var req connectPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	peerID, err := s.node.ConnectPeer(ctx, req.Multiaddr)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeOK(w, map[string]string{
		"peer_id": peerID.String(),
		"status":  "connected",
	})
}
