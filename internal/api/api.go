// Package api implements the ledger node's REST control plane: identity,
// messages, peers, contacts, settings and relay endpoints under a single
// {success,data?,error?} response envelope, plus a /ws event stream for
// peer-connect/disconnect and inbound-message notifications.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/ledgermail/ledger-node/internal/identity"
	"github.com/ledgermail/ledger-node/internal/relay"
	"github.com/ledgermail/ledger-node/internal/router"
	"github.com/ledgermail/ledger-node/internal/store"
	"github.com/ledgermail/ledger-node/pkg/logging"
)

// overlay is the subset of *node.Node the API needs. Kept as a local
// interface (rather than importing internal/node concretely) so the server
// can be exercised against a fake in tests.
type overlay interface {
	ID() peer.ID
	Addrs() []multiaddr.Multiaddr
	Host() host.Host
	PeerCount() int
	Uptime() time.Duration

	SendMessage(ctx context.Context, peerID peer.ID, envelopeJSON []byte) error
	ConnectPeer(ctx context.Context, addr string) (peer.ID, error)
	GetPeers(ctx context.Context) ([]peer.ID, error)
	DhtPut(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DhtGet(ctx context.Context, key string) ([]byte, error)
	ResolvePeer(ctx context.Context, ledgerID string) (peer.ID, bool, error)
}

// Server is the HTTP control plane for a running ledger node.
type Server struct {
	id       *identity.Identity
	store    *store.Store
	node     overlay
	relay    relay.Client
	dataDir  string
	mode     router.Mode
	log      *logging.Logger
	wsHub    *WSHub

	server   *http.Server
	listener net.Listener
}

// Config bundles the dependencies a Server routes requests to.
type Config struct {
	Identity *identity.Identity
	Store    *store.Store
	Node     overlay
	Relay    relay.Client // nil until the relay mailbox is configured
	DataDir  string
	Mode     router.Mode
}

// NewServer builds a Server from cfg. Relay may be nil; relay-touching
// endpoints reply "relay not configured" until PUT /api/relay/config sets one up.
func NewServer(cfg Config) *Server {
	return &Server{
		id:      cfg.Identity,
		store:   cfg.Store,
		node:    cfg.Node,
		relay:   cfg.Relay,
		dataDir: cfg.DataDir,
		mode:    cfg.Mode,
		log:     logging.GetDefault().Component("api"),
		wsHub:   NewWSHub(),
	}
}

// SetRelay installs or replaces the relay client used by relay endpoints.
func (s *Server) SetRelay(c relay.Client) {
	s.relay = c
}

// WSHub exposes the event hub so the daemon can wire node callbacks
// (peer connected/disconnected, message received) into broadcasts.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go s.wsHub.Run()

	r := mux.NewRouter()
	r.HandleFunc("/api/identity", s.getIdentity).Methods(http.MethodGet)
	r.HandleFunc("/api/identity/mnemonic", s.setIdentityMnemonic).Methods(http.MethodPut)

	r.HandleFunc("/api/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{id}", s.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/api/messages", s.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)

	r.HandleFunc("/api/peers", s.listPeers).Methods(http.MethodGet)
	r.HandleFunc("/api/peers", s.connectPeer).Methods(http.MethodPost)

	r.HandleFunc("/api/contacts", s.listContacts).Methods(http.MethodGet)
	r.HandleFunc("/api/contacts", s.addContact).Methods(http.MethodPost)

	r.HandleFunc("/api/settings", s.getSettings).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", s.updateSettings).Methods(http.MethodPut)

	r.HandleFunc("/api/relay/config", s.getRelayConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/relay/config", s.setRelayConfig).Methods(http.MethodPut)
	r.HandleFunc("/api/relay/fetch", s.fetchRelay).Methods(http.MethodPost)
	r.HandleFunc("/api/relay/send", s.sendRelay).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server error", "error", err)
		}
	}()

	s.log.Info("api server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// apiResponse is the {success,data?,error?} envelope every endpoint replies
// with, mirroring the original daemon's ApiResponse::ok/err pair.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// corsMiddleware allows the Electron/web clients to call from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
