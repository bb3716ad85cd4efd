// Package main provides ledgerd, the Ledger P2P mail daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ledgermail/ledger-node/internal/api"
	"github.com/ledgermail/ledger-node/internal/config"
	"github.com/ledgermail/ledger-node/internal/identity"
	"github.com/ledgermail/ledger-node/internal/node"
	"github.com/ledgermail/ledger-node/internal/relay"
	"github.com/ledgermail/ledger-node/internal/router"
	"github.com/ledgermail/ledger-node/internal/store"
	"github.com/ledgermail/ledger-node/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.ledger", "Data directory")
		configFile     = flag.String("config", "", "Config file path; config.yaml in this path's directory is read, the file name is not used (default: <data-dir>/config.yaml)")
		p2pPort        = flag.Int("p2p-port", 0, "P2P listen port, overrides config")
		apiPort        = flag.Int("port", 0, "REST/WebSocket API port, overrides config")
		apiAddr        = flag.String("addr", "", "REST/WebSocket API address, overrides config and --port")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		deliveryMode   = flag.String("mode", "", "Delivery mode: auto, p2p_only, relay_only, overrides stored setting")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ledgerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)

	configDir := effectiveDataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *p2pPort != 0 {
		cfg.P2P.ListenPort = *p2pPort
	}
	if *apiPort != 0 {
		cfg.ControlPlane.Port = *apiPort
	}
	cfg.P2P.MdnsEnabled = *enableMDNS
	cfg.P2P.DhtEnabled = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Identity.DataDir = effectiveDataDir
	cfg.Storage.DataDir = effectiveDataDir
	if *bootstrapPeers != "" {
		cfg.P2P.Bootstrap = parseBootstrapPeers(*bootstrapPeers)
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := identity.LoadOrCreate(cfg.Identity.DataDir)
	if err != nil {
		log.Fatal("failed to load identity", "error", err)
	}
	log.Info("identity loaded", "ledger_id", id.LedgerID)

	st, err := store.New(&store.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("failed to initialize store", "error", err)
	}
	defer st.Close()
	log.Info("store initialized", "path", cfg.Storage.DataDir)

	mode := router.ModeAuto
	if stored, ok, _ := st.GetSetting("delivery_mode"); ok && stored != "" {
		mode = router.Mode(stored)
	}
	if *deliveryMode != "" {
		mode = router.Mode(*deliveryMode)
	}

	n, err := node.New(ctx, cfg, id, st)
	if err != nil {
		log.Fatal("failed to create p2p node", "error", err)
	}

	if err := n.LoadPersistedPeers(); err != nil {
		log.Warn("failed to load persisted peers", "error", err)
	}

	if err := n.Start(); err != nil {
		log.Fatal("failed to start p2p node", "error", err)
	}

	relayClient := loadRelayClient(st, cfg, id, log)

	addr := *apiAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.ControlPlane.Host, cfg.ControlPlane.Port)
	}
	apiServer := api.NewServer(api.Config{
		Identity: id,
		Store:    st,
		Node:     n,
		Relay:    relayClient,
		DataDir:  cfg.Identity.DataDir,
		Mode:     mode,
	})
	if err := apiServer.Start(addr); err != nil {
		log.Fatal("failed to start api server", "error", err)
	}

	printBanner(log, n, cfg, addr)

	p2pLog := log.Component("p2p")
	n.OnPeerConnected(func(p peer.ID) {
		p2pLog.Info("peer connected", "peer", shortID(p), "total", n.PeerCount())
		apiServer.WSHub().Broadcast(api.EventPeerConnected, map[string]interface{}{
			"peer_id":     p.String(),
			"total_peers": n.PeerCount(),
		})
	})
	n.OnPeerDisconnected(func(p peer.ID) {
		p2pLog.Info("peer disconnected", "peer", shortID(p), "total", n.PeerCount())
		apiServer.WSHub().Broadcast(api.EventPeerDisconnected, map[string]interface{}{
			"peer_id":     p.String(),
			"total_peers": n.PeerCount(),
		})
	})
	n.OnMessageReceived(func(msg *store.Message) {
		p2pLog.Info("message received", "from", msg.FromID, "id", msg.ID)
		apiServer.WSHub().Broadcast(api.EventMessageReceived, msg)
	})

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("status", "peers", n.PeerCount(), "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()

	if err := apiServer.Stop(); err != nil {
		log.Error("error stopping api server", "error", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("error stopping p2p node", "error", err)
	}

	log.Info("goodbye")
}

// loadRelayClient builds a relay.Client from previously persisted relay
// settings, or nil if the mailbox has not been configured via
// PUT /api/relay/config yet. config.yaml's Relay section supplies the ports,
// and the SMTP/IMAP hosts when none are stored; the password is not kept in
// config.yaml and must be supplied through the API.
func loadRelayClient(st *store.Store, cfg *config.Config, id *identity.Identity, log *logging.Logger) relay.Client {
	address, ok, _ := st.GetSetting("relay_address")
	if !ok || address == "" {
		return nil
	}
	smtpHost, _, _ := st.GetSetting("relay_smtp_host")
	imapHost, _, _ := st.GetSetting("relay_imap_host")
	password, _, _ := st.GetSetting("relay_password")

	if smtpHost == "" {
		smtpHost = cfg.Relay.SMTPHost
	}
	if imapHost == "" {
		imapHost = cfg.Relay.IMAPHost
	}

	log.Info("relay mailbox configured", "address", address)
	return relay.NewClient(relay.Config{
		SMTPHost: smtpHost,
		SMTPPort: cfg.Relay.SMTPPort,
		IMAPHost: imapHost,
		IMAPPort: cfg.Relay.IMAPPort,
		Username: address,
		Password: password,
		Address:  address,
	})
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *config.Config, addr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Ledger P2P Mail Node")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, a := range n.Addrs() {
		log.Infof("    %s/p2p/%s", a.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  API: http://%s", addr)
	log.Infof("  WS:  ws://%s/ws", addr)
	log.Info("")
	log.Infof("  mDNS: %v | DHT: %v", cfg.P2P.MdnsEnabled, cfg.P2P.DhtEnabled)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
