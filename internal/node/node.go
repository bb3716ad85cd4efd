// Package node implements the ledger P2P overlay: libp2p host, Kademlia
// DHT, GossipSub announcements, mDNS discovery, and the command-channel
// actor that serializes every operation through a single event loop.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/ledgermail/ledger-node/internal/config"
	"github.com/ledgermail/ledger-node/internal/identity"
	"github.com/ledgermail/ledger-node/internal/lederr"
	"github.com/ledgermail/ledger-node/internal/store"
	"github.com/ledgermail/ledger-node/pkg/logging"
)

const dhtProtocolPrefix = "/ledger"

// defaultDhtTTL applies when a caller puts a value without specifying a
// ttl; it matches store.DefaultDhtTTLHours.
const defaultDhtTTL = 72 * time.Hour

const cmdChanCapacity = 256

// Node is a running ledger P2P overlay participant.
type Node struct {
	host          host.Host
	dht           *dht.IpfsDHT
	pubsub        *pubsub.PubSub
	announceTopic *pubsub.Topic
	announceSub   *pubsub.Subscription
	routingDisc   *drouting.RoutingDiscovery
	mdnsService   mdns.Service

	identity *identity.Identity
	store    *store.Store
	cfg      *config.Config
	log      *logging.Logger

	cmdCh      chan command
	announceCh chan peerAnnounce

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu             sync.RWMutex
	ledgerPeers    map[string]peer.ID   // ledger_id -> peer.ID, from announcements and persisted peers
	pendingConnect map[peer.ID][]chan struct{}

	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)
	onMessageReceived  func(*store.Message)
}

// New builds a Node from cfg, deriving its libp2p host identity from id's
// Ed25519 signing key so the overlay peer.ID and the ledger identity are the
// same cryptographic root.
func New(ctx context.Context, cfg *config.Config, id *identity.Identity, st *store.Store) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		identity:       id,
		store:          st,
		cfg:            cfg,
		log:            logging.GetDefault().Component("node"),
		cmdCh:          make(chan command, cmdChanCapacity),
		announceCh:     make(chan peerAnnounce, cmdChanCapacity),
		ctx:            ctx,
		cancel:         cancel,
		ledgerPeers:    make(map[string]peer.ID),
		pendingConnect: make(map[peer.ID][]chan struct{}),
	}

	privKey, err := crypto.UnmarshalEd25519PrivateKey(id.SigningKey)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("deriving libp2p identity: %w", err)
	}

	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2P.ListenPort))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid listen port %d: %w", cfg.P2P.ListenPort, err)
	}

	cm, err := connmgr.NewConnManager(
		cfg.ConnMgr.LowWater,
		cfg.ConnMgr.HighWater,
		connmgr.WithGracePeriod(time.Duration(cfg.ConnMgr.GracePeriod)*time.Second),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ProtocolVersion("/ledger/id/1.0.0"),
		libp2p.ListenAddrs(listenAddr),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}
	n.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			n.mu.RLock()
			cb := n.onPeerConnected
			n.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
			go n.savePeerOnConnect(conn.RemotePeer())
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			n.mu.RLock()
			cb := n.onPeerDisconnected
			n.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
	})

	n.registerMessageHandler()

	if cfg.P2P.DhtEnabled {
		if err := n.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("initializing DHT: %w", err)
		}
	}

	if err := n.initPubSub(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("initializing pubsub: %w", err)
	}

	if cfg.P2P.MdnsEnabled {
		if err := n.initMDNS(); err != nil {
			n.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	return n, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(dhtProtocolPrefix)),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

func (n *Node) initPubSub(ctx context.Context) error {
	ps, err := pubsub.NewGossipSub(ctx, n.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		return err
	}
	n.pubsub = ps

	topic, err := ps.Join(AnnounceTopic)
	if err != nil {
		return fmt.Errorf("joining %s: %w", AnnounceTopic, err)
	}
	n.announceTopic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", AnnounceTopic, err)
	}
	n.announceSub = sub

	return nil
}

func (n *Node) initMDNS() error {
	n.mdnsService = mdns.NewMdnsService(n.host, "ledger-mdns", n)
	return n.mdnsService.Start()
}

// HandlePeerFound implements mdns.Notifee.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("mDNS connect failed", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start connects to bootstrap peers, begins discovery and announcements,
// and launches the node's event loop. It returns once the loop is running.
func (n *Node) Start() error {
	n.startTime = time.Now()

	for _, addrStr := range n.cfg.P2P.Bootstrap {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			n.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("bootstrap connect failed", "peer", shortID(pi.ID), "error", err)
			} else {
				n.log.Info("connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, "ledger-mdns")
		go n.discoverPeers()
	}

	identifySub, err := n.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return fmt.Errorf("subscribing to identify events: %w", err)
	}

	go n.publishAnnouncements(n.ctx)
	go n.subscribeAnnouncements(n.ctx)
	go n.run(identifySub)

	return nil
}

// run is the node's single event loop: every mutation of overlay state
// (commands, identify completions, peer announcements) is serialized here.
func (n *Node) run(identifySub event.Subscription) {
	defer identifySub.Close()

	for {
		select {
		case <-n.ctx.Done():
			return

		case cmd := <-n.cmdCh:
			n.handleCommand(cmd)

		case evt, ok := <-identifySub.Out():
			if !ok {
				return
			}
			n.handleIdentifyEvent(evt.(event.EvtPeerIdentificationCompleted))

		case a := <-n.announceCh:
			n.mu.Lock()
			n.ledgerPeers[a.ledgerID] = a.peerID
			n.mu.Unlock()
		}
	}
}

func (n *Node) handleIdentifyEvent(evt event.EvtPeerIdentificationCompleted) {
	n.mu.Lock()
	waiters := n.pendingConnect[evt.Peer]
	delete(n.pendingConnect, evt.Peer)
	n.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (n *Node) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case sendMessageCmd:
		ctx, cancel := context.WithTimeout(n.ctx, streamTimeout)
		err := n.sendMessage(ctx, c.peerID, c.envelopeJSON)
		cancel()
		c.reply <- err

	case connectPeerCmd:
		go n.handleConnectPeer(c)

	case getPeersCmd:
		c.reply <- n.host.Network().Peers()

	case dhtPutCmd:
		go n.handleDhtPut(c)

	case dhtGetCmd:
		go n.handleDhtGet(c)

	case resolvePeerCmd:
		n.mu.RLock()
		pid, found := n.ledgerPeers[c.ledgerID]
		n.mu.RUnlock()
		c.reply <- resolvePeerResult{peerID: pid, found: found}
	}
}

// handleConnectPeer dials addr, then blocks (bounded by a context timeout)
// for an identify event confirming the real peer.ID before replying. This is
// the deliberate fix for the prototype's random-peer-id shortcut.
func (n *Node) handleConnectPeer(c connectPeerCmd) {
	ma, err := multiaddr.NewMultiaddr(c.addr)
	if err != nil {
		c.reply <- connectResult{err: fmt.Errorf("invalid multiaddr: %w", err)}
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		c.reply <- connectResult{err: fmt.Errorf("invalid peer addr info: %w", err)}
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	wait := make(chan struct{})
	n.mu.Lock()
	n.pendingConnect[pi.ID] = append(n.pendingConnect[pi.ID], wait)
	n.mu.Unlock()

	if err := n.host.Connect(ctx, *pi); err != nil {
		n.mu.Lock()
		delete(n.pendingConnect, pi.ID)
		n.mu.Unlock()
		c.reply <- connectResult{err: &lederr.OverlayError{Detail: "dialing peer", Err: err}}
		return
	}

	select {
	case <-wait:
		c.reply <- connectResult{peerID: pi.ID}
	case <-ctx.Done():
		c.reply <- connectResult{peerID: pi.ID, err: &lederr.OverlayError{Detail: "timed out waiting for identify", Err: ctx.Err()}}
	}
}

// dhtRecord is the value actually written to the Kademlia DHT: the caller's
// opaque payload plus the expiry this node computed for it. rust-libp2p's
// kad::Record carries an expires field managed by the library itself;
// go-libp2p-kad-dht's PutValue exposes no equivalent, so the expiry is
// embedded in the stored bytes and enforced on read instead.
type dhtRecord struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

func (n *Node) handleDhtPut(c dhtPutCmd) {
	if n.dht == nil {
		c.reply <- lederr.ErrNotConfigured
		return
	}
	ttl := c.ttl
	if ttl <= 0 {
		ttl = defaultDhtTTL
	}
	data, err := json.Marshal(dhtRecord{Value: c.value, ExpiresAt: time.Now().Add(ttl).Unix()})
	if err != nil {
		c.reply <- &lederr.DhtError{Detail: "encoding dht record", Err: err}
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	if err := n.dht.PutValue(ctx, c.key, data); err != nil {
		c.reply <- &lederr.DhtError{Detail: "putting value", Err: err}
		return
	}
	c.reply <- nil
}

// handleDhtGet uses the DHT's own context-bound synchronous getter. This is
// the deliberate fix for the prototype's "always returns nil" shortcut.
func (n *Node) handleDhtGet(c dhtGetCmd) {
	if n.dht == nil {
		c.reply <- dhtGetResult{err: lederr.ErrNotConfigured}
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	raw, err := n.dht.GetValue(ctx, c.key)
	if errors.Is(err, routing.ErrNotFound) {
		c.reply <- dhtGetResult{value: nil}
		return
	}
	if err != nil {
		c.reply <- dhtGetResult{err: &lederr.DhtError{Detail: "getting value", Err: err}}
		return
	}
	var rec dhtRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.reply <- dhtGetResult{err: &lederr.DhtError{Detail: "decoding dht record", Err: err}}
		return
	}
	if time.Now().Unix() > rec.ExpiresAt {
		c.reply <- dhtGetResult{value: nil}
		return
	}
	c.reply <- dhtGetResult{value: rec.Value}
}

func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, "ledger-mdns")
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
					defer cancel()
					n.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// Stop tears down the node in dependency order.
func (n *Node) Stop() error {
	n.cancel()

	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.announceSub != nil {
		n.announceSub.Cancel()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// --- Command-channel public API ---

// SendMessage delivers envelopeJSON to peerID, round-tripping through the
// event loop via a single-shot reply channel.
func (n *Node) SendMessage(ctx context.Context, peerID peer.ID, envelopeJSON []byte) error {
	reply := make(chan error, 1)
	select {
	case n.cmdCh <- sendMessageCmd{peerID: peerID, envelopeJSON: envelopeJSON, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectPeer dials addr and blocks for a confirmed peer.ID via identify.
func (n *Node) ConnectPeer(ctx context.Context, addr string) (peer.ID, error) {
	reply := make(chan connectResult, 1)
	select {
	case n.cmdCh <- connectPeerCmd{addr: addr, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.peerID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetPeers returns the currently connected peer set.
func (n *Node) GetPeers(ctx context.Context) ([]peer.ID, error) {
	reply := make(chan []peer.ID, 1)
	select {
	case n.cmdCh <- getPeersCmd{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DhtPut stores value under key in the Kademlia DHT, in a record that
// expires after ttl (ttl <= 0 falls back to defaultDhtTTL).
func (n *Node) DhtPut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply := make(chan error, 1)
	select {
	case n.cmdCh <- dhtPutCmd{key: key, value: value, ttl: ttl, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DhtGet fetches key from the Kademlia DHT.
func (n *Node) DhtGet(ctx context.Context, key string) ([]byte, error) {
	reply := make(chan dhtGetResult, 1)
	select {
	case n.cmdCh <- dhtGetCmd{key: key, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolvePeer looks up the libp2p peer.ID currently associated with
// ledgerID, as learned from ledger-announce messages and persisted peer
// records.
func (n *Node) ResolvePeer(ctx context.Context, ledgerID string) (peer.ID, bool, error) {
	reply := make(chan resolvePeerResult, 1)
	select {
	case n.cmdCh <- resolvePeerCmd{ledgerID: ledgerID, reply: reply}:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.peerID, res.found, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// --- Accessors ---

func (n *Node) ID() peer.ID                 { return n.host.ID() }
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }
func (n *Node) Host() host.Host             { return n.host }
func (n *Node) DHT() *dht.IpfsDHT           { return n.dht }
func (n *Node) PubSub() *pubsub.PubSub      { return n.pubsub }
func (n *Node) PeerCount() int              { return len(n.host.Network().Peers()) }
func (n *Node) Uptime() time.Duration       { return time.Since(n.startTime) }

func (n *Node) OnPeerConnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerConnected = cb
	n.mu.Unlock()
}

func (n *Node) OnPeerDisconnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerDisconnected = cb
	n.mu.Unlock()
}

func (n *Node) OnMessageReceived(cb func(*store.Message)) {
	n.mu.Lock()
	n.onMessageReceived = cb
	n.mu.Unlock()
}

func (n *Node) emitMessageReceived(msg *store.Message) {
	n.mu.RLock()
	cb := n.onMessageReceived
	n.mu.RUnlock()
	if cb != nil {
		go cb(msg)
	}
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
