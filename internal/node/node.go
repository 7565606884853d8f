// Package node runs the libp2p side of the daemon: the host, maker discovery
// over the DHT and mDNS, the offer gossip topic and the request/reply stream
// protocol that carries swap messages.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// Node is a coinswap p2p node. It is a protocol.Transport for the taker and
// a protocol.Directory of maker offers.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *config.Config
	store  *storage.Storage
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	streams *StreamHandler
	offers  *OfferBook

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	stopOnce sync.Once
	stopErr  error

	mu sync.RWMutex
}

var (
	_ protocol.Transport = (*Node)(nil)
	_ protocol.Directory = (*Node)(nil)
)

// New creates a node. store may be nil; when set, makers seen on the offer
// topic are remembered across restarts.
func New(ctx context.Context, cfg *config.Config, store *storage.Storage) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		config: cfg,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("node"),
	}

	privKey, err := n.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load/create key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddrs))
	for _, addr := range cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.ConnMgr.LowWater,
		cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	if cfg.Network.EnableDHT {
		if err := n.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}

	n.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	if cfg.Network.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(h, cfg.DiscoveryNamespace(), n)
		if err := n.mdnsService.Start(); err != nil {
			n.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	n.streams = NewStreamHandler(n)
	return n, nil
}

// loadOrCreateKey loads the node identity or generates and saves a new one.
func (n *Node) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := n.config.Identity.KeyFile
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(config.ExpandPath(n.config.Storage.DataDir), keyPath)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}
	n.log.Info("Generated new node identity")
	return privKey, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(libp2pprotocol.ID(n.config.DHTPrefix())),
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

// HandlePeerFound is called when mDNS discovers a peer.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go n.connect(pi, 10*time.Second)
}

// Start serves the swap stream protocol, joins the offer topic and connects
// to bootstrap and remembered peers. handler may be nil for a node that only
// sends requests.
func (n *Node) Start(handler protocol.Handler) error {
	n.startTime = time.Now()

	offers, err := NewOfferBook(n)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.offers = offers
	n.mu.Unlock()

	if handler != nil {
		n.streams.Serve(handler)
	}

	n.loadKnownMakers()
	for _, addrStr := range n.config.Network.BootstrapPeers {
		go func(addr string) {
			if err := n.ConnectByAddr(n.ctx, addr); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "addr", addr, "error", err)
				return
			}
			n.log.Info("Connected to bootstrap peer", "addr", addr)
		}(addrStr)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
		go n.discoverPeers()
	}
	return nil
}

// discoverPeers looks up peers in the rendezvous namespace until the node
// stops.
func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go n.connect(pi, 10*time.Second)
			}
		}
	}
}

func (n *Node) connect(pi peer.AddrInfo, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.log.Debug("Failed to connect to peer", "peer", shortID(pi.ID), "error", err)
	}
}

// Stop shuts the node down. It is safe to call more than once.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.cancel()
		n.streams.Stop()

		n.mu.RLock()
		offers := n.offers
		n.mu.RUnlock()
		if offers != nil {
			offers.Stop()
		}
		if n.mdnsService != nil {
			n.mdnsService.Close()
		}
		if n.dht != nil {
			n.dht.Close()
		}
		n.stopErr = n.host.Close()
	})
	return n.stopErr
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// PeerID returns the node's peer ID as a string.
func (n *Node) PeerID() string {
	return n.host.ID().String()
}

// Addrs returns the node's full p2p addresses.
func (n *Node) Addrs() []string {
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, a.String()+"/p2p/"+n.host.ID().String())
	}
	return addrs
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

// ConnectByAddr connects to a peer by its full p2p multiaddr.
func (n *Node) ConnectByAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("invalid peer addr info: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return n.host.Connect(ctx, *pi)
}

// Request sends msg to peer over a fresh stream and returns the reply.
func (n *Node) Request(ctx context.Context, peerID string, msg *protocol.Message) (*protocol.Message, error) {
	return n.streams.Request(ctx, peerID, msg)
}

// ListMakers returns the offers heard on the offer topic.
func (n *Node) ListMakers(ctx context.Context) ([]protocol.MakerOffer, error) {
	n.mu.RLock()
	offers := n.offers
	n.mu.RUnlock()
	if offers == nil {
		return nil, fmt.Errorf("node not started")
	}
	return offers.List(n.config.Taker.OfferMaxAge), nil
}

// Announce publishes a maker offer on the offer topic.
func (n *Node) Announce(ctx context.Context, offer protocol.MakerOffer) error {
	n.mu.RLock()
	offers := n.offers
	n.mu.RUnlock()
	if offers == nil {
		return fmt.Errorf("node not started")
	}
	return offers.Publish(ctx, offer)
}

// AnnounceLoop republishes the offer built by offer every interval until ctx
// is done.
func (n *Node) AnnounceLoop(ctx context.Context, interval time.Duration, offer func() protocol.MakerOffer) {
	announce := func() {
		if err := n.Announce(ctx, offer()); err != nil {
			n.log.Warn("Failed to announce offer", "error", err)
		}
	}
	announce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}

// shortID returns a truncated peer ID for logging.
func shortID(p peer.ID) string {
	return protocol.ShortPeer(p.String())
}
