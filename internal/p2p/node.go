// Package p2p runs the node's libp2p host: block and transaction gossip,
// peer discovery over mDNS and the Kademlia DHT, and bootstrap probing.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/orignode/config"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/metrics"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/rs/zerolog"
)

const (
	defaultDiscoveryInterval = time.Minute
	defaultIsolationAfter    = 5 * time.Minute
	peerConnectTimeout       = 5 * time.Second
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	// Identity is the host key. A fresh key is generated when nil.
	Identity  libp2pcrypto.PrivKey
	Bootstrap []config.BootstrapNode
	MaxPeers  int
	// Discovery enables mDNS and the DHT.
	Discovery         bool
	DiscoveryInterval time.Duration
	IsolationAfter    time.Duration
	// DB persists known peers. Nil disables persistence.
	DB      storage.DB
	Metrics *metrics.ChainMetrics
}

// Node is a libp2p host gossiping blocks and transactions.
type Node struct {
	config Config
	logger zerolog.Logger

	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	mdns   mdns.Service
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	topicTx    *pubsub.Topic
	topicBlock *pubsub.Topic
	subTx      *pubsub.Subscription
	subBlock   *pubsub.Subscription

	txHandler    func(peer.ID, *engine.Transaction)
	blockHandler func(peer.ID, *engine.Block)

	peerStore *PeerStore

	mu        sync.RWMutex
	peers     map[peer.ID]*Peer
	lastPeer  time.Time
	isolated  bool
	reachable int
}

// New creates a node. Nothing listens until Start.
func New(cfg Config) *Node {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0"
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = defaultDiscoveryInterval
	}
	if cfg.IsolationAfter <= 0 {
		cfg.IsolationAfter = defaultIsolationAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		logger: log.P2P,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

// SetBlockHandler registers the callback for blocks gossiped by peers. It
// runs on the subscription goroutine.
func (n *Node) SetBlockHandler(fn func(from peer.ID, b *engine.Block)) {
	n.blockHandler = fn
}

// SetTxHandler registers the callback for transactions gossiped by peers.
func (n *Node) SetTxHandler(fn func(from peer.ID, tx *engine.Transaction)) {
	n.txHandler = fn
}

// Start opens the host, joins the gossip topics and starts discovery.
func (n *Node) Start() error {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)),
	}
	if n.config.Identity != nil {
		opts = append(opts, libp2p.Identity(n.config.Identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h
	h.Network().Notify(&connNotifier{node: n})

	n.mu.Lock()
	n.lastPeer = time.Now()
	n.mu.Unlock()

	if n.config.Discovery {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(maxMessageSize))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps
	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	n.goLoop(func() { n.readLoop(n.subBlock, n.handleBlock) })
	n.goLoop(func() { n.readLoop(n.subTx, n.handleTx) })
	n.goLoop(n.loadPersistedPeers)

	n.probeBootstrap()
	if n.config.Discovery {
		n.startMDNS()
	}
	n.goLoop(n.runDiscovery)
	if n.peerStore != nil {
		n.goLoop(n.runPersistLoop)
	}

	n.logger.Info().
		Str("id", h.ID().String()).
		Int("port", n.config.Port).
		Bool("discovery", n.config.Discovery).
		Msg("P2P node started")
	return nil
}

func (n *Node) goLoop(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop persists peers and closes the host. It is safe before Start.
func (n *Node) Stop() error {
	n.persistPeers()
	n.cancel()
	if n.subTx != nil {
		n.subTx.Cancel()
	}
	if n.subBlock != nil {
		n.subBlock.Cancel()
	}
	if n.mdns != nil {
		n.mdns.Close()
	}
	n.wg.Wait()
	if n.topicTx != nil {
		n.topicTx.Close()
	}
	if n.topicBlock != nil {
		n.topicBlock.Close()
	}
	n.closeDHT()
	if n.host == nil {
		return nil
	}
	err := n.host.Close()
	n.logger.Info().Msg("P2P node stopped")
	return err
}

// Host returns the libp2p host, nil before Start.
func (n *Node) Host() host.Host { return n.host }

// ID returns the peer ID, empty before Start.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the node's full multiaddrs.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// Connect dials a peer given as a full multiaddr with a /p2p/ component.
func (n *Node) Connect(ctx context.Context, addr string) error {
	if n.host == nil {
		return ErrNotStarted
	}
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parse peer address %q: %w", addr, err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return nil
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// ReachableBootstrap returns how many bootstrap entries answered the last
// probe.
func (n *Node) ReachableBootstrap() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reachable
}

func (n *Node) addPeer(id peer.ID, source string) {
	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: time.Now()}
		n.peers[id] = p
	}
	if p.Source == "" {
		p.Source = source
	}
	n.lastPeer = time.Now()
	if n.isolated {
		n.isolated = false
		n.logger.Info().Msg("Peer connectivity restored")
	}
	count := len(n.peers)
	n.mu.Unlock()
	n.config.Metrics.SetPeers(count)
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	delete(n.peers, id)
	count := len(n.peers)
	if count == 0 {
		n.lastPeer = time.Now()
	}
	n.mu.Unlock()
	n.config.Metrics.SetPeers(count)
}

func (n *Node) joinTopics() error {
	var err error
	if n.topicBlock, err = n.pubsub.Join(TopicBlocks); err != nil {
		return fmt.Errorf("join block topic: %w", err)
	}
	if n.topicTx, err = n.pubsub.Join(TopicTransactions); err != nil {
		return fmt.Errorf("join tx topic: %w", err)
	}
	if n.subBlock, err = n.topicBlock.Subscribe(); err != nil {
		return fmt.Errorf("subscribe block: %w", err)
	}
	if n.subTx, err = n.topicTx.Subscribe(); err != nil {
		return fmt.Errorf("subscribe tx: %w", err)
	}
	return nil
}

func (n *Node) readLoop(sub *pubsub.Subscription, handle func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.addPeer(msg.ReceivedFrom, SourceGossip)
		handle(msg)
	}
}

func (n *Node) handleBlock(msg *pubsub.Message) {
	defer n.recoverHandler("block")
	b, err := decodeBlock(msg.Data)
	if err != nil {
		n.logger.Debug().Err(err).Str("peer", msg.ReceivedFrom.String()).Msg("Dropping gossiped block")
		return
	}
	if n.blockHandler != nil {
		n.blockHandler(msg.ReceivedFrom, b)
	}
}

func (n *Node) handleTx(msg *pubsub.Message) {
	defer n.recoverHandler("tx")
	tx, err := decodeTx(msg.Data)
	if err != nil {
		n.logger.Debug().Err(err).Str("peer", msg.ReceivedFrom.String()).Msg("Dropping gossiped transaction")
		return
	}
	if n.txHandler != nil {
		n.txHandler(msg.ReceivedFrom, tx)
	}
}

func (n *Node) recoverHandler(kind string) {
	if r := recover(); r != nil {
		n.logger.Error().Interface("panic", r).Str("kind", kind).Msg("Gossip handler panicked")
	}
}

func (n *Node) startMDNS() {
	n.mdns = mdns.NewMdnsService(n.host, Rendezvous, &discoveryNotifee{node: n})
	if err := n.mdns.Start(); err != nil {
		n.logger.Warn().Err(err).Msg("mDNS discovery unavailable")
		n.mdns = nil
	}
}

func (n *Node) initDHT() error {
	kad, err := dht.New(n.ctx, n.host, dht.Mode(dht.ModeAuto))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kad
	return kad.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		rec := PeerRecord{ID: p.ID.String(), LastSeen: now, Source: p.Source}
		for _, a := range addrs {
			rec.Addrs = append(rec.Addrs, a.String())
		}
		if err := n.peerStore.Save(rec); err != nil {
			n.logger.Debug().Err(err).Str("peer", rec.ID).Msg("Persist peer failed")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	if _, err := n.peerStore.PruneStale(time.Now(), staleThreshold); err != nil {
		n.logger.Debug().Err(err).Msg("Prune peer store failed")
	}
	records, err := n.peerStore.LoadAll()
	if err != nil {
		n.logger.Debug().Err(err).Msg("Load peer store failed")
		return
	}
	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() {
			continue
		}
		info := peer.AddrInfo{ID: id}
		for _, a := range rec.Addrs {
			ai, err := peer.AddrInfoFromString(a + "/p2p/" + rec.ID)
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ai.Addrs...)
		}
		if len(info.Addrs) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.addPeer(id, SourceStore)
		}
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			if _, err := n.peerStore.PruneStale(time.Now(), staleThreshold); err != nil {
				n.logger.Debug().Err(err).Msg("Prune peer store failed")
			}
		}
	}
}
