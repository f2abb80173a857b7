package p2p

import (
	"context"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const bootstrapProbeTimeout = 3 * time.Second

// discoveryNotifee connects to peers found over mDNS.
type discoveryNotifee struct {
	node *Node
}

// HandlePeerFound is called by the mDNS service.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() || d.node.full() {
		return
	}
	ctx, cancel := context.WithTimeout(d.node.ctx, peerConnectTimeout)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err == nil {
		d.node.addPeer(pi.ID, SourceMDNS)
	}
}

func (n *Node) full() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

// probeBootstrap dials every bootstrap entry and records how many answer.
// Entries carry no peer ID, so reachability is all that can be learned
// before discovery introduces the peers.
func (n *Node) probeBootstrap() int {
	reachable := 0
	for _, b := range n.config.Bootstrap {
		conn, err := net.DialTimeout("tcp", b.Addr(), bootstrapProbeTimeout)
		if err != nil {
			n.logger.Warn().Str("addr", b.Addr()).Err(err).Msg("Bootstrap node unreachable")
			continue
		}
		conn.Close()
		reachable++
		n.logger.Debug().Str("addr", b.Addr()).Msg("Bootstrap node reachable")
	}
	n.mu.Lock()
	n.reachable = reachable
	n.mu.Unlock()
	if len(n.config.Bootstrap) > 0 {
		n.logger.Info().
			Int("reachable", reachable).
			Int("configured", len(n.config.Bootstrap)).
			Msg("Bootstrap probe finished")
	}
	return reachable
}

// runDiscovery advertises on the DHT and, every discovery interval, looks
// for more peers, re-probes bootstrap nodes while alone and reports
// isolation.
func (n *Node) runDiscovery() {
	var rd *drouting.RoutingDiscovery
	if n.dht != nil {
		rd = drouting.NewRoutingDiscovery(n.dht)
		dutil.Advertise(n.ctx, rd, Rendezvous)
	}

	ticker := time.NewTicker(n.config.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
		if rd != nil {
			n.findDHTPeers(rd)
		}
		if n.PeerCount() == 0 && len(n.config.Bootstrap) > 0 {
			n.probeBootstrap()
		}
		n.checkIsolation(time.Now())
		n.config.Metrics.SetPeers(n.PeerCount())
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()
	peers, err := rd.FindPeers(ctx, Rendezvous)
	if err != nil {
		n.logger.Debug().Err(err).Msg("DHT peer search failed")
		return
	}
	for p := range peers {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.full() {
			return
		}
		cctx, ccancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(cctx, p); err == nil {
			n.addPeer(p.ID, SourceDHT)
		}
		ccancel()
	}
}

// checkIsolation warns once when the node has had no peers for longer than
// the isolation timeout. It returns whether the node is isolated.
func (n *Node) checkIsolation(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.peers) > 0 {
		return false
	}
	if now.Sub(n.lastPeer) < n.config.IsolationAfter {
		return false
	}
	if !n.isolated {
		n.isolated = true
		n.logger.Warn().
			Dur("alone_for", now.Sub(n.lastPeer).Round(time.Second)).
			Msg("Node is isolated: no peers connected")
	}
	return true
}
