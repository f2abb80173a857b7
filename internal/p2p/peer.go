package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer sources.
const (
	SourceMDNS   = "mdns"
	SourceDHT    = "dht"
	SourceStore  = "store"
	SourceGossip = "gossip"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string
}
