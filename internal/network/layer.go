// Package network brings up the node's outward surfaces as one unit: the
// libp2p node, the HTTP API and the relay between gossip and the engine.
package network

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Klingon-tech/orignode/internal/api"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/p2p"
	"github.com/Klingon-tech/orignode/internal/service"
)

// Config configures a Layer.
type Config struct {
	P2P p2p.Config
	API api.Config
	// Sources are extra bridges whose engine events are gossiped. The
	// bridges behind the wallet and chain facades are always included.
	Sources []*service.EngineBridge
}

// Layer is the started network layer. A Layer is single use: build a new
// one to retry a failed Start.
type Layer struct {
	config Config
	node   *p2p.Node
	api    *api.Server
	relay  *relay
}

// New builds a layer over the wallet and chain facades.
func New(cfg Config, wallets *service.WalletService, chain *service.ChainService) *Layer {
	node := p2p.New(cfg.P2P)
	cfg.Sources = gossipSources(wallets, chain, cfg.Sources)
	return &Layer{
		config: cfg,
		node:   node,
		api:    api.New(cfg.API, wallets, chain),
		relay:  newRelay(node, chain),
	}
}

// gossipSources lists each bridge once, facades first.
func gossipSources(wallets *service.WalletService, chain *service.ChainService, extra []*service.EngineBridge) []*service.EngineBridge {
	var out []*service.EngineBridge
	for _, b := range append([]*service.EngineBridge{wallets.Bridge(), chain.Bridge()}, extra...) {
		if b != nil && !slices.Contains(out, b) {
			out = append(out, b)
		}
	}
	return out
}

// Sources returns the bridges the relay subscribes to.
func (l *Layer) Sources() []*service.EngineBridge { return l.config.Sources }

// Node returns the p2p node.
func (l *Layer) Node() *p2p.Node { return l.node }

// API returns the HTTP server.
func (l *Layer) API() *api.Server { return l.api }

// Start brings up p2p, then the API, then the relay. On failure whatever
// already started is stopped again.
func (l *Layer) Start(ctx context.Context) error {
	if err := l.node.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	if err := l.api.Start(); err != nil {
		l.node.Stop()
		return fmt.Errorf("start api: %w", err)
	}
	if err := l.relay.start(ctx, l.config.Sources); err != nil {
		l.api.Stop(ctx)
		l.node.Stop()
		return fmt.Errorf("start gossip relay: %w", err)
	}
	log.Node.Info().
		Str("peer_id", l.node.ID().String()).
		Str("api", l.api.Addr()).
		Msg("Network layer started")
	return nil
}

// Stop tears the layer down in reverse order and joins the errors.
func (l *Layer) Stop(ctx context.Context) error {
	l.relay.stop()
	return errors.Join(l.api.Stop(ctx), l.node.Stop())
}
