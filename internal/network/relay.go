package network

import (
	"context"
	"errors"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/p2p"
	"github.com/Klingon-tech/orignode/internal/service"
)

const (
	relayQueue = 256
	seenSize   = 2048
)

// seenSet remembers the most recent ids in a fixed-size ring.
type seenSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(size int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, size), ring: make([]string, size)}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}

// relay moves engine events onto gossip and gossip into the chain engine.
// Blocks and transactions learned from peers are marked seen so their
// resulting engine events are not published back.
type relay struct {
	node   *p2p.Node
	chain  *service.ChainService
	logger zerolog.Logger

	seen     *seenSet
	events   chan engine.Event
	done     chan struct{}
	stopOnce sync.Once
	unsubs   []func()
	wg       sync.WaitGroup
}

func newRelay(node *p2p.Node, chain *service.ChainService) *relay {
	return &relay{
		node:   node,
		chain:  chain,
		logger: log.P2P,
		seen:   newSeenSet(seenSize),
		events: make(chan engine.Event, relayQueue),
		done:   make(chan struct{}),
	}
}

// start wires the p2p handlers and subscribes to every source bridge.
func (r *relay) start(ctx context.Context, sources []*service.EngineBridge) error {
	r.node.SetBlockHandler(r.onBlock)
	r.node.SetTxHandler(r.onTx)

	for _, b := range sources {
		for _, t := range []engine.EventType{engine.EventNewBlock, engine.EventNewTransaction} {
			unsub, err := service.Subscribe(ctx, b, t, r.enqueue)
			if err != nil {
				r.stop()
				return err
			}
			r.unsubs = append(r.unsubs, unsub)
		}
	}

	r.wg.Add(1)
	go r.publishLoop()
	return nil
}

// enqueue runs on an engine loop and never blocks.
func (r *relay) enqueue(ev engine.Event) {
	select {
	case <-r.done:
	case r.events <- ev:
	default:
		r.logger.Warn().Str("event", string(ev.Type)).Msg("Gossip queue full, dropping event")
	}
}

func (r *relay) publishLoop() {
	defer r.wg.Done()
	for {
		var ev engine.Event
		select {
		case <-r.done:
			return
		case ev = <-r.events:
		}
		var err error
		switch ev.Type {
		case engine.EventNewBlock:
			if ev.Block == nil || !r.seen.add("b/"+ev.Block.Hash) {
				continue
			}
			err = r.node.BroadcastBlock(ev.Block)
		case engine.EventNewTransaction:
			if ev.Tx == nil || !r.seen.add("t/"+ev.Tx.ID) {
				continue
			}
			err = r.node.BroadcastTx(ev.Tx)
		}
		if err != nil {
			r.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("Gossip publish failed")
		}
	}
}

func (r *relay) onBlock(from peer.ID, b *engine.Block) {
	if !r.seen.add("b/" + b.Hash) {
		return
	}
	err := r.chain.ApplyBlock(context.Background(), b)
	switch {
	case err == nil:
		r.logger.Debug().Uint64("height", b.Height).Str("peer", from.String()).Msg("Applied gossiped block")
	case errors.Is(err, engine.ErrInvalidBlock):
		r.logger.Debug().Err(err).Uint64("height", b.Height).Msg("Rejected gossiped block")
	default:
		r.logger.Warn().Err(err).Uint64("height", b.Height).Msg("Apply gossiped block failed")
	}
}

func (r *relay) onTx(from peer.ID, tx *engine.Transaction) {
	if !r.seen.add("t/" + tx.ID) {
		return
	}
	if _, err := r.chain.SubmitTransaction(context.Background(), tx); err != nil {
		r.logger.Debug().Err(err).Str("tx", tx.ID).Str("peer", from.String()).Msg("Rejected gossiped transaction")
	}
}

// stop unsubscribes and waits for the publisher to exit.
func (r *relay) stop() {
	r.stopOnce.Do(func() {
		for _, unsub := range r.unsubs {
			unsub()
		}
		r.unsubs = nil
		close(r.done)
		r.wg.Wait()
	})
}
