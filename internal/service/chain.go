package service

import (
	"context"
	"time"

	"github.com/Klingon-tech/orignode/internal/bridge"
	"github.com/Klingon-tech/orignode/internal/engine"
)

// Chain operation timeouts.
const (
	StatusTimeout = 10 * time.Second
	SaveTimeout   = 10 * time.Second
	MiningTimeout = 30 * time.Second
	BlockTimeout  = 30 * time.Second
)

// ChainService is the synchronous facade for chain operations.
type ChainService struct {
	bridge *EngineBridge
}

// NewChainService wraps b.
func NewChainService(b *EngineBridge) *ChainService {
	return &ChainService{bridge: b}
}

// Bridge returns the underlying bridge.
func (s *ChainService) Bridge() *EngineBridge { return s.bridge }

// Status returns the engine status.
func (s *ChainService) Status(ctx context.Context) (*engine.Status, error) {
	return bridge.Call(ctx, s.bridge, "status", StatusTimeout, func(ctx context.Context, e engine.Engine) (*engine.Status, error) {
		return e.Status(ctx)
	})
}

// SaveState flushes the engine to disk.
func (s *ChainService) SaveState(ctx context.Context) error {
	_, err := bridge.Call(ctx, s.bridge, "save_state", SaveTimeout, func(ctx context.Context, e engine.Engine) (struct{}, error) {
		return struct{}{}, e.SaveState(ctx)
	})
	return err
}

// CreateGenesis creates block 0. It returns false if one already exists.
func (s *ChainService) CreateGenesis(ctx context.Context) (bool, error) {
	return bridge.Call(ctx, s.bridge, "create_genesis", MiningTimeout, func(ctx context.Context, e engine.Engine) (bool, error) {
		return e.CreateGenesis(ctx)
	})
}

// StartMining starts the miner paying address.
func (s *ChainService) StartMining(ctx context.Context, address string) error {
	_, err := bridge.Call(ctx, s.bridge, "start_mining", MiningTimeout, func(ctx context.Context, e engine.Engine) (struct{}, error) {
		return struct{}{}, e.StartMining(ctx, address)
	})
	return err
}

// StopMining stops the miner.
func (s *ChainService) StopMining(ctx context.Context) error {
	_, err := bridge.Call(ctx, s.bridge, "stop_mining", MiningTimeout, func(ctx context.Context, e engine.Engine) (struct{}, error) {
		return struct{}{}, e.StopMining(ctx)
	})
	return err
}

// ApplyBlock hands a block received from a peer to the engine.
func (s *ChainService) ApplyBlock(ctx context.Context, b *engine.Block) error {
	_, err := bridge.Call(ctx, s.bridge, "apply_block", BlockTimeout, func(ctx context.Context, e engine.Engine) (struct{}, error) {
		return struct{}{}, e.ApplyBlock(ctx, b)
	})
	return err
}

// SubmitTransaction queues a transaction received from a peer.
func (s *ChainService) SubmitTransaction(ctx context.Context, tx *engine.Transaction) (bool, error) {
	return bridge.Call(ctx, s.bridge, "add_transaction", BlockTimeout, func(ctx context.Context, e engine.Engine) (bool, error) {
		return e.AddTransactionToMempool(ctx, tx)
	})
}

// Subscribe registers cb for engine events of type t. cb runs on the
// chain worker loop and must not block; hand work off to another goroutine.
// The returned function unregisters it.
func (s *ChainService) Subscribe(ctx context.Context, t engine.EventType, cb func(engine.Event)) (func(), error) {
	return Subscribe(ctx, s.bridge, t, cb)
}
