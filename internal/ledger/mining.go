package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// retryDelay is the pause after a failed mining attempt.
const retryDelay = time.Second

// StartMining spawns the miner task paying rewards to address. A missing
// genesis block is created first. Calling it while mining switches the
// reward address.
func (l *Ledger) StartMining(ctx context.Context, address string) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := crypto.ValidateAddress(address); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidAddress, err)
	}
	if l.miner != nil {
		l.minerAddr = address
		return nil
	}
	if _, err := l.CreateGenesis(ctx); err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}
	if l.miner != nil {
		// Started while the genesis block was sealed.
		l.minerAddr = address
		return nil
	}

	task, err := loop.Spawn(ctx, "miner", l.mine)
	if err != nil {
		return fmt.Errorf("spawn miner: %w", err)
	}
	l.miner = task
	l.minerAddr = address
	l.logger.Info().Str("address", address).Msg("Mining started")
	return nil
}

// StopMining cancels the miner task and waits for it to exit.
func (l *Ledger) StopMining(ctx context.Context) error {
	task := l.miner
	if task == nil {
		return nil
	}
	task.Cancel()
	if _, err := loop.Await(ctx, task); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.miner = nil
	l.minerAddr = ""
	l.logger.Info().Msg("Mining stopped")
	return nil
}

func (l *Ledger) mine(ctx context.Context) (any, error) {
	self := loop.Current(ctx)
	defer func() {
		if l.miner == self {
			l.miner = nil
		}
	}()

	for ctx.Err() == nil {
		_, err := l.MineBlock(ctx, l.minerAddr)
		switch {
		case err == nil:
			// Low difficulties seal without ever yielding.
			loop.Yield(ctx)
		case ctx.Err() != nil:
			return nil, nil
		case errors.Is(err, engine.ErrInvalidBlock):
			// The tip moved while sealing.
			l.logger.Debug().Err(err).Msg("Discarding stale block")
		default:
			l.logger.Warn().Err(err).Msg("Mining attempt failed")
			l.subs.Emit(engine.Event{Type: engine.EventError, Err: err})
			if err := loop.Sleep(ctx, retryDelay); err != nil {
				return nil, nil
			}
		}
	}
	return nil, nil
}

// MineBlock assembles a block from the mempool, seals it and applies it.
func (l *Ledger) MineBlock(ctx context.Context, miner string) (*engine.Block, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	height, hash, ok, err := l.store.Tip()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoGenesis
	}
	txs, fees, err := l.selectTransactions()
	if err != nil {
		return nil, err
	}

	ts := l.now().Unix()
	b := &engine.Block{
		Height:     height + 1,
		PrevHash:   hash,
		Timestamp:  ts,
		Difficulty: l.cfg.Difficulty,
		Miner:      miner,
	}
	b.Transactions = append([]*engine.Transaction{newCoinbase(miner, Reward(b.Height)+fees, b.Height, ts)}, txs...)

	if err := seal(ctx, b); err != nil {
		return nil, err
	}
	if err := l.ApplyBlock(ctx, b); err != nil {
		return nil, err
	}
	l.cfg.Metrics.BlockMined()
	return b, nil
}

// selectTransactions picks mempool entries that apply cleanly in order.
// Entries whose nonce is already confirmed are dropped from the mempool.
func (l *Ledger) selectTransactions() ([]*engine.Transaction, engine.Amount, error) {
	pool, err := l.store.Mempool()
	if err != nil {
		return nil, 0, err
	}
	st := newOverlay(l.store)
	var (
		picked []*engine.Transaction
		fees   engine.Amount
		stale  []string
	)
	for _, tx := range pool {
		if len(picked) >= MaxBlockTxs {
			break
		}
		if err := st.apply(tx); err != nil {
			if n, nerr := l.store.Nonce(tx.Sender); nerr == nil && tx.Nonce <= n {
				stale = append(stale, tx.ID)
			}
			continue
		}
		picked = append(picked, tx)
		fees += tx.Fee
	}
	if len(stale) > 0 {
		if err := l.store.dropMempool(stale); err != nil {
			return nil, 0, err
		}
		l.logger.Debug().Int("count", len(stale)).Msg("Dropped stale mempool entries")
	}
	return picked, fees, nil
}
