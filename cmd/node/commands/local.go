package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/orignode/config"
	"github.com/Klingon-tech/orignode/internal/ledger"
	"github.com/Klingon-tech/orignode/internal/service"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

// localChain opens the chain database directly, for commands that run while
// the node is stopped. Badger locks the directory, so this fails when a node
// is running on the same data dir.
type localChain struct {
	store   *ledger.Store
	wallets *service.WalletService
	chain   *service.ChainService
	bridges []*service.EngineBridge
}

func openLocalChain(ctx context.Context, cfg *config.NodeConfig) (*localChain, error) {
	db, err := storage.NewBadger(cfg.ChainDir())
	if err != nil {
		return nil, fmt.Errorf("open chain database: %w", err)
	}
	store := ledger.NewStore(db)

	ledgerCfg := func(name string) ledger.Config {
		return ledger.Config{
			Store:      store,
			Difficulty: uint8(cfg.MiningDifficulty),
			KDF:        wallet.DefaultKDF(),
			Name:       name,
		}
	}
	lc := &localChain{store: store}
	chainBridge := service.NewEngineBridge("chain", service.LedgerFactory(ledgerCfg("chain")), nil, nil)
	walletBridge := service.NewEngineBridge("wallet", service.LedgerFactory(ledgerCfg("wallet")), nil, nil)
	lc.bridges = []*service.EngineBridge{chainBridge, walletBridge}
	lc.chain = service.NewChainService(chainBridge)
	lc.wallets = service.NewWalletService(walletBridge)

	if err := chainBridge.WaitReady(ctx); err != nil {
		lc.Close(ctx)
		return nil, err
	}
	return lc, nil
}

// Close saves the chain state and releases the database.
func (c *localChain) Close(ctx context.Context) error {
	var errs []error
	if c.chain.Bridge().Ready() {
		errs = append(errs, c.chain.SaveState(ctx))
	}
	for _, b := range c.bridges {
		errs = append(errs, b.StopEngine(ctx))
		b.StopLoop()
	}
	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
