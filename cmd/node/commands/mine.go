package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/node"
)

const closeTimeout = 30 * time.Second

func (a *app) newMineCmd() *cobra.Command {
	var miner string
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine blocks until interrupted",
		Long: `Mine blocks on the local chain, paying rewards to the wallet of --miner.
The wallet is created when the user has none. Press Ctrl+C to stop.

The node must not be running on the same data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if miner == "" {
				return errors.New("--miner is required")
			}
			if err := a.initLogging(true); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runMine(ctx, miner)
		},
	}
	cmd.Flags().StringVar(&miner, "miner", "", "User whose wallet receives the rewards")
	return cmd
}

func (a *app) runMine(ctx context.Context, miner string) (err error) {
	lc, err := openLocalChain(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := lc.Close(cctx); cerr != nil {
			log.Shutdown.Error().Err(cerr).Msg("Closing chain failed")
			if err == nil {
				err = cerr
			}
		}
	}()

	_, lookupErr := lc.store.AddressForUser(miner)
	create := errors.Is(lookupErr, engine.ErrWalletNotFound)
	pass := ""
	if create {
		pass, err = node.ReadPassphrase(ctx, node.ConfiguredPassphrase(a.cfg.WalletPassphrase), true)
		if err != nil {
			return err
		}
	}
	addr, err := lc.wallets.EnsureWallet(ctx, miner, pass)
	if err != nil {
		return fmt.Errorf("miner wallet: %w", err)
	}

	if err := lc.chain.StartMining(ctx, addr); err != nil {
		return fmt.Errorf("start mining: %w", err)
	}
	fmt.Fprintf(a.out, "Mining to %s (%s). Press Ctrl+C to stop.\n", addr, miner)

	<-ctx.Done()
	fmt.Fprintln(a.out, "Stopping miner...")

	sctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := lc.chain.StopMining(sctx); err != nil {
		return fmt.Errorf("stop mining: %w", err)
	}
	if st, err := lc.chain.Status(sctx); err == nil {
		fmt.Fprintf(a.out, "Chain height %d, tip %s\n", st.Height, st.TipHash)
	}
	return nil
}
