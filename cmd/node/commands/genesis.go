package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newGenesisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create_genesis",
		Short: "Create the genesis block",
		Long: `Seal block 0 on the local chain. Nothing changes when the chain already
has a genesis block.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initLogging(false); err != nil {
				return err
			}
			return a.runGenesis(context.Background())
		},
	}
}

func (a *app) runGenesis(ctx context.Context) (err error) {
	lc, err := openLocalChain(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := lc.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	created, err := lc.chain.CreateGenesis(ctx)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}
	if !created {
		fmt.Fprintln(a.errw, "Warning: genesis block already exists")
		return nil
	}
	st, err := lc.chain.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Genesis block created: %s\n", st.TipHash)
	return nil
}
