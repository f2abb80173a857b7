package commands

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

func (a *app) newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running node",
		Long: `Send SIGTERM to the node recorded in <data_dir>/node.pid. The node saves
its state and shuts down gracefully.`,
		Args: cobra.NoArgs,
		RunE: a.runStop,
	}
}

func (a *app) runStop(cmd *cobra.Command, args []string) error {
	if err := a.initLogging(false); err != nil {
		return err
	}
	pidPath := a.cfg.PIDFile()
	pid, ok := runningPID(pidPath)
	if !ok {
		fmt.Fprintf(a.errw, "Warning: node is not running (no live process in %s)\n", pidPath)
		if pid > 0 {
			_ = os.Remove(pidPath)
		}
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	fmt.Fprintf(a.out, "Sending SIGTERM to process %d...\n", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			fmt.Fprintln(a.out, "Node already stopped")
			_ = os.Remove(pidPath)
			return nil
		}
		return fmt.Errorf("send signal: %w", err)
	}
	fmt.Fprintln(a.out, "Shutdown signal sent. The node will stop gracefully.")
	return nil
}
