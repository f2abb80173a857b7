package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/node"
)

func (a *app) newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the node in the foreground",
		Long: `Run the node until SIGINT or SIGTERM.

The wallet passphrase is taken from ORIGNODE_WALLET_PASSPHRASE, or asked for
on the terminal. The process id is written to <data_dir>/node.pid.

Examples:
  # Start with the default config
  node start

  # Start a second node on other ports, bootstrapping from the first
  node start --data-dir data2 --p2p-port 9333 --api-port 9332 \
    --key-rotation-port 9334 --bootstrap 127.0.0.1:8333`,
		Args: cobra.NoArgs,
		RunE: a.runStart,
	}
}

func (a *app) runStart(cmd *cobra.Command, args []string) error {
	if err := a.initLogging(true); err != nil {
		return err
	}

	pidPath := a.cfg.PIDFile()
	if pid, ok := runningPID(pidPath); ok {
		return fmt.Errorf("node already running with pid %d (%s)", pid, pidPath)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	log.Node.Info().
		Str("version", Version).
		Str("config", a.cfg.Path()).
		Str("data_dir", a.cfg.DataDir).
		Msg("Starting node")

	sup := node.New(node.Options{Config: a.cfg})
	if code := sup.Run(context.Background()); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// runningPID reads the pid file and reports whether that process is alive.
func runningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}
