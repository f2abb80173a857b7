// Package commands implements the node command line.
package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/orignode/config"
	"github.com/Klingon-tech/orignode/internal/log"
)

// Build information, set by main.
var (
	Version = "dev"
	Commit  = "none"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath      string
	p2pPort         int
	apiPort         int
	keyRotationPort int
	dataDir         string
	bootstrap       string
	validator       bool
	debug           bool
}

// app carries the parsed flags and the loaded configuration to the
// subcommands.
type app struct {
	flags globalFlags
	cfg   *config.NodeConfig
	out   io.Writer
	errw  io.Writer
}

// exitError carries a non-zero exit code without an extra message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, out, errw io.Writer) int {
	root := newRootCmd(out, errw)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(errw, "Error: %v\n", err)
	return 1
}

func newRootCmd(out, errw io.Writer) *cobra.Command {
	a := &app{out: out, errw: errw}

	root := &cobra.Command{
		Use:   "node",
		Short: "orignode full node",
		Long: `node runs a peer-to-peer blockchain node with a wallet, a local HTTP API
and a key rotation endpoint.

Configuration is read from network_config.json (created with defaults when
missing). Environment variables prefixed with ORIGNODE_ override the file and
command-line flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version + " (" + Commit + ")",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}
	root.SetOut(out)
	root.SetErr(errw)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", config.DefaultPath, "Path to the JSON config file")
	pf.IntVar(&a.flags.p2pPort, "p2p-port", 0, "P2P listen port")
	pf.IntVar(&a.flags.apiPort, "api-port", 0, "HTTP API port")
	pf.IntVar(&a.flags.keyRotationPort, "key-rotation-port", 0, "Key rotation endpoint port")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "Data directory")
	pf.StringVar(&a.flags.bootstrap, "bootstrap", "", "Comma-separated bootstrap nodes (host:port)")
	pf.BoolVar(&a.flags.validator, "validator", false, "Run as a validator")
	pf.BoolVar(&a.flags.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		a.newStartCmd(),
		a.newStopCmd(),
		a.newStatusCmd(),
		a.newMineCmd(),
		a.newGenesisCmd(),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// loadConfig loads the file, applies the flags and validates the result.
// Only flags the user set override the file.
func (a *app) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}

	o := config.Overrides{
		DataDir:   a.flags.dataDir,
		Bootstrap: config.SplitBootstrapFlag(a.flags.bootstrap),
		Validator: a.flags.validator,
		Debug:     a.flags.debug,
	}
	flags := cmd.Flags()
	if flags.Changed("p2p-port") {
		o.P2PPort = &a.flags.p2pPort
	}
	if flags.Changed("api-port") {
		o.APIPort = &a.flags.apiPort
	}
	if flags.Changed("key-rotation-port") {
		o.KeyRotationPort = &a.flags.keyRotationPort
	}
	o.Apply(cfg)

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := cfg.EnsureDataDirs(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// initLogging sets up logging for the command. Only start writes the log
// file; the other commands stay quiet unless --debug is given.
func (a *app) initLogging(withFile bool) error {
	level := a.cfg.LogLevel
	file := ""
	if withFile {
		file = a.cfg.LogFile()
	} else if !a.flags.debug {
		level = "warn"
	}
	return log.Init(level, false, file)
}
