// Package node runs a full node: it negotiates ports, builds the engine
// bridges, brings up the network layer and drives the ordered shutdown.
//
// The supervisor owns the main event loop. Startup and shutdown both run as
// tasks on it, so a signal that arrives mid-startup schedules a shutdown
// that first cancels and waits for the startup task.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/config"
	"github.com/Klingon-tech/orignode/internal/api"
	"github.com/Klingon-tech/orignode/internal/certs"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/health"
	"github.com/Klingon-tech/orignode/internal/keyrotation"
	"github.com/Klingon-tech/orignode/internal/ledger"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/internal/metrics"
	"github.com/Klingon-tech/orignode/internal/network"
	"github.com/Klingon-tech/orignode/internal/p2p"
	"github.com/Klingon-tech/orignode/internal/portneg"
	"github.com/Klingon-tech/orignode/internal/security"
	"github.com/Klingon-tech/orignode/internal/service"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

const (
	DefaultNetworkAttempts = 3
	DefaultNetworkBackoff  = 2 * time.Second
	// ShutdownTimeout bounds the whole shutdown plan.
	ShutdownTimeout = 30 * time.Second

	// LocalHost is where the API, the key rotation endpoint and the health
	// check live.
	LocalHost = "127.0.0.1"
	// P2PListenAddr is the libp2p listen address.
	P2PListenAddr = "0.0.0.0"
)

// Options configures a Supervisor. Only Config is required.
type Options struct {
	Config *config.NodeConfig
	// Passphrase supplies the wallet passphrase. Defaults to
	// ConfiguredPassphrase(Config.WalletPassphrase).
	Passphrase PassphraseFunc
	// OpenDB opens the chain database. Defaults to Badger.
	OpenDB func(path string) (storage.DB, error)
	// KDF seals new wallets and backups. Zero means wallet.DefaultKDF.
	KDF wallet.KDFParams
	// Registry collects metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
	// Health probes the API after startup. Defaults to health.NewChecker.
	Health *health.Checker
	// NetworkBackoff is the pause between network start attempts.
	NetworkBackoff time.Duration
	// StartNetwork starts one network layer attempt. Defaults to
	// (*network.Layer).Start.
	StartNetwork func(ctx context.Context, l *network.Layer) error
	// Security builds the security subsystem. Defaults to security.Init.
	Security func(security.Config) (*security.Subsystem, error)
}

// Supervisor drives the node lifecycle.
type Supervisor struct {
	cfg    *config.NodeConfig
	opts   Options
	logger zerolog.Logger

	state    stateMachine
	main     *loop.Loop
	exitCode atomic.Int32

	registry        *prometheus.Registry
	bridgeMetrics   *metrics.BridgeMetrics
	apiMetrics      *metrics.APIMetrics
	chainMetrics    *metrics.ChainMetrics
	securityMetrics *metrics.SecurityMetrics

	mu           sync.Mutex
	startTask    *loop.Task
	startErr     error
	shutdownErrs []error
	degraded     []string
	coordinator  *Coordinator

	// Written by startup; read by shutdown once startup has finished.
	nodeID      string
	passphrase  string
	store       *ledger.Store
	wallets     *service.WalletService
	chain       *service.ChainService
	syncer      *service.SyncService
	bridges     []*service.EngineBridge
	sec         *security.Subsystem
	rotation    *keyrotation.Manager
	rotationSrv *keyrotation.Server

	layer atomic.Pointer[network.Layer]
}

// New creates a supervisor in the Uninitialized state.
func New(opts Options) *Supervisor {
	if opts.Passphrase == nil {
		opts.Passphrase = ConfiguredPassphrase(opts.Config.WalletPassphrase)
	}
	if opts.OpenDB == nil {
		opts.OpenDB = func(path string) (storage.DB, error) {
			return storage.NewBadger(path)
		}
	}
	if opts.KDF.Iterations == 0 {
		opts.KDF = wallet.DefaultKDF()
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker()
	}
	if opts.NetworkBackoff <= 0 {
		opts.NetworkBackoff = DefaultNetworkBackoff
	}
	if opts.StartNetwork == nil {
		opts.StartNetwork = func(ctx context.Context, l *network.Layer) error {
			return l.Start(ctx)
		}
	}
	if opts.Security == nil {
		opts.Security = security.Init
	}
	reg := opts.Registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	s := &Supervisor{
		cfg:             opts.Config,
		opts:            opts,
		logger:          log.Node,
		main:            loop.New("main"),
		registry:        reg,
		bridgeMetrics:   metrics.NewBridgeMetrics(reg),
		apiMetrics:      metrics.NewAPIMetrics(reg),
		chainMetrics:    metrics.NewChainMetrics(reg),
		securityMetrics: metrics.NewSecurityMetrics(reg),
	}
	s.coordinator = NewCoordinator(
		Stage{Name: StageFlag, Run: s.stageFlag},
		Stage{Name: StageSaveState, Run: s.stageSaveState},
		Stage{Name: StageStopNetwork, Run: s.stageStopNetwork},
		Stage{Name: StageStopEngine, Run: s.stageStopEngine},
		Stage{Name: StageCancelTasks, Run: s.stageCancelTasks},
		Stage{Name: StageStopLoop, Run: s.stageStopLoop},
	)
	return s
}

// State returns the lifecycle state.
func (s *Supervisor) State() State { return s.state.get() }

// NodeID returns the libp2p peer ID once the identity is loaded.
func (s *Supervisor) NodeID() string { return s.nodeID }

// Loop returns the main event loop.
func (s *Supervisor) Loop() *loop.Loop { return s.main }

// DegradedReasons lists the non-fatal startup failures.
func (s *Supervisor) DegradedReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.degraded...)
}

// Err returns the error that made startup fail, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

// ShutdownErrors returns the stage errors of the last shutdown.
func (s *Supervisor) ShutdownErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.shutdownErrs...)
}

func (s *Supervisor) markDegraded(reason string, err error) {
	s.logger.Warn().Err(err).Str("component", reason).Msg("Component unavailable; node will run degraded")
	s.mu.Lock()
	s.degraded = append(s.degraded, reason)
	s.mu.Unlock()
}

// Run starts the node on the calling goroutine and blocks until it has shut
// down. It returns the process exit code: 0 after a graceful stop, 1 when
// startup failed. Cancelling ctx, SIGINT and SIGTERM all trigger shutdown.
func (s *Supervisor) Run(ctx context.Context) int {
	if err := s.state.transition(Initializing); err != nil {
		s.logger.Error().Err(err).Msg("Node already started")
		return 1
	}

	stop := RouteSignals(s.RequestShutdown)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			s.RequestShutdown()
		case <-s.main.Done():
		}
	}()

	task, err := s.main.Submit("startup", s.startup)
	if err != nil {
		s.logger.Error().Err(err).Msg("Cannot schedule startup")
		return 1
	}
	s.mu.Lock()
	s.startTask = task
	s.mu.Unlock()

	s.main.Run()
	if !s.main.Wait(ShutdownTimeout) {
		s.logger.Warn().Msg("Main loop tasks still running at exit")
	}
	return int(s.exitCode.Load())
}

// RequestShutdown schedules the shutdown on the main loop without blocking.
func (s *Supervisor) RequestShutdown() {
	_, err := s.main.CallSoon("shutdown", func(ctx context.Context) (any, error) {
		s.shutdown(ctx)
		return nil, nil
	})
	if err != nil && !errors.Is(err, loop.ErrStopped) {
		s.logger.Error().Err(err).Msg("Cannot schedule shutdown")
	}
}

func (s *Supervisor) startup(ctx context.Context) (any, error) {
	err := s.Start(ctx)
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, ErrShuttingDown) || s.State() == ShuttingDown {
		s.logger.Info().Msg("Startup interrupted by shutdown")
		return nil, err
	}
	s.logger.Error().Err(err).Msg("Node startup failed")
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
	s.exitCode.Store(1)
	s.shutdown(ctx)
	return nil, err
}

// Start brings the node up. It runs with the main loop released, so a
// shutdown scheduled meanwhile can interrupt it.
func (s *Supervisor) Start(ctx context.Context) error {
	var err error
	loop.Suspend(ctx, func() {
		err = s.start(ctx)
	})
	return err
}

// checkpoint stops startup once shutdown has begun.
func (s *Supervisor) checkpoint(ctx context.Context) error {
	if s.state.get() == ShuttingDown || ctx.Err() != nil {
		return ErrShuttingDown
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context) error {
	cfg := s.cfg
	if err := cfg.EnsureDataDirs(); err != nil {
		return err
	}

	// Ports.
	neg := &portneg.Negotiator{}
	if cfg.Path() != "" {
		neg.Persist = config.PersistPorts
	}
	if err := neg.Negotiate(cfg); err != nil {
		return fmt.Errorf("negotiate ports: %w", err)
	}

	// Bootstrap peers.
	bootstrap, errs := config.ParseBootstrapNodes(cfg.BootstrapNodes)
	for _, err := range errs {
		log.Config.Warn().Err(err).Msg("Ignoring bootstrap node")
	}

	// Identity.
	priv, id, err := p2p.LoadOrCreateIdentity(cfg.IdentityFile())
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	s.nodeID = id.String()
	s.logger.Info().Str("node_id", s.nodeID).Msg("Node identity loaded")
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	// Engine bridges.
	if err := s.buildEngines(ctx); err != nil {
		return err
	}
	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	if err := s.startEngines(ctx); err != nil {
		return err
	}

	// Security.
	sec, err := s.opts.Security(security.Config{
		DB:        s.store.DB(),
		BackupDir: cfg.BackupDir(),
		KDF:       s.opts.KDF,
		Metrics:   s.securityMetrics,
	})
	if err != nil {
		s.markDegraded("security", err)
	} else {
		s.sec = sec
		if s.passphrase != "" {
			if _, err := sec.BackupWallets(s.store, s.passphrase); err != nil {
				s.markDegraded("key_backup", err)
			}
		}
	}
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	// Network.
	if err := s.startNetwork(ctx, priv, bootstrap); err != nil {
		return err
	}

	// Background tasks.
	s.startBackground(ctx)
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	// Health.
	if !s.opts.Health.Check(ctx, LocalHost, cfg.APIPort) {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		return ErrHealthCheck
	}

	if err := s.state.transition(Running); err != nil {
		return ErrShuttingDown
	}
	cfg.FreezePorts()
	if reasons := s.DegradedReasons(); len(reasons) > 0 {
		if err := s.state.transition(Degraded); err != nil {
			return ErrShuttingDown
		}
		s.logger.Warn().Strs("components", reasons).Msg("Node running in degraded mode")
	}

	s.logger.Info().
		Str("node_id", s.nodeID).
		Int("p2p_port", cfg.P2PPort).
		Int("api_port", cfg.APIPort).
		Int("key_rotation_port", cfg.KeyRotationPort).
		Bool("validator", cfg.Validator).
		Msg("Node started")
	return nil
}

// buildEngines opens the chain database, obtains the passphrase and creates
// the wallet, chain and sync bridges. Nothing runs until startEngines.
func (s *Supervisor) buildEngines(ctx context.Context) error {
	db, err := s.opts.OpenDB(s.cfg.ChainDir())
	if err != nil {
		return fmt.Errorf("open chain database: %w", err)
	}
	s.store = ledger.NewStore(db)

	_, err = s.store.AddressForUser(ledger.NodeUserPrefix + s.nodeID)
	create := errors.Is(err, engine.ErrWalletNotFound)
	if err != nil && !create {
		return fmt.Errorf("look up node wallet: %w", err)
	}
	pass, err := ReadPassphrase(ctx, s.opts.Passphrase, create)
	if err != nil {
		if ctx.Err() != nil {
			return ErrShuttingDown
		}
		return err
	}
	s.passphrase = pass

	ledgerCfg := func(name string) ledger.Config {
		return ledger.Config{
			Store:      s.store,
			NodeID:     s.nodeID,
			Passphrase: pass,
			Difficulty: uint8(s.cfg.MiningDifficulty),
			KDF:        s.opts.KDF,
			Metrics:    s.chainMetrics,
			Name:       name,
		}
	}
	walletBridge := service.NewEngineBridge("wallet", service.LedgerFactory(ledgerCfg("wallet")), service.DegradedWallet, s.bridgeMetrics)
	chainBridge := service.NewEngineBridge("chain", service.LedgerFactory(ledgerCfg("chain")), service.DegradedChain, s.bridgeMetrics)
	syncBridge := service.NewEngineBridge("sync", service.LedgerFactory(ledgerCfg("sync")), nil, s.bridgeMetrics)

	s.bridges = []*service.EngineBridge{walletBridge, chainBridge, syncBridge}
	s.wallets = service.NewWalletService(walletBridge)
	s.chain = service.NewChainService(chainBridge)
	s.syncer = service.NewSyncService(syncBridge, service.SyncConfig{
		Interval:  s.cfg.SyncEvery(),
		Validator: s.cfg.Validator,
		Metrics:   s.chainMetrics,
	})
	return nil
}

// startEngines starts the bridges one after another. The wallet bridge goes
// first so only one ledger creates the node wallet.
//
// A bridge that never becomes ready, or one that fell back to its stand-in
// because the passphrase is wrong, is fatal. Any other fallback leaves the
// node degraded.
func (s *Supervisor) startEngines(ctx context.Context) error {
	for _, b := range s.bridges {
		err := b.WaitReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ErrShuttingDown
			}
			if b == s.syncer.Bridge() {
				s.markDegraded("sync", err)
				continue
			}
			return fmt.Errorf("start %s engine: %w", b.Name(), err)
		}
		if !b.Degraded() {
			continue
		}
		if errors.Is(b.Cause(), engine.ErrInvalidPassphrase) {
			return fmt.Errorf("start %s engine: %w", b.Name(), b.Cause())
		}
		s.markDegraded(b.Name(), b.Cause())
	}
	return nil
}

// startNetwork tries a fresh network layer up to cfg.MaxRetries times, so
// max_retries also sets the number of network start attempts. Zero means
// DefaultNetworkAttempts.
func (s *Supervisor) startNetwork(ctx context.Context, identity libp2pcrypto.PrivKey, bootstrap []config.BootstrapNode) error {
	cfg := s.cfg
	apiCfg := api.Config{
		Addr:      net.JoinHostPort(LocalHost, strconv.Itoa(cfg.APIPort)),
		RateLimit: api.DefaultRateLimit,
		Burst:     api.DefaultBurst,
		Registry:  s.registry,
		Metrics:   s.apiMetrics,
		Info:      s.info,
	}
	if s.sec != nil {
		apiCfg.Security = s.sec
	}
	if cfg.SSL.Enabled {
		bundle, err := certs.Ensure(cfg.CertsDir(), cfg.SSL.CertValidityDays, cfg.SSL.CAValidityDays, time.Now())
		if err != nil {
			return fmt.Errorf("prepare certificates: %w", err)
		}
		tlsCfg, err := bundle.TLSConfig()
		if err != nil {
			return fmt.Errorf("prepare certificates: %w", err)
		}
		apiCfg.TLS = tlsCfg
	}

	netCfg := network.Config{
		P2P: p2p.Config{
			ListenAddr:        P2PListenAddr,
			Port:              cfg.P2PPort,
			Identity:          identity,
			Bootstrap:         bootstrap,
			MaxPeers:          cfg.MaxPeers,
			Discovery:         cfg.PeerDiscoveryEnabled,
			DiscoveryInterval: cfg.DiscoveryEvery(),
			IsolationAfter:    cfg.IsolationAfter(),
			DB:                storage.NewPrefixDB(s.store.DB(), []byte("p2p/")),
			Metrics:           s.chainMetrics,
		},
		API:     apiCfg,
		Sources: s.bridges,
	}

	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = DefaultNetworkAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		layer := network.New(netCfg, s.wallets, s.chain)
		err := s.opts.StartNetwork(ctx, layer)
		if err == nil {
			s.layer.Store(layer)
			return nil
		}
		lastErr = &NetworkStartError{Attempt: attempt, Attempts: attempts, Err: err}
		s.logger.Warn().Err(err).Int("attempt", attempt).Int("max_retries", attempts).Msg("Network layer failed to start")
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(s.opts.NetworkBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ErrShuttingDown
		}
	}
	s.logger.Error().Err(lastErr).Int("max_retries", attempts).Msgf("Network layer failed after %d attempts", attempts)
	return lastErr
}

// startBackground launches key rotation on the main loop and the sync task
// on its bridge. Neither is fatal.
func (s *Supervisor) startBackground(ctx context.Context) {
	cfg := s.cfg
	s.rotation = keyrotation.NewManager(keyrotation.Config{
		NodeID:    s.nodeID,
		Validator: cfg.Validator,
		Interval:  cfg.RotationEvery(),
		Metrics:   s.securityMetrics,
	})
	if _, err := s.main.Submit("key_rotation", func(tctx context.Context) (any, error) {
		return nil, s.rotation.Run(tctx)
	}); err != nil {
		s.markDegraded("key_rotation", err)
	}

	srv := keyrotation.NewServer(net.JoinHostPort(LocalHost, strconv.Itoa(cfg.KeyRotationPort)), s.rotation)
	if err := srv.Start(); err != nil {
		s.logger.Warn().Err(err).Int("port", cfg.KeyRotationPort).Msg("Key rotation endpoint unavailable")
	} else {
		s.rotationSrv = srv
	}

	if s.syncer.Bridge().Ready() {
		if err := s.syncer.Start(ctx); err != nil {
			s.markDegraded("sync", err)
		}
	}
	if addr, err := s.store.AddressForUser(ledger.NodeUserPrefix + s.nodeID); err == nil {
		s.syncer.Track(addr)
	}
}

func (s *Supervisor) info() api.NodeInfo {
	info := api.NodeInfo{
		NodeID:  s.nodeID,
		State:   s.State().String(),
		P2PPort: s.cfg.P2PPort,
		APIPort: s.cfg.APIPort,
		TLS:     s.cfg.SSL.Enabled,
	}
	if l := s.layer.Load(); l != nil {
		info.Peers = l.Node().PeerCount()
	}
	return info
}

// shutdown runs the shutdown plan once. Later calls, and calls before the
// node started initializing, do nothing.
func (s *Supervisor) shutdown(ctx context.Context) {
	if err := s.state.transition(ShuttingDown); err != nil {
		s.logger.Debug().Err(err).Msg("Shutdown already handled")
		return
	}
	s.logger.Info().Msg("Shutting down node")

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	startTask := s.startTask
	s.mu.Unlock()
	if startTask != nil && startTask != loop.Current(ctx) {
		startTask.Cancel()
		if _, err := loop.Await(sctx, startTask); errors.Is(err, context.DeadlineExceeded) && sctx.Err() != nil {
			s.logger.Warn().Msg("Startup did not stop in time")
		}
	}

	errs := s.coordinator.Run(sctx)
	s.mu.Lock()
	s.shutdownErrs = errs
	s.mu.Unlock()
	if len(errs) > 0 {
		s.logger.Warn().Int("failed_stages", len(errs)).Msg("Node shut down with errors")
		return
	}
	s.logger.Info().Msg("Node shut down")
}

func (s *Supervisor) stageFlag(ctx context.Context) error {
	if s.syncer != nil {
		s.syncer.Stop(ctx)
	}
	if s.chain != nil && s.chain.Bridge().Ready() && !s.chain.Bridge().Degraded() {
		if err := s.chain.StopMining(ctx); err != nil && !engine.IsUnavailable(err) {
			s.logger.Debug().Err(err).Msg("Stop mining")
		}
	}
	return nil
}

func (s *Supervisor) stageSaveState(ctx context.Context) error {
	var errs []error
	if s.chain != nil && s.chain.Bridge().Ready() && !s.chain.Bridge().Degraded() {
		if err := s.chain.SaveState(ctx); err != nil {
			errs = append(errs, fmt.Errorf("save chain state: %w", err))
		}
	}
	if s.sec != nil && s.passphrase != "" && s.store != nil {
		if _, err := s.sec.BackupWallets(s.store, s.passphrase); err != nil {
			errs = append(errs, fmt.Errorf("back up wallets: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stageStopNetwork(ctx context.Context) error {
	var errs []error
	if l := s.layer.Load(); l != nil {
		errs = append(errs, l.Stop(ctx))
	}
	if s.rotationSrv != nil {
		errs = append(errs, s.rotationSrv.Stop(ctx))
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stageStopEngine(ctx context.Context) error {
	var errs []error
	for _, b := range s.bridges {
		errs = append(errs, b.StopEngine(ctx))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chain database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stageCancelTasks(ctx context.Context) error {
	if n := s.main.CancelAll(ctx, time.Second); n > 0 {
		s.logger.Warn().Int("tasks", n).Msg("Tasks still running after cancellation")
	}
	return nil
}

func (s *Supervisor) stageStopLoop(ctx context.Context) error {
	for _, b := range s.bridges {
		b.StopLoop()
	}
	if s.rotation != nil {
		s.rotation.Close()
	}
	s.main.Stop()
	return s.state.transition(Stopped)
}
