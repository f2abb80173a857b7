package node

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/Klingon-tech/orignode/config"
	"github.com/Klingon-tech/orignode/internal/health"
	"github.com/Klingon-tech/orignode/internal/network"
	"github.com/Klingon-tech/orignode/internal/security"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Uninitialized, Initializing, true},
		{Uninitialized, Running, false},
		{Initializing, Running, true},
		{Initializing, ShuttingDown, true},
		{Initializing, Degraded, false},
		{Running, Degraded, true},
		{Running, ShuttingDown, true},
		{Degraded, Running, false},
		{Degraded, ShuttingDown, true},
		{ShuttingDown, Stopped, true},
		{ShuttingDown, ShuttingDown, false},
		{Stopped, Initializing, false},
	}
	for _, tt := range tests {
		m := &stateMachine{state: tt.from}
		err := m.transition(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok {
			var terr *TransitionError
			if !errors.As(err, &terr) {
				t.Errorf("%s -> %s: got %v, want *TransitionError", tt.from, tt.to, err)
				continue
			}
			if m.get() != tt.from {
				t.Errorf("%s -> %s: state changed to %s", tt.from, tt.to, m.get())
			}
		}
	}
}

func TestStateString(t *testing.T) {
	if got := ShuttingDown.String(); got != "shutting_down" {
		t.Errorf("ShuttingDown = %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("State(42) = %q", got)
	}
}

func TestCoordinator_RunsEveryStageOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	stage := func(name string, fail error) Stage {
		return Stage{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return fail
		}}
	}
	boom := errors.New("boom")
	c := NewCoordinator(
		stage(StageFlag, nil),
		stage(StageSaveState, nil),
		stage(StageStopNetwork, boom),
		stage(StageStopEngine, nil),
		Stage{Name: StageCancelTasks, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, StageCancelTasks)
			mu.Unlock()
			panic("stage crashed")
		}},
		stage(StageStopLoop, nil),
	)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		allErrs []error
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs := c.Run(context.Background())
			errMu.Lock()
			allErrs = append(allErrs, errs...)
			errMu.Unlock()
		}()
	}
	wg.Wait()

	want := []string{StageFlag, StageSaveState, StageStopNetwork, StageStopEngine, StageCancelTasks, StageStopLoop}
	if len(order) != len(want) {
		t.Fatalf("stages ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("stages ran %v, want %v", order, want)
		}
	}

	if len(allErrs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(allErrs), allErrs)
	}
	var serr *ShutdownStageError
	if !errors.As(allErrs[0], &serr) || serr.Stage != StageStopNetwork {
		t.Errorf("first error = %v, want stop_network stage error", allErrs[0])
	}
	if !errors.Is(allErrs[0], boom) {
		t.Errorf("stage error does not wrap cause: %v", allErrs[0])
	}
	if !errors.As(allErrs[1], &serr) || serr.Stage != StageCancelTasks {
		t.Errorf("second error = %v, want cancel_tasks stage error", allErrs[1])
	}
}

func TestRouteSignals_FiresOnce(t *testing.T) {
	var fired atomic.Int32
	stop := RouteSignals(func() { fired.Add(1) })

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("kill: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	stop()
	stop()

	if got := fired.Load(); got != 1 {
		t.Fatalf("trigger fired %d times, want 1", got)
	}
}

func TestConfiguredPassphrase(t *testing.T) {
	got, err := ConfiguredPassphrase("from-env")(true)
	if err != nil || got != "from-env" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestNetworkStartError_Unwrap(t *testing.T) {
	cause := errors.New("address in use")
	err := error(&NetworkStartError{Attempt: 2, Attempts: 3, Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("NetworkStartError does not unwrap")
	}
	if got := err.Error(); got != "network start attempt 2/3: address in use" {
		t.Errorf("Error() = %q", got)
	}
}

// freePorts returns n distinct ports that were free a moment ago.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	var (
		ports []int
		lns   []net.Listener
	)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		lns = append(lns, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range lns {
		ln.Close()
	}
	return ports
}

func testConfig(t *testing.T) *config.NodeConfig {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "network_config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ports := freePorts(t, 3)
	cfg.P2PPort, cfg.APIPort, cfg.KeyRotationPort = ports[0], ports[1], ports[2]
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.PeerDiscoveryEnabled = false
	cfg.MiningDifficulty = 4
	cfg.SSL.Enabled = true
	return cfg
}

func testOptions(cfg *config.NodeConfig, db storage.DB, pass PassphraseFunc) Options {
	return Options{
		Config:     cfg,
		Passphrase: pass,
		OpenDB:     func(string) (storage.DB, error) { return db, nil },
		KDF:        wallet.LightKDF(),
		Health: &health.Checker{
			Retries: 20,
			Delay:   100 * time.Millisecond,
			Timeout: 2 * time.Second,
			Path:    health.DefaultPath,
		},
		NetworkBackoff: 10 * time.Millisecond,
	}
}

func waitExit(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(60 * time.Second):
		t.Fatal("node did not exit")
		return -1
	}
}

func TestSupervisor_StartAndGracefulStop(t *testing.T) {
	cfg := testConfig(t)
	db := storage.NewMemory()
	var created atomic.Bool
	sup := New(testOptions(cfg, db, func(create bool) (string, error) {
		created.Store(create)
		return "correct horse", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if st := sup.State(); st == Running || st == Degraded {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if st := sup.State(); st != Running {
		t.Fatalf("state = %s, degraded by %v", st, sup.DegradedReasons())
	}
	if !created.Load() {
		t.Error("passphrase was not requested for a new wallet")
	}
	if sup.NodeID() == "" {
		t.Error("node id not set")
	}

	layer := sup.layer.Load()
	if layer == nil {
		t.Fatal("network layer not stored")
	}
	for _, b := range sup.bridges {
		if !slices.Contains(layer.Sources(), b) {
			t.Errorf("%s bridge events are not gossiped", b.Name())
		}
	}
	if !slices.Contains(layer.Sources(), sup.wallets.Bridge()) {
		t.Error("wallet bridge events are not gossiped")
	}

	backups, err := os.ReadDir(cfg.BackupDir())
	if err != nil || len(backups) == 0 {
		t.Errorf("no startup key backup in %s: %v", cfg.BackupDir(), err)
	}
	if err := cfg.SetPort(config.APIPort, cfg.APIPort+1); !errors.Is(err, config.ErrPortsFrozen) {
		t.Errorf("SetPort after start = %v, want ErrPortsFrozen", err)
	}

	cancel()
	if code := waitExit(t, done); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if st := sup.State(); st != Stopped {
		t.Fatalf("state after shutdown = %s", st)
	}
	// The shutdown requested twice is a no-op.
	sup.RequestShutdown()
}

func TestSupervisor_WrongPassphraseIsFatal(t *testing.T) {
	cfg := testConfig(t)
	db := storage.NewMemory()

	first := New(testOptions(cfg, db, func(bool) (string, error) { return "right", nil }))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- first.Run(ctx) }()
	deadline := time.Now().Add(60 * time.Second)
	for first.State() != Running && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if code := waitExit(t, done); code != 0 {
		t.Fatalf("first run exit code = %d", code)
	}

	// Same data dir, same identity, same database: the wallet now exists.
	again, err := config.Load(cfg.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	again.DataDir = cfg.DataDir
	again.PeerDiscoveryEnabled = false
	ports := freePorts(t, 3)
	again.P2PPort, again.APIPort, again.KeyRotationPort = ports[0], ports[1], ports[2]

	var created atomic.Bool
	created.Store(true)
	second := New(testOptions(again, db, func(create bool) (string, error) {
		created.Store(create)
		return "wrong", nil
	}))
	done2 := make(chan int, 1)
	go func() { done2 <- second.Run(context.Background()) }()
	if code := waitExit(t, done2); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if created.Load() {
		t.Error("existing wallet was treated as new")
	}
	if st := second.State(); st != Stopped {
		t.Errorf("state = %s, want stopped", st)
	}
}

func TestSupervisor_PassphraseErrorIsFatal(t *testing.T) {
	cfg := testConfig(t)
	sup := New(testOptions(cfg, storage.NewMemory(), func(bool) (string, error) {
		return "", ErrNoPassphrase
	}))
	done := make(chan int, 1)
	go func() { done <- sup.Run(context.Background()) }()
	if code := waitExit(t, done); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func waitState(t *testing.T, sup *Supervisor, states ...State) State {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for {
		st := sup.State()
		if slices.Contains(states, st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want one of %v", st, states)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func fixedPassphrase(bool) (string, error) { return "correct horse", nil }

func TestReadPassphrase_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocked := func(bool) (string, error) {
		<-release
		return "late", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	pass, err := ReadPassphrase(ctx, blocked, false)
	if !errors.Is(err, context.DeadlineExceeded) || pass != "" {
		t.Fatalf("ReadPassphrase() = %q, %v; want deadline exceeded", pass, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ReadPassphrase() returned after %s", elapsed)
	}

	if pass, err := ReadPassphrase(context.Background(), fixedPassphrase, true); err != nil || pass != "correct horse" {
		t.Errorf("ReadPassphrase() = %q, %v", pass, err)
	}
}

func TestSupervisor_ShutdownDuringPassphrasePrompt(t *testing.T) {
	cfg := testConfig(t)
	prompted := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	sup := New(testOptions(cfg, storage.NewMemory(), func(bool) (string, error) {
		close(prompted)
		<-release
		return "too late", nil
	}))

	done := make(chan int, 1)
	go func() { done <- sup.Run(context.Background()) }()
	select {
	case <-prompted:
	case <-time.After(30 * time.Second):
		t.Fatal("passphrase never requested")
	}

	start := time.Now()
	sup.RequestShutdown()
	if code := waitExit(t, done); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("shutdown took %s while the prompt was open", elapsed)
	}
	if st := sup.State(); st != Stopped {
		t.Errorf("state = %s, want stopped", st)
	}
	if len(sup.bridges) != 0 {
		t.Error("engines were built after shutdown began")
	}
}

func TestSupervisor_NetworkStartFailsAfterRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 3
	opts := testOptions(cfg, storage.NewMemory(), fixedPassphrase)
	opts.NetworkBackoff = 50 * time.Millisecond

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	bindErr := errors.New("address already in use")
	opts.StartNetwork = func(ctx context.Context, l *network.Layer) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return bindErr
	}
	sup := New(opts)

	done := make(chan int, 1)
	go func() { done <- sup.Run(context.Background()) }()
	if code := waitExit(t, done); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	var nerr *NetworkStartError
	if !errors.As(sup.Err(), &nerr) {
		t.Fatalf("Err() = %v, want *NetworkStartError", sup.Err())
	}
	if nerr.Attempt != 3 || nerr.Attempts != 3 || !errors.Is(nerr, bindErr) {
		t.Errorf("NetworkStartError = %+v", nerr)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("network started %d times, want 3", len(attempts))
	}
	for i := 1; i < len(attempts); i++ {
		if gap := attempts[i].Sub(attempts[i-1]); gap < opts.NetworkBackoff {
			t.Errorf("attempt %d followed after %s, want at least %s", i+1, gap, opts.NetworkBackoff)
		}
	}
	if st := sup.State(); st != Stopped {
		t.Errorf("state = %s, want stopped", st)
	}
}

func TestSupervisor_HealthCheckFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	opts := testOptions(cfg, storage.NewMemory(), fixedPassphrase)
	opts.Health = &health.Checker{
		Retries: 2,
		Delay:   10 * time.Millisecond,
		Timeout: time.Second,
		Path:    "/no-such-endpoint",
	}
	sup := New(opts)

	done := make(chan int, 1)
	go func() { done <- sup.Run(context.Background()) }()
	if code := waitExit(t, done); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !errors.Is(sup.Err(), ErrHealthCheck) {
		t.Errorf("Err() = %v, want ErrHealthCheck", sup.Err())
	}
	if st := sup.State(); st != Stopped {
		t.Errorf("state = %s, want stopped", st)
	}
}

func TestSupervisor_SecurityFailureDegrades(t *testing.T) {
	cfg := testConfig(t)
	opts := testOptions(cfg, storage.NewMemory(), fixedPassphrase)
	opts.Security = func(security.Config) (*security.Subsystem, error) {
		return nil, errors.New("backup directory not writable")
	}
	sup := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() { done <- sup.Run(ctx) }()

	if st := waitState(t, sup, Running, Degraded, Stopped); st != Degraded {
		t.Fatalf("state = %s, want degraded", st)
	}
	if reasons := sup.DegradedReasons(); !slices.Contains(reasons, "security") {
		t.Errorf("degraded reasons = %v, want security", reasons)
	}

	cancel()
	if code := waitExit(t, done); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

// closeFailDB fails Close and otherwise behaves like the wrapped database.
type closeFailDB struct {
	storage.DB
	err error
}

func (d *closeFailDB) Close() error { return d.err }

func TestSupervisor_ShutdownContinuesPastFailedStage(t *testing.T) {
	cfg := testConfig(t)
	closeErr := errors.New("flush failed")
	db := &closeFailDB{DB: storage.NewMemory(), err: closeErr}
	sup := New(testOptions(cfg, db, fixedPassphrase))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() { done <- sup.Run(ctx) }()
	if st := waitState(t, sup, Running, Degraded, Stopped); st != Running {
		t.Fatalf("state = %s, degraded by %v", st, sup.DegradedReasons())
	}

	cancel()
	if code := waitExit(t, done); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	var engineErr error
	for _, err := range sup.ShutdownErrors() {
		var serr *ShutdownStageError
		if errors.As(err, &serr) && serr.Stage == StageStopEngine {
			engineErr = err
		}
	}
	if !errors.Is(engineErr, closeErr) {
		t.Fatalf("shutdown errors = %v, want a stop_engine failure wrapping %v", sup.ShutdownErrors(), closeErr)
	}
	// The stages after stop_engine still ran.
	if st := sup.State(); st != Stopped {
		t.Errorf("state = %s, want stopped", st)
	}
	if !sup.Loop().Stopped() {
		t.Error("main loop still running")
	}
}
