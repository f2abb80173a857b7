// Package bridge lets any goroutine drive an engine that lives on its own
// cooperative event loop.
//
// A Bridge owns one worker: an event loop running on a dedicated goroutine
// and the engine built inside it. The worker is started lazily by the first
// call and never recreated. Callers block only themselves, first until the
// worker is ready and then until their operation finishes or times out. A
// timed-out operation is not cancelled.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/internal/metrics"
)

// DefaultStartTimeout bounds how long callers wait for the worker to become
// ready.
const DefaultStartTimeout = 30 * time.Second

// Factory builds the engine. It runs as the first task on the worker loop.
type Factory[E any] func(ctx context.Context) (E, error)

// Config tunes a bridge.
type Config[E any] struct {
	// StartTimeout defaults to DefaultStartTimeout.
	StartTimeout time.Duration
	// Degraded, when set, supplies a stand-in engine if Factory fails. The
	// bridge then becomes ready and serves the stand-in. Without it a failed
	// factory makes every call return *engine.UnavailableError.
	Degraded func(cause error) E
	// Close shuts the engine down from inside the loop during StopEngine.
	Close func(ctx context.Context, e E) error
	// Metrics may be nil.
	Metrics *metrics.BridgeMetrics
}

// Bridge is a lazily started worker loop owning one engine.
type Bridge[E any] struct {
	name    string
	factory Factory[E]
	cfg     Config[E]
	logger  zerolog.Logger

	mu     sync.Mutex
	handle atomic.Pointer[worker[E]]
	starts atomic.Int32
}

// worker is the handle of a started bridge.
type worker[E any] struct {
	loop   *loop.Loop
	ready  chan struct{}
	failed chan struct{}
	engine E

	mu       sync.Mutex
	cause    error
	degraded bool
}

func (w *worker[E]) setCause(err error) {
	w.mu.Lock()
	w.cause = err
	w.mu.Unlock()
}

func (w *worker[E]) getCause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}

// New creates a bridge. No goroutine is started until the first call.
func New[E any](name string, factory Factory[E], cfg Config[E]) *Bridge[E] {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	return &Bridge[E]{
		name:    name,
		factory: factory,
		cfg:     cfg,
		logger:  log.Bridge.With().Str("bridge", name).Logger(),
	}
}

// Name returns the bridge name.
func (b *Bridge[E]) Name() string { return b.name }

// Starts returns how many workers were started. It never exceeds 1.
func (b *Bridge[E]) Starts() int { return int(b.starts.Load()) }

// Started reports whether the worker has been started.
func (b *Bridge[E]) Started() bool { return b.handle.Load() != nil }

// Ready reports whether the worker finished initialization.
func (b *Bridge[E]) Ready() bool {
	w := b.handle.Load()
	if w == nil {
		return false
	}
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// Degraded reports whether the bridge is serving its stand-in engine.
func (b *Bridge[E]) Degraded() bool {
	w := b.handle.Load()
	if w == nil || !b.Ready() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Cause returns why the engine could not be built, or nil.
func (b *Bridge[E]) Cause() error {
	w := b.handle.Load()
	if w == nil {
		return nil
	}
	return w.getCause()
}

// Start starts the worker if needed. Concurrent first callers race on the
// mutex; only the winner creates the worker.
func (b *Bridge[E]) Start() {
	b.start()
}

func (b *Bridge[E]) start() *worker[E] {
	if w := b.handle.Load(); w != nil {
		return w
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if w := b.handle.Load(); w != nil {
		return w
	}

	w := &worker[E]{
		loop:   loop.New(b.name),
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}
	b.starts.Add(1)
	b.cfg.Metrics.WorkerStarted(b.name)
	b.handle.Store(w)

	go b.run(w)
	b.logger.Debug().Msg("Worker started")
	return w
}

// run is the worker goroutine: it queues initialization and then runs the
// loop until StopLoop.
func (b *Bridge[E]) run(w *worker[E]) {
	_, err := w.loop.Submit("init", func(ctx context.Context) (any, error) {
		b.initialize(ctx, w)
		return nil, nil
	})
	if err != nil {
		w.setCause(err)
		return
	}
	w.loop.Run()
}

func (b *Bridge[E]) initialize(ctx context.Context, w *worker[E]) {
	defer func() {
		if r := recover(); r != nil {
			// A crashed worker never becomes ready and is not restarted.
			w.setCause(fmt.Errorf("panic: %v", r))
			b.logger.Error().Interface("panic", r).Msg("Worker crashed during initialization; bridge unavailable until restart")
			w.loop.Stop()
		}
	}()

	e, err := b.factory(ctx)
	if err != nil {
		w.setCause(err)
		if b.cfg.Degraded == nil {
			b.logger.Error().Err(err).Msg("Engine construction failed")
			close(w.failed)
			return
		}
		b.logger.Warn().Err(err).Msg("Engine construction failed; serving degraded engine")
		e = b.cfg.Degraded(err)
		w.mu.Lock()
		w.degraded = true
		w.mu.Unlock()
	}
	w.engine = e
	close(w.ready)
	b.cfg.Metrics.SetReady(b.name, true)
	b.logger.Info().Msg("Bridge ready")
}

// WaitReady starts the worker if needed and blocks until it is ready, the
// start timeout elapses, or ctx is done.
func (b *Bridge[E]) WaitReady(ctx context.Context) error {
	_, err := b.waitReady(ctx, b.start())
	return err
}

func (b *Bridge[E]) waitReady(ctx context.Context, w *worker[E]) (*worker[E], error) {
	select {
	case <-w.ready:
		return w, nil
	default:
	}

	timer := time.NewTimer(b.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-w.ready:
		return w, nil
	case <-w.failed:
		return nil, &engine.UnavailableError{Reason: b.name + " engine could not be constructed", Err: w.getCause()}
	case <-timer.C:
		err := &InitializationTimeout{Bridge: b.name, Timeout: b.cfg.StartTimeout, Cause: w.getCause()}
		b.logger.Error().Err(err).Msg("Bridge not ready")
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call runs fn against the bridge's engine inside the worker loop and waits
// up to timeout for the result.
//
// Errors: *InitializationTimeout if the worker never became ready,
// *engine.UnavailableError if the engine could not be built,
// *CallTimeoutError if fn did not finish in time (fn keeps running), and
// *EngineOperationError wrapping whatever fn returned or panicked with.
func Call[E, T any](ctx context.Context, b *Bridge[E], op string, timeout time.Duration, fn func(ctx context.Context, e E) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	w, err := b.waitReady(ctx, b.start())
	if err != nil {
		outcome := metrics.OutcomeNotReady
		if engine.IsUnavailable(err) {
			outcome = metrics.OutcomeUnavailable
		}
		b.cfg.Metrics.ObserveCall(b.name, op, outcome, time.Since(start))
		return zero, err
	}

	task, err := w.loop.Submit(op, func(tctx context.Context) (any, error) {
		return fn(tctx, w.engine)
	})
	if err != nil {
		b.cfg.Metrics.ObserveCall(b.name, op, metrics.OutcomeError, time.Since(start))
		return zero, &EngineOperationError{Bridge: b.name, Op: op, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-task.Done():
		val, err := task.Result()
		if err != nil {
			outcome := metrics.OutcomeError
			if engine.IsUnavailable(err) {
				outcome = metrics.OutcomeUnavailable
			}
			b.cfg.Metrics.ObserveCall(b.name, op, outcome, time.Since(start))
			b.logger.Warn().Err(err).Str("op", op).Msg("Operation failed")
			return zero, &EngineOperationError{Bridge: b.name, Op: op, Err: err}
		}
		b.cfg.Metrics.ObserveCall(b.name, op, metrics.OutcomeOK, time.Since(start))
		if val == nil {
			return zero, nil
		}
		return val.(T), nil
	case <-timer.C:
		b.cfg.Metrics.ObserveCall(b.name, op, metrics.OutcomeTimeout, time.Since(start))
		b.logger.Warn().Str("op", op).Dur("timeout", timeout).Msg("Operation timed out; it keeps running in the worker loop")
		return zero, &CallTimeoutError{Bridge: b.name, Op: op, Timeout: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Go runs fn as a background task on the worker loop once the engine is
// ready. The task is cancelled by StopLoop.
func (b *Bridge[E]) Go(ctx context.Context, name string, fn func(ctx context.Context, e E) error) (*loop.Task, error) {
	w, err := b.waitReady(ctx, b.start())
	if err != nil {
		return nil, err
	}
	return w.loop.Submit(name, func(tctx context.Context) (any, error) {
		return nil, fn(tctx, w.engine)
	})
}

// StopEngine runs the configured Close inside the worker loop. It is a no-op
// for a bridge that never started or never became ready.
func (b *Bridge[E]) StopEngine(ctx context.Context) error {
	w := b.handle.Load()
	if w == nil || !b.Ready() || b.cfg.Close == nil {
		return nil
	}
	task, err := w.loop.Submit("shutdown", func(tctx context.Context) (any, error) {
		return nil, b.cfg.Close(tctx, w.engine)
	})
	if err != nil {
		if errors.Is(err, loop.ErrStopped) {
			return nil
		}
		return err
	}
	if _, err := task.Wait(ctx); err != nil {
		return fmt.Errorf("stop %s engine: %w", b.name, err)
	}
	return nil
}

// StopLoop stops the worker loop. Later calls fail with loop.ErrStopped
// wrapped in *EngineOperationError.
func (b *Bridge[E]) StopLoop() {
	w := b.handle.Load()
	if w == nil {
		return
	}
	w.loop.Stop()
	b.cfg.Metrics.SetReady(b.name, false)
}
