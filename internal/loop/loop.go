// Package loop implements a cooperative event loop.
//
// A Loop accepts units of work from any goroutine through Submit or CallSoon.
// Each task runs on its own goroutine but must hold the loop's execution
// token, so at most one task executes at any instant. A task gives the token
// up only at suspension points: Yield, Sleep, Await and Suspend. Code that
// runs inside a task therefore behaves as if the loop were single-threaded.
//
// Suspension helpers must be called from the task's own goroutine with the
// context the task received.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/internal/log"
)

// inboxSize bounds queued-but-not-launched tasks before CallSoon falls back
// to a helper goroutine.
const inboxSize = 1024

var (
	// ErrStopped is returned for work submitted to, or still queued on, a
	// stopped loop.
	ErrStopped = errors.New("event loop stopped")
	// ErrNoLoop is returned by Spawn when ctx does not belong to a task.
	ErrNoLoop = errors.New("context is not running on an event loop")
)

// PanicError is the error of a task that panicked.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Func is a unit of work. The context is cancelled when the task is
// cancelled or the loop stops.
type Func func(ctx context.Context) (any, error)

// Loop is a cooperative event loop.
type Loop struct {
	name   string
	logger zerolog.Logger

	inbox chan *Task
	token chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
}

// New creates a loop. Nothing executes until Run is called.
func New(name string) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		name:   name,
		logger: log.Loop.With().Str("loop", name).Logger(),
		inbox:  make(chan *Task, inboxSize),
		token:  make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  make(map[uint64]*Task),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Run dispatches submitted tasks until Stop is called. It blocks the calling
// goroutine. Only the first call runs the loop; later calls return at once.
func (l *Loop) Run() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)

	l.logger.Debug().Msg("Event loop running")
	for {
		select {
		case t := <-l.inbox:
			l.launch(t)
		case <-l.ctx.Done():
			l.drain()
			l.logger.Debug().Msg("Event loop stopped")
			return
		}
	}
}

// Stop stops dispatching. Queued tasks finish with ErrStopped and running
// tasks see their context cancelled. Stop is idempotent and does not wait.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		// Never ran: nobody else will close done or drain the inbox.
		if l.started.CompareAndSwap(false, true) {
			l.drain()
			close(l.done)
		}
	})
}

// Done is closed once the dispatcher has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool { return l.ctx.Err() != nil }

// Wait blocks until every launched task goroutine has returned or timeout
// elapses. It reports whether all tasks returned.
func (l *Loop) Wait(timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Submit queues fn to run on the loop and returns its handle. It is safe to
// call from any goroutine. It blocks only while the inbox is full.
func (l *Loop) Submit(name string, fn Func) (*Task, error) {
	if l.Stopped() {
		return nil, ErrStopped
	}
	t := l.newTask(name, fn)
	select {
	case l.inbox <- t:
		if l.Stopped() {
			l.drain()
		}
		return t, nil
	case <-l.ctx.Done():
		l.finish(t, nil, ErrStopped)
		return nil, ErrStopped
	}
}

// CallSoon queues fn without ever blocking the caller. It is the entry point
// for signal handlers.
func (l *Loop) CallSoon(name string, fn Func) (*Task, error) {
	if l.Stopped() {
		return nil, ErrStopped
	}
	t := l.newTask(name, fn)
	select {
	case l.inbox <- t:
		if l.Stopped() {
			l.drain()
		}
	default:
		go func() {
			select {
			case l.inbox <- t:
				if l.Stopped() {
					l.drain()
				}
			case <-l.ctx.Done():
				l.finish(t, nil, ErrStopped)
			}
		}()
	}
	return t, nil
}

// Tasks returns the tasks that have not finished yet.
func (l *Loop) Tasks() []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Task, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, t)
	}
	return out
}

// CancelAll cancels every unfinished task except the one running with ctx
// and waits up to wait for them to finish. It returns how many tasks were
// still running when the wait ended.
func (l *Loop) CancelAll(ctx context.Context, wait time.Duration) int {
	self := Current(ctx)

	var pending []*Task
	for _, t := range l.Tasks() {
		if t == self {
			continue
		}
		t.Cancel()
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return 0
	}
	l.logger.Info().Int("tasks", len(pending)).Msg("Cancelling background tasks")

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	Suspend(ctx, func() {
		for _, t := range pending {
			select {
			case <-t.done:
			case <-deadline.C:
				return
			}
		}
	})

	remaining := 0
	for _, t := range pending {
		select {
		case <-t.done:
		default:
			remaining++
			l.logger.Warn().Str("task", t.name).Msg("Task did not acknowledge cancellation")
		}
	}
	return remaining
}

func (l *Loop) newTask(name string, fn Func) *Task {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.mu.Unlock()

	t := &Task{
		id:   id,
		name: name,
		fn:   fn,
		loop: l,
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.WithValue(l.ctx, taskKey{}, t))
	t.ctx, t.cancel = ctx, cancel

	l.mu.Lock()
	l.tasks[id] = t
	l.mu.Unlock()
	return t
}

func (l *Loop) launch(t *Task) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		if err := t.ctx.Err(); err != nil {
			l.finish(t, nil, err)
			return
		}
		select {
		case l.token <- struct{}{}:
		case <-t.ctx.Done():
			l.finish(t, nil, t.ctx.Err())
			return
		}
		t.holding.Store(true)

		val, err := l.execute(t)

		if t.holding.CompareAndSwap(true, false) {
			<-l.token
		}
		l.finish(t, val, err)
	}()
}

func (l *Loop) execute(t *Task) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Task: t.name, Value: r, Stack: debug.Stack()}
			l.logger.Error().
				Str("task", t.name).
				Interface("panic", r).
				Msg("Task panicked")
			val, err = nil, perr
		}
	}()
	return t.fn(t.ctx)
}

func (l *Loop) finish(t *Task, val any, err error) {
	t.finishOnce.Do(func() {
		t.val, t.err = val, err
		close(t.done)
		t.cancel()

		l.mu.Lock()
		delete(l.tasks, t.id)
		l.mu.Unlock()
	})
}

func (l *Loop) drain() {
	for {
		select {
		case t := <-l.inbox:
			l.finish(t, nil, ErrStopped)
		default:
			return
		}
	}
}
