package loop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type taskKey struct{}

// Task is the handle of a unit of work submitted to a Loop. Its Done channel
// is the reply channel of a pending call.
type Task struct {
	id   uint64
	name string
	fn   Func
	loop *Loop

	ctx    context.Context
	cancel context.CancelFunc

	// holding is true while the task's goroutine owns the loop token.
	holding atomic.Bool

	finishOnce sync.Once
	done       chan struct{}
	val        any
	err        error
}

// ID returns the task id, unique within its loop.
func (t *Task) ID() uint64 { return t.id }

// Name returns the name given at submission.
func (t *Task) Name() string { return t.name }

// Loop returns the loop the task runs on.
func (t *Task) Loop() *Loop { return t.loop }

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the task's result. It must only be called after Done is
// closed.
func (t *Task) Result() (any, error) { return t.val, t.err }

// Cancel requests cancellation through the task's context. The task decides
// when to honour it.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks the calling goroutine until the task finishes or ctx is done.
// Inside a task use Await instead so the loop is not held.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the task that ctx belongs to, or nil.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// Spawn submits fn to the loop running the task that owns ctx.
func Spawn(ctx context.Context, name string, fn Func) (*Task, error) {
	t := Current(ctx)
	if t == nil {
		return nil, ErrNoLoop
	}
	return t.loop.Submit(name, fn)
}

// Suspend releases the loop token while fn runs, letting other tasks
// execute, and takes it back before returning. Outside a task it just calls
// fn.
func Suspend(ctx context.Context, fn func()) {
	t := Current(ctx)
	if t == nil || !t.holding.CompareAndSwap(true, false) {
		fn()
		return
	}
	<-t.loop.token
	defer func() {
		t.loop.token <- struct{}{}
		t.holding.Store(true)
	}()
	fn()
}

// Yield lets other ready tasks run.
func Yield(ctx context.Context) {
	Suspend(ctx, runtime.Gosched)
}

// Sleep suspends the task for d. It returns ctx.Err() if the context ends
// first.
func Sleep(ctx context.Context, d time.Duration) error {
	var err error
	Suspend(ctx, func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Await waits for other without holding the loop.
func Await(ctx context.Context, other *Task) (any, error) {
	var (
		val any
		err error
	)
	Suspend(ctx, func() {
		val, err = other.Wait(ctx)
	})
	return val, err
}
