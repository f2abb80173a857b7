package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(t.Name())
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func waitTask(t *testing.T, task *Task) (any, error) {
	t.Helper()
	select {
	case <-task.Done():
		return task.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", task.Name())
		return nil, nil
	}
}

func TestSubmit_ReturnsResult(t *testing.T) {
	l := startLoop(t)

	task, err := l.Submit("answer", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	val, err := waitTask(t, task)
	if err != nil {
		t.Fatalf("task error: %v", err)
	}
	if val.(int) != 42 {
		t.Errorf("result = %v, want 42", val)
	}
	if Current(context.Background()) != nil {
		t.Error("Current() outside a task should be nil")
	}
}

func TestSubmit_OneTaskAtATime(t *testing.T) {
	l := startLoop(t)

	var active, maxActive int32
	var tasks []*Task
	for i := 0; i < 20; i++ {
		task, err := l.Submit("work", func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			Yield(ctx)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		waitTask(t, task)
	}
	if maxActive != 1 {
		t.Errorf("max concurrently executing tasks = %d, want 1", maxActive)
	}
}

func TestSleep_ReleasesLoop(t *testing.T) {
	l := startLoop(t)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	slow, _ := l.Submit("slow", func(ctx context.Context) (any, error) {
		if err := Sleep(ctx, 200*time.Millisecond); err != nil {
			return nil, err
		}
		record("slow")
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)
	fast, _ := l.Submit("fast", func(ctx context.Context) (any, error) {
		record("fast")
		return nil, nil
	})

	waitTask(t, fast)
	waitTask(t, slow)

	if len(order) != 2 || order[0] != "fast" || order[1] != "slow" {
		t.Errorf("order = %v, want [fast slow]", order)
	}
}

func TestPanic_IsRecovered(t *testing.T) {
	l := startLoop(t)

	bad, _ := l.Submit("bad", func(ctx context.Context) (any, error) {
		panic("boom")
	})
	_, err := waitTask(t, bad)
	var perr *PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *PanicError", err)
	}
	if perr.Value != "boom" || perr.Task != "bad" {
		t.Errorf("PanicError = %+v", perr)
	}

	good, err := l.Submit("good", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Submit() after panic: %v", err)
	}
	if val, _ := waitTask(t, good); val != "ok" {
		t.Errorf("loop unusable after panic, got %v", val)
	}
}

func TestCancelAll_SkipsCaller(t *testing.T) {
	l := startLoop(t)

	var sleepers []*Task
	for i := 0; i < 3; i++ {
		task, _ := l.Submit("sleeper", func(ctx context.Context) (any, error) {
			return nil, Sleep(ctx, time.Hour)
		})
		sleepers = append(sleepers, task)
	}
	time.Sleep(20 * time.Millisecond)

	stopper, _ := l.Submit("stopper", func(ctx context.Context) (any, error) {
		remaining := l.CancelAll(ctx, time.Second)
		return remaining, ctx.Err()
	})
	val, err := waitTask(t, stopper)
	if err != nil {
		t.Fatalf("stopper cancelled itself: %v", err)
	}
	if val.(int) != 0 {
		t.Errorf("remaining = %v, want 0", val)
	}
	for _, s := range sleepers {
		if _, err := waitTask(t, s); !errors.Is(err, context.Canceled) {
			t.Errorf("sleeper error = %v, want context.Canceled", err)
		}
	}
	if n := len(l.Tasks()); n != 0 {
		t.Errorf("Tasks() = %d after CancelAll, want 0", n)
	}
}

func TestCancelAll_StubbornTaskTimesOut(t *testing.T) {
	l := startLoop(t)

	release := make(chan struct{})
	defer close(release)
	l.Submit("stubborn", func(ctx context.Context) (any, error) {
		Suspend(ctx, func() { <-release })
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	stopper, _ := l.Submit("stopper", func(ctx context.Context) (any, error) {
		return l.CancelAll(ctx, 100*time.Millisecond), nil
	})
	val, _ := waitTask(t, stopper)
	if val.(int) != 1 {
		t.Errorf("remaining = %v, want 1", val)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("CancelAll waited %v, want about 100ms", elapsed)
	}
}

func TestStop(t *testing.T) {
	l := New("stop")
	go l.Run()

	blocker, _ := l.Submit("blocker", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	time.Sleep(20 * time.Millisecond)

	l.Stop()
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after Stop()")
	}
	if _, err := waitTask(t, blocker); !errors.Is(err, context.Canceled) {
		t.Errorf("running task error = %v, want context.Canceled", err)
	}
	if _, err := l.Submit("late", func(ctx context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after Stop = %v, want ErrStopped", err)
	}
	if !l.Wait(time.Second) {
		t.Error("Wait() timed out")
	}
}

func TestStop_BeforeRun(t *testing.T) {
	l := New("never")
	queued, err := l.Submit("queued", func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	l.Stop()

	select {
	case <-l.Done():
	default:
		t.Fatal("Done() should be closed when stopped before Run")
	}
	if _, err := waitTask(t, queued); !errors.Is(err, ErrStopped) {
		t.Errorf("queued task error = %v, want ErrStopped", err)
	}
	l.Run()
}

func TestCallSoonAndSpawn(t *testing.T) {
	l := startLoop(t)

	childDone := make(chan string, 1)
	parent, err := l.CallSoon("parent", func(ctx context.Context) (any, error) {
		child, err := Spawn(ctx, "child", func(ctx context.Context) (any, error) {
			return "child-result", nil
		})
		if err != nil {
			return nil, err
		}
		val, err := Await(ctx, child)
		if err != nil {
			return nil, err
		}
		childDone <- val.(string)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("CallSoon() error: %v", err)
	}
	if _, err := waitTask(t, parent); err != nil {
		t.Fatalf("parent error: %v", err)
	}
	if got := <-childDone; got != "child-result" {
		t.Errorf("child result = %q", got)
	}

	if _, err := Spawn(context.Background(), "orphan", nil); !errors.Is(err, ErrNoLoop) {
		t.Errorf("Spawn() outside loop = %v, want ErrNoLoop", err)
	}
}
