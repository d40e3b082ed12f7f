package infra

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// PeriodicTask runs a callback on a fixed interval in its own goroutine.
// A panic inside one invocation is logged and only that invocation is
// skipped; the task itself stops only through Stop. This gives every
// manager/registry/simulator worker deterministic start/stop/join semantics
// instead of fire-and-forget goroutines.
type PeriodicTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewPeriodicTask creates a stopped task. A non-positive interval defaults
// to one second.
func NewPeriodicTask(name string, interval time.Duration, log *slog.Logger, fn func(ctx context.Context)) *PeriodicTask {
	if interval <= 0 {
		interval = time.Second
	}
	return &PeriodicTask{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      log.With(slog.String("task", name)),
	}
}

// Start launches the worker goroutine. Starting a running task is a no-op.
func (t *PeriodicTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.started = true

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.invoke(ctx)
			}
		}
	}()
}

// Stop signals the worker and waits for the current invocation to finish.
// Stopping a stopped task is a no-op.
func (t *PeriodicTask) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *PeriodicTask) invoke(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("worker invocation panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	t.fn(ctx)
}
