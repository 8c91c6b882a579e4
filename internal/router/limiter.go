package router

import (
	"context"
	"log/slog"
	"sync"
)

// TaskLimiter throttles background hook tasks with a bounded buffered-
// channel semaphore (default max_pending=8, §5/§11.2): hook work runs off
// the submitting goroutine until every slot is busy, at which point Submit
// blocks, and shutdown gets an orderly cancel-and-wait path.
type TaskLimiter struct {
	name string
	sem  chan struct{}
	log  *slog.Logger

	mu      sync.Mutex
	pending sync.WaitGroup
	count   int
}

// NewTaskLimiter constructs a TaskLimiter with the given name (used only in
// log lines) and maxPending slot count.
func NewTaskLimiter(name string, maxPending int, log *slog.Logger) *TaskLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &TaskLimiter{
		name: name,
		sem:  make(chan struct{}, maxPending),
		log:  log,
	}
}

// Pending reports how many hook tasks are currently in flight.
func (l *TaskLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Submit schedules fn once a slot is available (blocking if the limiter is
// saturated) or returns immediately if ctx is canceled first. Any panic or
// error from fn is logged but never propagated to the caller.
func (l *TaskLimiter) Submit(ctx context.Context, fn func(context.Context) error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	l.mu.Lock()
	l.count++
	l.mu.Unlock()
	l.pending.Add(1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				l.log.Error("hook task panicked", "limiter", l.name, "panic", rec)
			}
			<-l.sem
			l.mu.Lock()
			l.count--
			l.mu.Unlock()
			l.pending.Done()
		}()
		if err := fn(ctx); err != nil {
			l.log.Error("hook task failed", "limiter", l.name, "error", err)
		}
	}()
}

// CancelPending waits for all currently-running hook tasks to finish. It
// does not itself cancel a shared ctx; callers cancel the context passed to
// Submit and then call CancelPending to wait for drain.
func (l *TaskLimiter) CancelPending() {
	l.pending.Wait()
}
