package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTaskAndDrainsSlot(t *testing.T) {
	l := NewTaskLimiter("test", 2, nil)
	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	l.Submit(context.Background(), func(context.Context) error {
		defer wg.Done()
		ran.Store(true)
		return nil
	})
	wg.Wait()
	assert.True(t, ran.Load())

	l.CancelPending()
	assert.Equal(t, 0, l.Pending())
}

func TestSubmitBlocksWhenSaturated(t *testing.T) {
	l := NewTaskLimiter("test", 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	l.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	submitted := make(chan struct{})
	go func() {
		l.Submit(context.Background(), func(context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second Submit should have blocked while the limiter is saturated")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second Submit never unblocked after the slot freed")
	}
	l.CancelPending()
}

func TestSubmitRespectsContextCancellationWhenSaturated(t *testing.T) {
	l := NewTaskLimiter("test", 1, nil)
	release := make(chan struct{})
	l.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		l.Submit(ctx, func(context.Context) error { ran.Store(true); return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit did not return promptly on a canceled context")
	}
	assert.False(t, ran.Load())
	close(release)
	l.CancelPending()
}

func TestSubmitErrorIsLoggedNotPropagated(t *testing.T) {
	l := NewTaskLimiter("test", 1, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	l.Submit(context.Background(), func(context.Context) error {
		defer wg.Done()
		return errors.New("boom")
	})
	wg.Wait()
	l.CancelPending()
	require.Equal(t, 0, l.Pending())
}
