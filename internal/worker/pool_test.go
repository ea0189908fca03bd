package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func startPool(t *testing.T, workers, queue int) (*Pool, context.CancelFunc) {
	t.Helper()
	pool := NewPool(workers, queue, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return pool, cancel
}

func TestPool_RunsJobs(t *testing.T) {
	pool, _ := startPool(t, 4, 16)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	if ran != 10 {
		t.Errorf("Expected 10 jobs to run, got %d", ran)
	}
}

func TestPool_QueueFull(t *testing.T) {
	// not started, so nothing drains the queue
	pool := NewPool(1, 2, zaptest.NewLogger(t))
	noop := func(context.Context) {}

	for i := 0; i < 2; i++ {
		if err := pool.Submit(noop); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if err := pool.Submit(noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestPool_SurvivesPanics(t *testing.T) {
	pool, _ := startPool(t, 1, 4)

	if err := pool.Submit(func(context.Context) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	if err := pool.Submit(func(context.Context) { close(done) }); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not recover from panic")
	}
}

func TestPool_ClosedAfterRun(t *testing.T) {
	pool := NewPool(1, 1, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if err := pool.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestCall(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		v, err := Call(context.Background(), time.Second, func(ctx context.Context) (string, error) {
			return "ok", nil
		})
		if err != nil || v != "ok" {
			t.Errorf("Expected ok, got %q, %v", v, err)
		}
	})

	t.Run("times out when fn ignores context", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		_, err := Call(context.Background(), 50*time.Millisecond, func(ctx context.Context) (int, error) {
			<-release
			return 1, nil
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Call blocked for %v", elapsed)
		}
	})

	t.Run("converts panics", func(t *testing.T) {
		_, err := Call(context.Background(), time.Second, func(ctx context.Context) (int, error) {
			panic("adapter bug")
		})
		if err == nil {
			t.Error("Expected error from panicking fn")
		}
	})

	t.Run("parent cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Call(ctx, time.Second, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}
