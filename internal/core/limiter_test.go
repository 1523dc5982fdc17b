package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOperationLimiter_AcquireRelease(t *testing.T) {
	limiter := NewOperationLimiter(2, time.Second)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "save"); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := limiter.Acquire(ctx, "commit"); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	status := limiter.Status()
	if status.Active != 2 || status.Available != 0 {
		t.Errorf("Status = %+v, want 2 active, 0 available", status)
	}
	if status.ByOperation["save"] != 1 || status.ByOperation["commit"] != 1 {
		t.Errorf("ByOperation = %v", status.ByOperation)
	}

	limiter.Release("save")
	limiter.Release("commit")

	if got := limiter.ActiveCount(); got != 0 {
		t.Errorf("after Release, ActiveCount = %d, want 0", got)
	}
	if got := limiter.Status().ByOperation; len(got) != 0 {
		t.Errorf("after Release, ByOperation = %v, want empty", got)
	}
}

func TestOperationLimiter_RejectsWhenFull(t *testing.T) {
	limiter := NewOperationLimiter(1, 50*time.Millisecond)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "save"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer limiter.Release("save")

	start := time.Now()
	err := limiter.Acquire(ctx, "export")
	if !errors.Is(err, ErrTooManyOperations) {
		t.Fatalf("Acquire() error = %v, want ErrTooManyOperations", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("gave up after %v, want about 50ms", elapsed)
	}
	if got := MapError(err).Code; got != "OPS001" {
		t.Errorf("MapError code = %s, want OPS001", got)
	}

	if limiter.TryAcquire("export") {
		t.Error("TryAcquire succeeded on a full limiter")
	}
}

func TestOperationLimiter_ContextCancellation(t *testing.T) {
	limiter := NewOperationLimiter(1, 5*time.Second)
	if !limiter.TryAcquire("checkout") {
		t.Fatal("TryAcquire failed on an empty limiter")
	}
	defer limiter.Release("checkout")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- limiter.Acquire(ctx, "save") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}
}

func TestOperationLimiter_NeverExceedsMax(t *testing.T) {
	const maxConcurrent = 3
	limiter := NewOperationLimiter(maxConcurrent, time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background(), "save"); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer limiter.Release("save")

			mu.Lock()
			if n := limiter.ActiveCount(); n > maxObserved {
				maxObserved = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	if maxObserved > maxConcurrent {
		t.Errorf("observed %d concurrent operations, max %d", maxObserved, maxConcurrent)
	}
}

func TestOperationLimiter_WaitForDrain(t *testing.T) {
	limiter := NewOperationLimiter(2, time.Second)
	if !limiter.TryAcquire("save") {
		t.Fatal("TryAcquire failed")
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		limiter.Release("save")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := limiter.WaitForDrain(ctx); err != nil {
		t.Fatalf("WaitForDrain() error = %v", err)
	}

	if !limiter.TryAcquire("save") {
		t.Fatal("TryAcquire failed")
	}
	defer limiter.Release("save")
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := limiter.WaitForDrain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForDrain() with busy slot error = %v, want DeadlineExceeded", err)
	}
}
