package truffle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBudget_CountsCalls(t *testing.T) {
	b := NewBudget(BatchSize(5), InterCallDelay(0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if got := b.Calls(); got != 3 {
		t.Errorf("Calls = %d, want 3", got)
	}
}

func TestBudget_Reset(t *testing.T) {
	b := NewBudget(BatchSize(5), InterCallDelay(0))
	ctx := context.Background()

	_ = b.Wait(ctx)
	_ = b.Wait(ctx)
	b.Reset()
	if got := b.Calls(); got != 0 {
		t.Errorf("Calls after Reset = %d, want 0", got)
	}
}

func TestBudget_SleepsOutSpentBatch(t *testing.T) {
	b := NewBudget(BatchSize(2), BatchWait(50*time.Millisecond), InterCallDelay(0))
	ctx := context.Background()

	_ = b.Wait(ctx)
	_ = b.Wait(ctx)

	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("third Wait returned after %v, want >= 50ms", elapsed)
	}
	if got := b.Calls(); got != 1 {
		t.Errorf("Calls in fresh batch = %d, want 1", got)
	}
}

func TestBudget_WaitHonorsContext(t *testing.T) {
	b := NewBudget(BatchSize(1), BatchWait(time.Hour), InterCallDelay(0))
	ctx, cancel := context.WithCancel(context.Background())

	_ = b.Wait(ctx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestBudget_InterCallDelay(t *testing.T) {
	b := NewBudget(BatchSize(10), InterCallDelay(20*time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	_ = b.Wait(ctx)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Wait returned after %v, want >= 20ms", elapsed)
	}
}

func TestBudget_BatchWaitDuration(t *testing.T) {
	b := NewBudget(BatchWait(61 * time.Second))
	if got := b.BatchWaitDuration(); got != 61*time.Second {
		t.Errorf("BatchWaitDuration = %v, want 61s", got)
	}
}
