package truffle

import (
	"context"
	"sync"
	"time"
)

// Budget is a batch-window rate budget for chat API calls: at most
// batchSize calls per batchWait window, with a small fixed delay before
// every call. When the batch is spent, Wait sleeps out the window and
// starts a fresh batch. Safe for concurrent use; Reset starts a fresh
// batch early (callers do this between logical operations, e.g. per
// channel).
type Budget struct {
	mu        sync.Mutex
	batchSize int
	batchWait time.Duration
	interCall time.Duration
	calls     int
}

// BudgetOption configures a Budget.
type BudgetOption func(*Budget)

// BatchSize sets the number of calls allowed per window (default: 50).
func BatchSize(n int) BudgetOption {
	return func(b *Budget) { b.batchSize = n }
}

// BatchWait sets the window length slept when the batch is spent
// (default: 61s, one second over the server's rolling minute).
func BatchWait(d time.Duration) BudgetOption {
	return func(b *Budget) { b.batchWait = d }
}

// InterCallDelay sets the fixed pause before every call (default: 100ms).
func InterCallDelay(d time.Duration) BudgetOption {
	return func(b *Budget) { b.interCall = d }
}

// NewBudget creates a Budget with the default batch window.
func NewBudget(opts ...BudgetOption) *Budget {
	b := &Budget{
		batchSize: 50,
		batchWait: 61 * time.Second,
		interCall: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wait blocks until the budget allows the next call, then counts it.
// Returns ctx.Err() if the context is cancelled while waiting.
func (b *Budget) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.calls < b.batchSize {
			b.calls++
			b.mu.Unlock()
			return sleepContext(ctx, b.interCall)
		}
		wait := b.batchWait
		b.mu.Unlock()

		// The lock is not held while sleeping; whichever waiter wakes
		// first resets the batch for everyone.
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
		b.mu.Lock()
		if b.calls >= b.batchSize {
			b.calls = 0
		}
		b.mu.Unlock()
	}
}

// Reset starts a fresh batch immediately.
func (b *Budget) Reset() {
	b.mu.Lock()
	b.calls = 0
	b.mu.Unlock()
}

// Calls returns the number of calls counted in the current batch.
func (b *Budget) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// BatchWaitDuration returns the configured window length. The scheduler
// uses it as the pre-wait before burst-triggered channel imports.
func (b *Budget) BatchWaitDuration() time.Duration {
	return b.batchWait
}
