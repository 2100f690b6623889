package resilience

import "sync/atomic"

// RetryBudget caps in-flight retries so a struggling backend is not
// hammered by every queued request at once.
type RetryBudget struct {
	tokens atomic.Int64
	max    int64
}

// NewRetryBudget returns a budget of max tokens (50 when max <= 0).
func NewRetryBudget(max int64) *RetryBudget {
	if max <= 0 {
		max = 50
	}
	b := &RetryBudget{max: max}
	b.tokens.Store(max)
	return b
}

// TryAcquire takes a token, reporting false when the budget is spent.
func (b *RetryBudget) TryAcquire() bool {
	for {
		n := b.tokens.Load()
		if n <= 0 {
			return false
		}
		if b.tokens.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Release returns a token. Releasing past the cap is a no-op.
func (b *RetryBudget) Release() {
	for {
		n := b.tokens.Load()
		if n >= b.max {
			return
		}
		if b.tokens.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// Available returns the number of unspent tokens.
func (b *RetryBudget) Available() int64 {
	return b.tokens.Load()
}
