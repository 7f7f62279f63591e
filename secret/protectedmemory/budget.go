package protectedmemory

import (
	"sync"

	"github.com/shieldcrypt/envelope/secret"
)

// budget enforces a ceiling on bytes locked into RAM across every Secret
// created by one Factory. Each Factory made by WithMemoryLimit gets a budget
// of its own; budgets are not shared between factories, so the limit does
// not cover the process as a whole. A Factory with no budget configured is
// unlimited, matching the teacher's original behavior.
type budget struct {
	mu      sync.Mutex
	limit   int
	inUse   int
}

// reserve attempts to account for n additional locked bytes. It fails with
// secret.ErrMemoryLimitExceeded if doing so would exceed the configured
// limit. Call release(n) once the corresponding region is freed.
func (b *budget) reserve(n int) error {
	if b == nil || b.limit <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inUse+n > b.limit {
		return secret.ErrMemoryLimitExceeded
	}

	b.inUse += n

	return nil
}

// release returns n bytes to the budget.
func (b *budget) release(n int) {
	if b == nil || b.limit <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.inUse -= n
	if b.inUse < 0 {
		b.inUse = 0
	}
}

// InUse returns the number of bytes currently accounted for against the
// budget: the sum of the exact sizes Secrets reserved, with no rounding to
// page size. Used by tests and diagnostics; safe to call on a nil budget.
func (b *budget) InUse() int {
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.inUse
}
