// Package writeback implements the dirty-byte credit accounting of
// spec.md §4.10: a bounded budget of outstanding dirty bytes that a
// writer borrows against before proceeding, so writers are throttled
// instead of letting dirty data grow without bound between
// transaction-group flushes. The IDML, Tree and Database do not borrow
// from it; only callers that use it directly are bounded.
package writeback

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/bfffs/bfffs/bfffserr"
)

// Credit is a borrowed allotment of dirty-byte budget. The zero value is
// the null credit (nothing borrowed), matching ddml.Credit's "always
// null" assertion in DDML.Repay.
type Credit struct {
	bytes int64
}

// Bytes reports how many bytes this credit represents.
func (c Credit) Bytes() int64 { return c.bytes }

// IsNull reports whether c represents zero borrowed bytes.
func (c Credit) IsNull() bool { return c.bytes == 0 }

// WriteBack is a weighted semaphore bounding total outstanding dirty
// bytes across every filesystem tree in the Forest (spec.md §4.10). It
// is the mechanism that turns "too much dirty data" into backpressure on
// writers rather than unbounded memory growth between transaction-group
// flushes.
type WriteBack struct {
	sem   *semaphore.Weighted
	limit int64
}

// New creates a WriteBack bounded at limitBytes outstanding dirty bytes.
func New(limitBytes int64) *WriteBack {
	return &WriteBack{sem: semaphore.NewWeighted(limitBytes), limit: limitBytes}
}

// Borrow blocks (respecting ctx) until n bytes of budget are available,
// returning a Credit the caller must eventually Repay. Matches spec.md
// §4.10's "a write that would exceed the budget blocks the caller rather
// than failing outright."
func (w *WriteBack) Borrow(ctx context.Context, n int64) (Credit, error) {
	if n == 0 {
		return Credit{}, nil
	}
	if n > w.limit {
		return Credit{}, bfffserr.New(bfffserr.KindUnsupported, bfffserr.ENOSYS, "writeback: request exceeds total budget")
	}
	if err := w.sem.Acquire(ctx, n); err != nil {
		return Credit{}, bfffserr.Wrap(bfffserr.KindBusy, bfffserr.EAGAIN, "writeback: borrow", err)
	}
	return Credit{bytes: n}, nil
}

// TryBorrow is the non-blocking form, used by callers on a hot path that
// would rather fall back to a smaller write than stall (e.g. a coalesced
// buffer flush that can shrink and retry).
func (w *WriteBack) TryBorrow(n int64) (Credit, bool) {
	if n == 0 {
		return Credit{}, true
	}
	if w.sem.TryAcquire(n) {
		return Credit{bytes: n}, true
	}
	return Credit{}, false
}

// Repay returns a previously borrowed Credit to the budget. Repaying a
// null Credit is a no-op, so a layer that asserts "always null" (DDML)
// can forward straight through without a branch.
func (w *WriteBack) Repay(c Credit) {
	if c.bytes == 0 {
		return
	}
	w.sem.Release(c.bytes)
}

// Limit reports the total configured budget.
func (w *WriteBack) Limit() int64 { return w.limit }
