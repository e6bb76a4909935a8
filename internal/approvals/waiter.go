package approvals

import (
	"context"
	"sync"
)

// Waiter is a shareable future for an approval's final status. It resolves
// exactly once; every caller of Wait observes the same value.
type Waiter struct {
	once   sync.Once
	done   chan struct{}
	status Status
}

func newWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

func (w *Waiter) resolve(status Status) {
	w.once.Do(func() {
		w.status = status
		close(w.done)
	})
}

// Wait blocks until the approval resolves or ctx is cancelled.
func (w *Waiter) Wait(ctx context.Context) (Status, error) {
	select {
	case <-w.done:
		return w.status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Done exposes the resolution signal for select-based racing.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Resolved returns the status if the waiter has already resolved.
func (w *Waiter) Resolved() (Status, bool) {
	select {
	case <-w.done:
		return w.status, true
	default:
		return Status{}, false
	}
}
