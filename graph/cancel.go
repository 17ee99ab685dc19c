package graph

import "sync"

// CancelToken is the cooperative cancellation token shared by every task
// spawned for one execution. Checked at every loop head and await point;
// idempotent; propagates to all children because they all hold the same
// token by reference.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

// NewCancelToken builds a live token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel trips the token. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	close(t.done)
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed when the token is cancelled, for use in
// select statements alongside context.Context.Done().
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
