// Package presence keeps a member's device attached to a running summon
// independently of the foreground session, and provides the process-level
// barrier both observers terminate through.
package presence

import (
	"sync"
	"sync/atomic"
)

// Barrier makes termination happen exactly once per process no matter how
// many observers decide to terminate, or in which order.
type Barrier struct {
	fired       atomic.Bool
	done        chan struct{}
	onTerminate func(reason string)

	mu     sync.Mutex
	reason string
}

// NewBarrier returns a barrier that calls onTerminate, if non-nil, on the
// first Terminate.
func NewBarrier(onTerminate func(reason string)) *Barrier {
	return &Barrier{done: make(chan struct{}), onTerminate: onTerminate}
}

// Terminate fires the barrier. Only the first call has an effect and
// reports true; every later call is a no-op reporting false.
func (b *Barrier) Terminate(reason string) bool {
	if !b.fired.CompareAndSwap(false, true) {
		return false
	}
	b.mu.Lock()
	b.reason = reason
	b.mu.Unlock()
	if b.onTerminate != nil {
		b.onTerminate(reason)
	}
	close(b.done)
	return true
}

// Done is closed once the barrier has fired.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Reason returns the reason passed to the winning Terminate.
func (b *Barrier) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}
