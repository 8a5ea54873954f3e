package extract

import (
	"context"
	"sync"
)

// concLimiter is a counting semaphore whose capacity can change at runtime.
// Shrinking takes effect as in-flight requests complete.
type concLimiter struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waitCh   chan struct{} // closed and replaced whenever a slot may free up
}

func newConcLimiter(capacity int) *concLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &concLimiter{
		capacity: capacity,
		waitCh:   make(chan struct{}),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *concLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.inUse < l.capacity {
			l.inUse++
			l.mu.Unlock()
			return nil
		}
		wait := l.waitCh
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Release frees a slot and wakes waiters.
func (l *concLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	close(l.waitCh)
	l.waitCh = make(chan struct{})
	l.mu.Unlock()
}

// Resize changes capacity. Growth wakes waiters immediately.
func (l *concLimiter) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	l.mu.Lock()
	l.capacity = capacity
	close(l.waitCh)
	l.waitCh = make(chan struct{})
	l.mu.Unlock()
}

// Capacity returns the current slot count.
func (l *concLimiter) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}
