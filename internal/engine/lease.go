package engine

import (
	"context"
	"sync"
)

// keyedLease serializes transaction processing per agent. Waiters are
// granted the lease in arrival order, so two transactions for one agent
// never mutate its balance concurrently and the second observes the
// first's outcome. Optimistic versioning alone cannot provide this:
// settlement has external side effects that a failed compare-and-swap
// cannot roll back.
type keyedLease struct {
	mu     sync.Mutex
	queues map[string][]chan struct{}
}

func newKeyedLease() *keyedLease {
	return &keyedLease{queues: make(map[string][]chan struct{})}
}

// Acquire blocks until the caller holds the lease for key or ctx is done.
func (l *keyedLease) Acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	ch := make(chan struct{})
	if len(l.queues[key]) == 0 {
		close(ch) // nobody holds it, granted immediately
	}
	l.queues[key] = append(l.queues[key], ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case <-ch:
			// Granted while we were giving up; hand it straight on.
			l.release(key)
		default:
			q := l.queues[key]
			for i, c := range q {
				if c == ch {
					l.queues[key] = append(q[:i:i], q[i+1:]...)
					break
				}
			}
			if len(l.queues[key]) == 0 {
				delete(l.queues, key)
			}
		}
		return ctx.Err()
	}
}

// Release hands the lease to the oldest waiter, if any.
func (l *keyedLease) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release(key)
}

func (l *keyedLease) release(key string) {
	q := l.queues[key]
	if len(q) == 0 {
		return
	}
	q = q[1:]
	if len(q) == 0 {
		delete(l.queues, key)
		return
	}
	l.queues[key] = q
	close(q[0])
}
