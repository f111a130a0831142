// Package reconcile resolves settlements whose confirmation was still
// pending when the executor's deadline passed: the record stays SUBMITTED,
// a task lands on the queue, and the worker re-polls the external rail
// until the outcome is known or a reconciliation break is declared.
package reconcile

import (
	"context"
	"errors"
	"time"
)

// Task asks the reconciler to resolve one ambiguous settlement.
type Task struct {
	TxID          string    `json:"tx_id"`
	AgentID       string    `json:"agent_id"`
	PoolID        string    `json:"pool_id"`
	ExternalTxRef string    `json:"external_tx_ref"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ErrQueueClosed is returned by Dequeue after Close.
var ErrQueueClosed = errors.New("reconcile: queue closed")

// Queue transports reconciliation tasks. The in-memory implementation is
// for single-node deployments; RabbitQueue survives restarts.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error

	// Dequeue blocks until a task is available, ctx is done, or the queue
	// is closed.
	Dequeue(ctx context.Context) (Task, error)

	Close() error
}

// MemoryQueue is a channel-backed queue for tests and single-node use.
type MemoryQueue struct {
	ch     chan Task
	closed chan struct{}
}

// NewMemoryQueue creates a queue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan Task, size), closed: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.ch <- task:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.ch:
		return task, nil
	case <-q.closed:
		// Drain anything already buffered before reporting closed.
		select {
		case task := <-q.ch:
			return task, nil
		default:
			return Task{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
