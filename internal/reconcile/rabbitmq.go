package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue is a durable reconciliation queue backed by RabbitMQ. Tasks
// survive process restarts, which matters here: an ambiguous settlement
// must eventually be resolved even if the node that submitted it dies.
type RabbitQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	msgs  <-chan amqp.Delivery
}

// RabbitConfig describes the RabbitMQ connection.
type RabbitConfig struct {
	URL   string
	Queue string
}

// NewRabbitQueue dials RabbitMQ and declares a durable queue.
func NewRabbitQueue(cfg RabbitConfig) (*RabbitQueue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("reconcile: rabbitmq url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "clearline.reconcile"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("reconcile: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reconcile: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("reconcile: declare queue: %w", err)
	}
	return &RabbitQueue{conn: conn, ch: ch, queue: queue}, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("reconcile: marshal task: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("reconcile: publish task: %w", err)
	}
	return nil
}

func (q *RabbitQueue) Dequeue(ctx context.Context) (Task, error) {
	if q.msgs == nil {
		msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return Task{}, fmt.Errorf("reconcile: consume: %w", err)
		}
		q.msgs = msgs
	}
	select {
	case msg, ok := <-q.msgs:
		if !ok {
			return Task{}, ErrQueueClosed
		}
		var task Task
		if err := json.Unmarshal(msg.Body, &task); err != nil {
			// A malformed task can never be processed; drop it.
			_ = msg.Ack(false)
			return Task{}, fmt.Errorf("reconcile: unmarshal task: %w", err)
		}
		_ = msg.Ack(false)
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *RabbitQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return fmt.Errorf("reconcile: close channel: %w", err)
	}
	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("reconcile: close connection: %w", err)
	}
	return nil
}
