package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue publishes jobs as persistent JSON messages on durable queues.
type AMQPQueue struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	pub    *amqp.Channel
	queues map[string]bool
	logger *slog.Logger
}

func NewAMQPQueue(url string, logger *slog.Logger) (*AMQPQueue, error) {
	conn, err := dialRabbit(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQPQueue{conn: conn, pub: ch, queues: make(map[string]bool), logger: logger}, nil
}

func dialRabbit(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		time.Sleep(time.Second * time.Duration(1+i))
	}
	return nil, err
}

func (q *AMQPQueue) declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func (q *AMQPQueue) Enqueue(ctx context.Context, jobType string, payload any, queue string) error {
	job, err := NewJob(jobType, payload, queue)
	if err != nil {
		return err
	}
	return q.Push(ctx, job)
}

func (q *AMQPQueue) Push(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.queues[job.Queue] {
		if err := q.declare(q.pub, job.Queue); err != nil {
			return fmt.Errorf("declare %s: %w", job.Queue, err)
		}
		q.queues[job.Queue] = true
	}

	return q.pub.PublishWithContext(ctx,
		"", job.Queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID.String(),
			Type:         job.Type,
			Body:         body,
		},
	)
}

// Consume delivers jobs until ctx ends. Undecodable messages are acked and
// dropped so they do not loop.
func (q *AMQPQueue) Consume(ctx context.Context, queue string, fn func(Delivery)) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := q.declare(ch, queue); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	if err := ch.Qos(8, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consume %s: channel closed", queue)
			}
			var job Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				q.logger.Error("dropping undecodable job", "queue", queue, "error", err)
				d.Ack(false)
				continue
			}
			fn(Delivery{Job: &job, ack: func() error { return d.Ack(false) }})
		}
	}
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		q.pub.Close()
	}
	return q.conn.Close()
}
