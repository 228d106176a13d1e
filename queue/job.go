// Package queue carries asynchronous media jobs: the enqueue port used by
// the upserter, an in-memory and a RabbitMQ backend, and a rate-limited
// retrying runner.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job types
const (
	TypeMediaSync     = "media.sync"
	TypeMediaDownload = "media.download"
)

type Job struct {
	ID              uuid.UUID       `json:"id"`
	Type            string          `json:"type"`
	Queue           string          `json:"queue"`
	Payload         json.RawMessage `json:"payload"`
	Attempts        int             `json:"attempts"`
	Exceptions      int             `json:"exceptions"`
	FirstEnqueuedAt time.Time       `json:"first_enqueued_at"`
	LastError       string          `json:"last_error,omitempty"`
}

func NewJob(jobType string, payload any, queue string) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return &Job{
		ID:              uuid.New(),
		Type:            jobType,
		Queue:           queue,
		Payload:         data,
		FirstEnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

// Enqueuer is the fire-and-forget dispatch port.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, queue string) error
}

// Delivery is a consumed job; Ack confirms it once handled.
type Delivery struct {
	Job *Job
	ack func() error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Queue is a job backend with at-least-once delivery.
type Queue interface {
	Enqueuer
	Push(ctx context.Context, job *Job) error
	Consume(ctx context.Context, queue string, fn func(Delivery)) error
	Close() error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
