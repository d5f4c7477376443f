// Package queue defines the durable job queue contract the worker pool
// consumes. The queue is not a source of truth: the report record is. A job
// only exists while its report is in flight.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/autoscope/expertise/internal/analyzer"
)

var (
	// ErrDuplicateJob means a job for the same report is already queued.
	ErrDuplicateJob = errors.New("job already queued for report")
	// ErrJobNotLeased means an Ack/Nack arrived for a job the caller no
	// longer holds (lease expired and the job was redelivered).
	ErrJobNotLeased = errors.New("job not leased by caller")
)

// Job is the queue envelope for one report awaiting analysis. Attempt is
// the delivery count, incremented each time the job is leased.
type Job struct {
	ReportID   string              `json:"report_id"`
	ReportType analyzer.ReportType `json:"report_type"`
	Attempt    int                 `json:"attempt"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// Queue is a durable at-least-once delivery queue with lease-based
// redelivery. Ordering is FIFO within a report-type lane; there is no
// ordering guarantee across lanes.
type Queue interface {
	// Enqueue durably appends a job.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue leases the oldest eligible job to workerID for the
	// visibility window. A job whose lease expires without an Ack becomes
	// eligible again. Returns nil when the queue is empty.
	Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*Job, error)

	// Ack removes a completed job from the queue.
	Ack(ctx context.Context, workerID string, job Job) error

	// Nack releases a leased job for redelivery no earlier than
	// retryAfter from now.
	Nack(ctx context.Context, workerID string, job Job, retryAfter time.Duration) error

	// DeadLetter records the job in the dead-letter log and removes it
	// from the queue.
	DeadLetter(ctx context.Context, workerID string, job Job, reason string) error

	// Depth reports the number of jobs currently queued or leased.
	Depth(ctx context.Context) (int64, error)
}
