package notifications

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultQueueCapacity bounds the retry queue; once full, new jobs are
// dropped and logged rather than blocking the alerting engine's
// dispatch call.
const DefaultQueueCapacity = 256

// MaxRetries caps how many times a job is retried before being dropped.
const MaxRetries = 5

// calculateBackoff doubles from 1s, capped at 60s; negative attempts
// are treated as the first retry.
func calculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := time.Second << attempt
	if backoff > 60*time.Second || backoff <= 0 {
		return 60 * time.Second
	}
	return backoff
}

type retryJob struct {
	attempt int
	send    func(ctx context.Context) error
	label   string
}

// Queue runs send functions on a worker goroutine, retrying failures
// with exponential backoff up to MaxRetries before dropping the job.
type Queue struct {
	jobs chan retryJob
	done chan struct{}
}

// NewQueue starts a worker goroutine bound to ctx; the queue is stopped
// by canceling ctx.
func NewQueue(ctx context.Context, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{jobs: make(chan retryJob, capacity), done: make(chan struct{})}
	go q.run(ctx)
	return q
}

// Enqueue submits a send function for dispatch; if the queue is full
// the job is dropped and logged rather than blocking the caller.
func (q *Queue) Enqueue(label string, send func(ctx context.Context) error) {
	select {
	case q.jobs <- retryJob{send: send, label: label}:
	default:
		log.Warn().Str("job", label).Msg("notifications: retry queue full, dropping job")
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.attempt(ctx, job)
		}
	}
}

func (q *Queue) attempt(ctx context.Context, job retryJob) {
	err := job.send(ctx)
	if err == nil {
		return
	}
	if job.attempt >= MaxRetries {
		log.Warn().Err(err).Str("job", job.label).Int("attempts", job.attempt+1).Msg("notifications: giving up after max retries")
		return
	}

	backoff := calculateBackoff(job.attempt)
	log.Warn().Err(err).Str("job", job.label).Dur("backoff", backoff).Msg("notifications: send failed, retrying")

	job.attempt++
	timer := time.AfterFunc(backoff, func() {
		select {
		case q.jobs <- job:
		default:
			log.Warn().Str("job", job.label).Msg("notifications: retry queue full on retry, dropping job")
		}
	})
	_ = timer
}

// Wait blocks until the worker goroutine has exited (ctx canceled).
func (q *Queue) Wait() {
	<-q.done
}
