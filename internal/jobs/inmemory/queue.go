package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/audible-etl/internal/jobs"
	"github.com/dvloznov/audible-etl/internal/logger"
)

// QueueOptions tunes the worker pool and job retries.
type QueueOptions struct {
	BufferSize int
	Workers    int
	// MaxRetries is applied to jobs published without their own limit.
	MaxRetries int
	// RetryDelay is multiplied by the retry count before a failed job is
	// re-queued.
	RetryDelay time.Duration
}

// DefaultQueueOptions returns the settings used by the API server.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		BufferSize: 100,
		Workers:    5,
		MaxRetries: 0,
		RetryDelay: time.Second,
	}
}

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
type Queue struct {
	jobChan   chan *jobs.RunDAGJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	opts      QueueOptions
	closed    bool
}

// NewQueue creates a new in-memory job queue. A nil store disables status
// tracking.
func NewQueue(opts QueueOptions, store jobs.JobStore) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Queue{
		jobChan:   make(chan *jobs.RunDAGJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		opts:      opts,
	}
}

// PublishRunDAG enqueues a DAG run for asynchronous processing. job gets its
// ID, status and creation time filled in; workers run on a copy, so job stays
// owned by the caller.
func (q *Queue) PublishRunDAG(ctx context.Context, job *jobs.RunDAGJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	queued := *job
	select {
	case q.jobChan <- &queued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start launches the workers. The handler is called concurrently for up to
// opts.Workers jobs.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job and re-queues it with linear backoff
// while retries remain.
func (q *Queue) processJob(ctx context.Context, job *jobs.RunDAGJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().Str("job_id", job.JobID).Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	job.CompletedAt = nil

	if q.store != nil {
		_ = q.store.SaveJob(ctx, job)
	}

	err := handler(logger.WithContext(ctx, log), job)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	var retry *jobs.RunDAGJob
	if err != nil {
		job.Error = err.Error()

		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = jobs.JobStatusRetrying

			next := *job
			next.Status = jobs.JobStatusPending
			next.StartedAt = nil
			next.CompletedAt = nil
			retry = &next
		} else {
			job.Status = jobs.JobStatusFailed
			log.Error().Err(err).Msg("Job failed")
		}
	} else {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
	}

	if q.store != nil {
		_ = q.store.SaveJob(ctx, job)
	}

	if retry != nil {
		backoff := time.Duration(retry.RetryCount) * q.opts.RetryDelay
		log.Warn().Err(err).Int("retry", retry.RetryCount).Dur("backoff", backoff).Msg("Job failed, re-queueing")

		time.AfterFunc(backoff, func() {
			if err := q.PublishRunDAG(ctx, retry); err != nil {
				log.Error().Err(err).Msg("Failed to re-queue job")
			}
		})
	}
}

// Stop closes the queue and waits for in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue without a deadline.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
