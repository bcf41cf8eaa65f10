package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeRunDAG runs the whole audible DAG once.
	JobTypeRunDAG JobType = "run_dag"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is waiting to be re-queued.
	JobStatusRetrying JobStatus = "retrying"
)

// Done reports whether the status is final.
func (s JobStatus) Done() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Triggers recorded on jobs and in the run ledger.
const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerManual   = "manual"
)

// ErrJobNotFound is returned by a JobStore for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// RunDAGJob represents one requested execution of the DAG.
type RunDAGJob struct {
	JobID string `json:"job_id"`

	// RunID is the run ledger ID of the latest attempt.
	RunID string `json:"run_id,omitempty"`

	// Trigger describes what requested the run (schedule, api, manual).
	Trigger string `json:"trigger"`

	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error string `json:"error,omitempty"`

	RowsLoaded int64 `json:"rows_loaded"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *RunDAGJob) GetID() string        { return j.JobID }
func (j *RunDAGJob) GetType() JobType     { return JobTypeRunDAG }
func (j *RunDAGJob) GetStatus() JobStatus { return j.Status }

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishRunDAG enqueues a DAG run.
	PublishRunDAG(ctx context.Context, job *RunDAGJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RunDAGJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*RunDAGJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RunDAGJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Trigger string
	Status  JobStatus
	Limit   int
	Offset  int
}

// WaitForJob polls store until the job reaches a final status or ctx ends.
func WaitForJob(ctx context.Context, store JobStore, jobID string, interval time.Duration) (*RunDAGJob, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Done() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
