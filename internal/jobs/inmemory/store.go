package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/audible-etl/internal/jobs"
)

// Store is an in-memory implementation of JobStore.
// Data is lost on restart; the run ledger keeps the durable history.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.RunDAGJob
}

// NewStore creates a new in-memory job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*jobs.RunDAGJob),
	}
}

// SaveJob saves or updates a copy of job.
func (s *Store) SaveJob(ctx context.Context, job *jobs.RunDAGJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobCopy := *job
	s.jobs[job.JobID] = &jobCopy
	return nil
}

// GetJob returns a copy of the job with jobID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.RunDAGJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	jobCopy := *job
	return &jobCopy, nil
}

// ListJobs returns copies of the matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.RunDAGJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*jobs.RunDAGJob{}
	for _, job := range s.jobs {
		if filter.Trigger != "" && job.Trigger != filter.Trigger {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobCopy := *job
		result = append(result, &jobCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].JobID < result[j].JobID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.RunDAGJob{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// UpdateJobStatus updates the status, and the error when errorMsg is set.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	return nil
}

var _ jobs.JobStore = (*Store)(nil)
