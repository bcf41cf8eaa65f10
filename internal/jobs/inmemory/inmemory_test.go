package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/audible-etl/internal/jobs"
)

func TestStoreSaveGetList(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.SaveJob(ctx, &jobs.RunDAGJob{}); err == nil {
		t.Error("expected error for job without ID")
	}

	base := time.Date(2021, 5, 3, 0, 0, 0, 0, time.UTC)
	for i, j := range []*jobs.RunDAGJob{
		{JobID: "a", Trigger: jobs.TriggerSchedule, Status: jobs.JobStatusCompleted, CreatedAt: base},
		{JobID: "b", Trigger: jobs.TriggerAPI, Status: jobs.JobStatusFailed, CreatedAt: base.Add(time.Hour)},
		{JobID: "c", Trigger: jobs.TriggerAPI, Status: jobs.JobStatusCompleted, CreatedAt: base.Add(2 * time.Hour)},
	} {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob %d: %v", i, err)
		}
	}

	got, err := s.GetJob(ctx, "b")
	if err != nil || got.Status != jobs.JobStatusFailed {
		t.Fatalf("GetJob = %+v, %v", got, err)
	}
	got.Status = jobs.JobStatusRunning
	if again, _ := s.GetJob(ctx, "b"); again.Status != jobs.JobStatusFailed {
		t.Error("GetJob must return a copy")
	}
	if _, err := s.GetJob(ctx, "zzz"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("GetJob(missing) error = %v", err)
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{"all newest first", jobs.JobFilter{}, []string{"c", "b", "a"}},
		{"by trigger", jobs.JobFilter{Trigger: jobs.TriggerAPI}, []string{"c", "b"}},
		{"by status", jobs.JobFilter{Status: jobs.JobStatusCompleted}, []string{"c", "a"}},
		{"limit", jobs.JobFilter{Limit: 1}, []string{"c"}},
		{"offset", jobs.JobFilter{Offset: 2}, []string{"a"}},
		{"offset past end", jobs.JobFilter{Offset: 5}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListJobs(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			ids := []string{}
			for _, j := range list {
				ids = append(ids, j.JobID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}

	if err := s.UpdateJobStatus(ctx, "a", jobs.JobStatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	if j, _ := s.GetJob(ctx, "a"); j.Status != jobs.JobStatusFailed || j.Error != "boom" {
		t.Errorf("updated job = %+v", j)
	}
	if err := s.UpdateJobStatus(ctx, "zzz", jobs.JobStatusFailed, ""); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("UpdateJobStatus(missing) error = %v", err)
	}
}

func startQueue(t *testing.T, opts QueueOptions, handler jobs.JobHandler) (*Queue, *Store) {
	t.Helper()
	store := NewStore()
	q := NewQueue(opts, store)
	if err := q.Start(context.Background(), handler); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, store
}

func waitFor(t *testing.T, store *Store, id string) *jobs.RunDAGJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := jobs.WaitForJob(ctx, store, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForJob: %v", err)
	}
	return job
}

func TestQueueProcessesJob(t *testing.T) {
	q, store := startQueue(t, QueueOptions{BufferSize: 4, Workers: 2}, func(ctx context.Context, job jobs.Job) error {
		j := job.(*jobs.RunDAGJob)
		j.RunID = "run-" + j.JobID
		j.RowsLoaded = 4
		return nil
	})

	job := &jobs.RunDAGJob{Trigger: jobs.TriggerAPI}
	if err := q.PublishRunDAG(context.Background(), job); err != nil {
		t.Fatalf("PublishRunDAG: %v", err)
	}
	if job.JobID == "" || job.CreatedAt.IsZero() {
		t.Fatalf("publish must assign ID and timestamp: %+v", job)
	}

	done := waitFor(t, store, job.JobID)
	if done.Status != jobs.JobStatusCompleted || done.RunID != "run-"+job.JobID || done.RowsLoaded != 4 {
		t.Errorf("job = %+v", done)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Errorf("timestamps not set: %+v", done)
	}
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	q, store := startQueue(t, QueueOptions{BufferSize: 4, Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond},
		func(ctx context.Context, job jobs.Job) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		})

	job := &jobs.RunDAGJob{Trigger: jobs.TriggerSchedule}
	if err := q.PublishRunDAG(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	done := waitFor(t, store, job.JobID)
	if done.Status != jobs.JobStatusCompleted || done.RetryCount != 1 || done.Error != "" {
		t.Errorf("job = %+v", done)
	}
}

func TestQueueFailsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	q, store := startQueue(t, QueueOptions{BufferSize: 4, Workers: 1, MaxRetries: 1, RetryDelay: time.Millisecond},
		func(ctx context.Context, job jobs.Job) error {
			calls.Add(1)
			return errors.New("permanent")
		})

	job := &jobs.RunDAGJob{Trigger: jobs.TriggerSchedule}
	if err := q.PublishRunDAG(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	done := waitFor(t, store, job.JobID)
	if done.Status != jobs.JobStatusFailed || done.Error != "permanent" || done.RetryCount != 1 {
		t.Errorf("job = %+v", done)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(DefaultQueueOptions(), nil)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if err := q.PublishRunDAG(context.Background(), &jobs.RunDAGJob{}); err == nil {
		t.Error("expected publish on closed queue to fail")
	}
	if err := q.Start(context.Background(), func(context.Context, jobs.Job) error { return nil }); err == nil {
		t.Error("expected start on closed queue to fail")
	}
}

func TestQueueWorkersRunOnACopy(t *testing.T) {
	store := NewStore()
	q := NewQueue(QueueOptions{BufferSize: 1, Workers: 1}, store)
	defer q.Close()

	if err := q.Start(context.Background(), func(ctx context.Context, job jobs.Job) error {
		job.(*jobs.RunDAGJob).RunID = "run-1"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	job := &jobs.RunDAGJob{Trigger: jobs.TriggerAPI}
	if err := q.PublishRunDAG(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := jobs.WaitForJob(ctx, store, job.JobID, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobs.JobStatusCompleted || done.RunID != "run-1" {
		t.Errorf("stored job = %+v", done)
	}
	if job.Status != jobs.JobStatusPending || job.StartedAt != nil || job.RunID != "" {
		t.Errorf("published job was modified by the worker: %+v", job)
	}
}
