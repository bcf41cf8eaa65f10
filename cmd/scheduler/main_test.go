package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/audible-etl/internal/jobs"
	"github.com/dvloznov/audible-etl/internal/jobs/inmemory"
)

// MockPublisher is a mock implementation of jobs.Publisher.
type MockPublisher struct {
	PublishRunDAGFunc func(ctx context.Context, job *jobs.RunDAGJob) error
}

func (m *MockPublisher) PublishRunDAG(ctx context.Context, job *jobs.RunDAGJob) error {
	return m.PublishRunDAGFunc(ctx, job)
}

func (m *MockPublisher) Close() error { return nil }

func TestNewSchedulerRejectsInvalidSchedule(t *testing.T) {
	pub := &MockPublisher{PublishRunDAGFunc: func(ctx context.Context, job *jobs.RunDAGJob) error { return nil }}
	if _, err := newScheduler(context.Background(), "every tuesday", pub, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := newScheduler(context.Background(), "@daily", pub, zerolog.Nop()); err != nil {
		t.Errorf("@daily: %v", err)
	}
}

func TestEnqueueUsesScheduleTrigger(t *testing.T) {
	var got *jobs.RunDAGJob
	pub := &MockPublisher{PublishRunDAGFunc: func(ctx context.Context, job *jobs.RunDAGJob) error {
		got = job
		return nil
	}}
	if _, err := enqueue(context.Background(), pub); err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Trigger != jobs.TriggerSchedule {
		t.Errorf("published job = %+v", got)
	}

	pub.PublishRunDAGFunc = func(ctx context.Context, job *jobs.RunDAGJob) error { return errors.New("queue is closed") }
	if _, err := enqueue(context.Background(), pub); err == nil {
		t.Error("expected publish error")
	}
}

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name     string
		handler  jobs.JobHandler
		wantCode int
	}{
		{"success", func(ctx context.Context, job jobs.Job) error { return nil }, 0},
		{"failure", func(ctx context.Context, job jobs.Job) error { return errors.New("merge failed") }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := inmemory.NewStore()
			queue := inmemory.NewQueue(inmemory.QueueOptions{BufferSize: 1, Workers: 1}, store)
			defer queue.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := queue.Start(ctx, tt.handler); err != nil {
				t.Fatal(err)
			}

			if code := runOnce(ctx, queue, store, 5*time.Second); code != tt.wantCode {
				t.Errorf("runOnce() = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := cronLogger{log: zerolog.New(&buf)}
	l.Error(errors.New("boom"), "job panicked", "entry", 1)
	if out := buf.String(); !strings.Contains(out, `"error":"boom"`) || !strings.Contains(out, `"entry":1`) {
		t.Errorf("log = %s", out)
	}
}
