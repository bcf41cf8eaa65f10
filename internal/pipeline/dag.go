// Package pipeline runs the audible load DAG: extract and rate fetch in
// parallel, then merge, then the warehouse load.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/audible-etl/internal/logger"
)

var (
	ErrCycle         = errors.New("dag contains a cycle")
	ErrUnknownTask   = errors.New("unknown upstream task")
	ErrDuplicateTask = errors.New("duplicate task name")
)

// TaskState is the lifecycle state of a task within one run.
type TaskState string

const (
	StatePending        TaskState = "pending"
	StateRunning        TaskState = "running"
	StateSuccess        TaskState = "success"
	StateFailed         TaskState = "failed"
	StateUpstreamFailed TaskState = "upstream_failed"
)

// Task is one node of the DAG.
type Task struct {
	Name     string
	Upstream []string
	Run      func(ctx context.Context) error

	// Retries is the number of extra attempts after a failure. Attempt n+1
	// waits n*RetryDelay.
	Retries    int
	RetryDelay time.Duration
}

// TaskResult is the outcome of a task in a run.
type TaskResult struct {
	Name     string
	State    TaskState
	Attempts int
	Duration time.Duration
	Err      error
}

// RunResult collects the task outcomes of a run in topological order.
type RunResult struct {
	RunID string
	Tasks []*TaskResult
}

// Task returns the result for name, or nil.
func (r *RunResult) Task(name string) *TaskResult {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Err returns the first task failure, wrapped with the task name.
func (r *RunResult) Err() error {
	for _, t := range r.Tasks {
		if t.State == StateFailed {
			return fmt.Errorf("task %s failed: %w", t.Name, t.Err)
		}
	}
	return nil
}

// DAG is a validated set of tasks grouped into dependency waves.
type DAG struct {
	ID      string
	Metrics *Metrics

	tasks map[string]*Task
	waves [][]*Task
}

// NewDAG validates the tasks and computes their execution waves.
func NewDAG(id string, tasks ...*Task) (*DAG, error) {
	byName := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if _, ok := byName[t.Name]; ok {
			return nil, fmt.Errorf("NewDAG: %w: %s", ErrDuplicateTask, t.Name)
		}
		byName[t.Name] = t
	}
	for _, t := range tasks {
		for _, up := range t.Upstream {
			if _, ok := byName[up]; !ok {
				return nil, fmt.Errorf("NewDAG: %w: %s (upstream of %s)", ErrUnknownTask, up, t.Name)
			}
		}
	}

	waves, err := layer(tasks)
	if err != nil {
		return nil, fmt.Errorf("NewDAG: %w", err)
	}
	return &DAG{ID: id, tasks: byName, waves: waves}, nil
}

// layer groups tasks so every task's upstreams sit in earlier waves.
func layer(tasks []*Task) ([][]*Task, error) {
	remaining := make(map[string]int, len(tasks))
	downstream := make(map[string][]*Task)
	for _, t := range tasks {
		remaining[t.Name] = len(t.Upstream)
		for _, up := range t.Upstream {
			downstream[up] = append(downstream[up], t)
		}
	}

	var current []*Task
	for _, t := range tasks {
		if remaining[t.Name] == 0 {
			current = append(current, t)
		}
	}

	var waves [][]*Task
	placed := 0
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return current[i].Name < current[j].Name })
		waves = append(waves, current)
		placed += len(current)

		var next []*Task
		for _, t := range current {
			for _, d := range downstream[t.Name] {
				remaining[d.Name]--
				if remaining[d.Name] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}

	if placed != len(tasks) {
		var stuck []string
		for name, n := range remaining {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return waves, nil
}

// Waves returns the task names per wave.
func (d *DAG) Waves() [][]string {
	out := make([][]string, len(d.waves))
	for i, wave := range d.waves {
		for _, t := range wave {
			out[i] = append(out[i], t.Name)
		}
	}
	return out
}

// Run executes the DAG wave by wave; tasks within a wave run concurrently.
// After a wave with a failed task no further wave starts: tasks depending on
// the failure are marked upstream_failed, the rest stay pending.
func (d *DAG) Run(ctx context.Context, runID string) *RunResult {
	log := logger.FromContext(ctx).With().Str("dag", d.ID).Str("run_id", runID).Logger()

	result := &RunResult{RunID: runID}
	byName := make(map[string]*TaskResult, len(d.tasks))
	for _, wave := range d.waves {
		for _, t := range wave {
			tr := &TaskResult{Name: t.Name, State: StatePending}
			byName[t.Name] = tr
			result.Tasks = append(result.Tasks, tr)
		}
	}

	failed := false
	for i, wave := range d.waves {
		if failed {
			markSkipped(d.waves[i:], byName)
			break
		}

		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		for _, t := range wave {
			tr := byName[t.Name]
			tr.State = StateRunning

			g.Go(func() error {
				taskCtx := logger.WithContext(ctx, logger.ForTask(log, runID, t.Name))
				attempts, dur, err := d.runTask(taskCtx, t)

				mu.Lock()
				defer mu.Unlock()
				tr.Attempts = attempts
				tr.Duration = dur
				tr.Err = err
				if err != nil {
					tr.State = StateFailed
				} else {
					tr.State = StateSuccess
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			failed = true
		}
	}

	for _, tr := range result.Tasks {
		d.Metrics.ObserveTask(tr.Name, tr.State, tr.Duration)
	}
	return result
}

// runTask runs t with its retry policy and returns the attempt count, the
// total duration and the last error.
func (d *DAG) runTask(ctx context.Context, t *Task) (int, time.Duration, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	var err error
	attempt := 0
	for {
		attempt++
		log.Info().Int("attempt", attempt).Msg("Task started")

		if err = t.Run(ctx); err == nil {
			log.Info().Int("attempt", attempt).Dur("duration", time.Since(start)).Msg("Task succeeded")
			return attempt, time.Since(start), nil
		}

		if attempt > t.Retries {
			log.Error().Err(err).Int("attempt", attempt).Msg("Task failed")
			return attempt, time.Since(start), err
		}

		backoff := time.Duration(attempt) * t.RetryDelay
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Task failed, retrying")
		d.Metrics.IncRetry(t.Name)

		select {
		case <-ctx.Done():
			return attempt, time.Since(start), fmt.Errorf("%w (retry cancelled: %v)", err, ctx.Err())
		case <-time.After(backoff):
		}
	}
}

func markSkipped(waves [][]*Task, byName map[string]*TaskResult) {
	for _, wave := range waves {
		for _, t := range wave {
			for _, up := range t.Upstream {
				if s := byName[up].State; s == StateFailed || s == StateUpstreamFailed {
					byName[t.Name].State = StateUpstreamFailed
					break
				}
			}
		}
	}
}
