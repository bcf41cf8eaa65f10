package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for DAG runs.
type Metrics struct {
	Registry     *prometheus.Registry
	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	TaskRetries  *prometheus.CounterVec
	MergedRows   prometheus.Counter
	FailedRows   prometheus.Counter
	LoadedRows   prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	taskRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_task_runs_total",
			Help: "Task outcomes by task and final state.",
		},
		[]string{"task", "state"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_task_duration_seconds",
			Help:    "Task duration including retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)
	taskRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_task_retries_total",
			Help: "Retry attempts scheduled per task.",
		},
		[]string{"task"},
	)
	mergedRows := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_merged_rows_total",
			Help: "Rows written by the merge task.",
		},
	)
	failedRows := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_failed_rows_total",
			Help: "Rows with a cell that could not be normalized.",
		},
	)
	loadedRows := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_loaded_rows_total",
			Help: "Rows appended to the warehouse table.",
		},
	)

	registry.MustRegister(taskRuns, taskDuration, taskRetries, mergedRows, failedRows, loadedRows)

	return &Metrics{
		Registry:     registry,
		TaskRuns:     taskRuns,
		TaskDuration: taskDuration,
		TaskRetries:  taskRetries,
		MergedRows:   mergedRows,
		FailedRows:   failedRows,
		LoadedRows:   loadedRows,
	}
}

// ObserveTask records a task's final state, and its duration when it ran.
func (m *Metrics) ObserveTask(task string, state TaskState, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, string(state)).Inc()
	if state == StateSuccess || state == StateFailed {
		m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
	}
}

// IncRetry increments the retry counter of task.
func (m *Metrics) IncRetry(task string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(task).Inc()
}

// AddMerged records a merge outcome.
func (m *Metrics) AddMerged(rows, failed int) {
	if m == nil {
		return
	}
	m.MergedRows.Add(float64(rows))
	m.FailedRows.Add(float64(failed))
}

// AddLoaded records rows appended by a load job.
func (m *Metrics) AddLoaded(rows int64) {
	if m == nil {
		return
	}
	m.LoadedRows.Add(float64(rows))
}
