package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/audible-etl/internal/api/middleware"
	"github.com/dvloznov/audible-etl/internal/jobs"
	"github.com/dvloznov/audible-etl/internal/warehouse"
)

const defaultHistoryLimit = 50

// RunsHandler handles DAG run endpoints.
type RunsHandler struct {
	publisher jobs.Publisher
	store     jobs.JobStore
	recorder  warehouse.RunRecorder
	log       zerolog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(publisher jobs.Publisher, store jobs.JobStore, recorder warehouse.RunRecorder, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		publisher: publisher,
		store:     store,
		recorder:  recorder,
		log:       log,
	}
}

// TriggerRun handles POST /api/runs
func (h *RunsHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	job := &jobs.RunDAGJob{Trigger: jobs.TriggerAPI}
	if err := h.publisher.PublishRunDAG(ctx, job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue run")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue run")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Msg("Run enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     job.JobID,
		"status":     job.Status,
		"created_at": job.CreatedAt.Format(time.RFC3339),
	})
}

// GetRun handles GET /api/runs/{id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Trigger: query.Get("trigger"),
		Status:  jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	list, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  list,
		"count": len(list),
	})
}

// ListHistory handles GET /api/history, reading the run ledger.
func (h *RunsHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	runs, err := h.recorder.ListRuns(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read run ledger")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read run history")
		return
	}
	if runs == nil {
		runs = []*warehouse.RunRow{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}
