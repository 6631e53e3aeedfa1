package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/delivery/http/request"
	"github.com/user/listing-ingest/internal/delivery/http/response"
	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/internal/usecase"
)

const maxListLimit = 200

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	orchestrator usecase.ImportOrchestrator
	schedules    usecase.ScheduleManager
	health       map[string]Pinger
	logger       *zap.Logger
}

// NewHandler creates the job control handler. health maps dependency names to
// their checks and may be empty.
func NewHandler(
	orchestrator usecase.ImportOrchestrator,
	schedules usecase.ScheduleManager,
	health map[string]Pinger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		schedules:    schedules,
		health:       health,
		logger:       logger,
	}
}

func (h *Handler) HandleSubmitImport(w http.ResponseWriter, r *http.Request) {
	var req request.SubmitImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.orchestrator.Submit(r.Context(), req.QueryDefinition)
	if err != nil {
		h.writeUsecaseError(w, "Failed to submit import", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, response.SubmitImportResponse{JobID: job.ID, Status: job.Status})
}

func (h *Handler) HandleListImports(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := h.orchestrator.List(r.Context(), limit)
	if err != nil {
		h.writeUsecaseError(w, "Failed to list imports", err)
		return
	}
	h.writeJSON(w, http.StatusOK, response.ImportListResponse{Jobs: jobs})
}

func (h *Handler) HandleGetImport(w http.ResponseWriter, r *http.Request) {
	progress, err := h.orchestrator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUsecaseError(w, "Failed to get import status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) HandleAdvanceImport(w http.ResponseWriter, r *http.Request) {
	res, err := h.orchestrator.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUsecaseError(w, "Failed to advance import", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleCancelImport(w http.ResponseWriter, r *http.Request) {
	progress, err := h.orchestrator.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repository.ErrJobTerminal) {
		h.writeJSON(w, http.StatusConflict, struct {
			response.ErrorResponse
			Progress *entity.JobProgress `json:"progress,omitempty"`
		}{response.ErrorResponse{Error: err.Error()}, progress})
		return
	}
	if err != nil {
		h.writeUsecaseError(w, "Failed to cancel import", err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req request.CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.schedules.Create(r.Context(), req.Name, req.QueryDefinition, req.CronSpec)
	if err != nil {
		h.writeUsecaseError(w, "Failed to create schedule", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := h.schedules.List(r.Context())
	if err != nil {
		h.writeUsecaseError(w, "Failed to list schedules", err)
		return
	}
	if entries == nil {
		entries = []*entity.ScheduleEntry{}
	}
	h.writeJSON(w, http.StatusOK, response.ScheduleListResponse{Schedules: entries})
}

func (h *Handler) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	entry, err := h.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUsecaseError(w, "Failed to get schedule", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) HandleRetrySchedule(w http.ResponseWriter, r *http.Request) {
	entry, err := h.schedules.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUsecaseError(w, "Failed to retry schedule", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) HandleRearmSchedule(w http.ResponseWriter, r *http.Request) {
	entry, err := h.schedules.Rearm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUsecaseError(w, "Failed to re-arm schedule", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) HandleStartNextSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := h.schedules.StartNext(r.Context())
	if err != nil {
		h.writeUsecaseError(w, "Failed to start next schedule", err)
		return
	}
	resp := response.StartNextResponse{}
	if job != nil {
		resp.Started = true
		resp.JobID = job.ID
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthStatus := map[string]string{"status": "ok"}
	healthy := true
	for name, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			healthStatus[name] = "unhealthy"
			healthy = false
			h.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		healthStatus[name] = "healthy"
	}

	if !healthy {
		healthStatus["status"] = "degraded"
		h.writeJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}
	h.writeJSON(w, http.StatusOK, healthStatus)
}

// writeUsecaseError maps domain errors to status codes. Unknown errors are
// logged and reported as a generic 500.
func (h *Handler) writeUsecaseError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.writeJSONError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, entity.ErrEmptyQuery),
		errors.Is(err, entity.ErrInvalidPriceRange),
		errors.Is(err, usecase.ErrInvalidCronSpec):
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrJobTerminal),
		errors.Is(err, repository.ErrInvalidTransition):
		h.writeJSONError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(action, zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, response.ErrorResponse{Error: message})
}
