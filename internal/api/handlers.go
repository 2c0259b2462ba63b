package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bobarin/ttsfx/internal/db"
	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/bobarin/ttsfx/internal/models"
	"github.com/bobarin/ttsfx/internal/pipeline"
	"github.com/bobarin/ttsfx/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// JobStore is the part of *queue.Queue the API uses.
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetQueueLength(ctx context.Context) (int64, error)
}

// RenderStore is the part of *db.DB the API uses.
type RenderStore interface {
	CreateRender(ctx context.Context, render *models.Render) error
	GetRender(ctx context.Context, id string) (*models.Render, error)
	ListRenders(ctx context.Context, limit, offset int) ([]models.Render, error)
}

type Handler struct {
	pipeline *pipeline.Pipeline
	jobs     JobStore    // nil when REDIS_URL is unset
	renders  RenderStore // nil when DATABASE_URL is unset
	log      zerolog.Logger
}

func NewHandler(p *pipeline.Pipeline, jobs JobStore, renders RenderStore) *Handler {
	return &Handler{
		pipeline: p,
		jobs:     jobs,
		renders:  renders,
		log:      logger.For("api"),
	}
}

// Speak handles POST /speak and POST /v1/speak. It blocks until the
// artifact exists or the pipeline fails.
func (h *Handler) Speak(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSpeakRequest(w, r)
	if !ok {
		return
	}

	req, err := h.pipeline.Normalize(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.pipeline.Run(r.Context(), req)
	h.record(r.Context(), req, res, err)

	if err != nil {
		status := http.StatusInternalServerError
		if pipeline.IsValidation(err) {
			status = http.StatusBadRequest
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, models.SpeakResponse{
		Status:   "ok",
		ID:       res.ID,
		Output:   res.OutputPath,
		Duration: res.Duration,
	})
}

// SpeakAsync handles POST /v1/speak/async
func (h *Handler) SpeakAsync(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondError(w, http.StatusServiceUnavailable, "Async synthesis is not enabled")
		return
	}

	req, ok := decodeSpeakRequest(w, r)
	if !ok {
		return
	}

	req, err := h.pipeline.Normalize(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &models.Job{ID: req.ID, Text: req.Text, Voice: req.Voice}
	if err := h.jobs.Enqueue(r.Context(), job); err != nil {
		if errors.Is(err, queue.ErrJobExists) {
			respondError(w, http.StatusConflict, "A job with this id already exists")
			return
		}
		h.log.Error().Err(err).Str("id", req.ID).Msg("Failed to enqueue job")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.QueuedResponse{Status: string(models.JobStatusQueued), ID: job.ID})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondError(w, http.StatusServiceUnavailable, "Async synthesis is not enabled")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// ListRenders handles GET /v1/renders
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) {
	if h.renders == nil {
		respondError(w, http.StatusServiceUnavailable, "Render history is not enabled")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	renders, err := h.renders.ListRenders(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list renders")
		return
	}

	respondJSON(w, http.StatusOK, models.ListRendersResponse{
		Renders: renders,
		Limit:   limit,
		Offset:  offset,
	})
}

// GetRender handles GET /v1/renders/{id}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	if h.renders == nil {
		respondError(w, http.StatusServiceUnavailable, "Render history is not enabled")
		return
	}

	render, err := h.renders.GetRender(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrRenderNotFound) {
		respondError(w, http.StatusNotFound, "Render not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get render")
		return
	}

	respondJSON(w, http.StatusOK, render)
}

// record writes render history; a database hiccup never fails the request.
func (h *Handler) record(ctx context.Context, req pipeline.Request, res *pipeline.Result, runErr error) {
	if h.renders == nil {
		return
	}
	if err := h.renders.CreateRender(ctx, h.pipeline.Record(req, res, runErr)); err != nil {
		h.log.Warn().Err(err).Str("id", req.ID).Msg("Failed to record render history")
	}
}

func decodeSpeakRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	var body models.SpeakRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return pipeline.Request{}, false
	}
	text, id, voice := body.Fields()
	return pipeline.Request{ID: id, Text: text, Voice: voice}, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Status: "error", Message: message})
}

// Health handles GET /health. With a queue configured it also reports the
// backlog, and an unreachable redis turns the answer into a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
		return
	}

	depth, err := h.jobs.GetQueueLength(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("Health check could not reach the queue")
		respondJSON(w, http.StatusServiceUnavailable, models.HealthResponse{Status: "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, models.HealthResponse{Status: "ok", QueueDepth: &depth})
}
