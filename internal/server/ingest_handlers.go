package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kon-rad/tviz"
	"github.com/kon-rad/tviz/internal/metrics"
)

// IngestHandlers lets trainers outside Go write runs over HTTP. Every request
// is committed before the response is written.
type IngestHandlers struct {
	store        *tviz.Store
	sessions     *Sessions
	counters     *metrics.Ingest
	logger       *slog.Logger
	dashboardURL string
	maxBodyBytes int64
}

type IngestConfig struct {
	DashboardURL string
	MaxBodyBytes int64
}

func NewIngestHandlers(store *tviz.Store, sessions *Sessions, counters *metrics.Ingest, logger *slog.Logger, cfg IngestConfig) *IngestHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	return &IngestHandlers{
		store:        store,
		sessions:     sessions,
		counters:     counters,
		logger:       logger,
		dashboardURL: cfg.DashboardURL,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

type createRunRequest struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Modality string         `json:"modality"`
	Config   map[string]any `json:"config"`
}

type createRunResponse struct {
	RunID string `json:"run_id"`
	URL   string `json:"url"`
}

type runResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Modality  string         `json:"modality"`
	Config    map[string]any `json:"config,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at"`
	Open      bool           `json:"open"`
}

type metricsRequest struct {
	Step    *int64             `json:"step"`
	Metrics map[string]float64 `json:"metrics"`
}

type rolloutsRequest struct {
	Step     *int64            `json:"step"`
	Rollouts []tviz.RawRollout `json:"rollouts"`
}

func (h *IngestHandlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeBody(w, r, h.maxBodyBytes, &req) {
		return
	}
	modality, err := tviz.ParseModality(req.Modality)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	l := h.store.NewLogger(tviz.Options{
		RunName:      req.Name,
		RunType:      req.Type,
		Modality:     modality,
		DashboardURL: h.dashboardURL,
		Logger:       h.logger,
	})
	if err := l.LogHparams(r.Context(), req.Config); err != nil {
		h.logger.Error("Run registration failed", "error", err)
		respondError(w, http.StatusInternalServerError, "register run failed")
		return
	}
	h.sessions.Add(l)
	h.counters.RunOpened(r.Context(), req.Type)

	respondJSON(w, http.StatusCreated, createRunResponse{RunID: l.RunID(), URL: l.URL()})
}

func (h *IngestHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.store.Run(r.Context(), runID)
	if errors.Is(err, tviz.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("Run lookup failed", "run_id", runID, "error", err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	_, open := h.sessions.Get(runID)
	respondJSON(w, http.StatusOK, runResponse{
		ID:        run.ID,
		Name:      run.Name,
		Type:      run.Type,
		Modality:  string(run.Modality),
		Config:    run.Config,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
		Open:      open,
	})
}

func (h *IngestHandlers) PostMetrics(w http.ResponseWriter, r *http.Request) {
	l, ok := h.session(w, r)
	if !ok {
		return
	}
	var req metricsRequest
	if !decodeBody(w, r, h.maxBodyBytes, &req) {
		return
	}
	if req.Step == nil || *req.Step < 0 {
		respondError(w, http.StatusBadRequest, "step must be a non-negative integer")
		return
	}

	if err := l.LogMetrics(r.Context(), req.Metrics, *req.Step); err != nil {
		h.writeFailure(w, l.RunID(), "log metrics", err)
		return
	}
	h.counters.StepLogged(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *IngestHandlers) PostRollouts(w http.ResponseWriter, r *http.Request) {
	l, ok := h.session(w, r)
	if !ok {
		return
	}
	var req rolloutsRequest
	if !decodeBody(w, r, h.maxBodyBytes, &req) {
		return
	}
	if req.Step == nil || *req.Step < 0 {
		respondError(w, http.StatusBadRequest, "step must be a non-negative integer")
		return
	}

	rollouts, conv := tviz.ConvertRollouts(req.Rollouts)
	if err := l.LogRollouts(r.Context(), rollouts, *req.Step); err != nil {
		h.writeFailure(w, l.RunID(), "log rollouts", err)
		return
	}
	if conv.DefaultedRewards > 0 {
		h.logger.Warn("Trajectories without reward stored as 0",
			"run_id", l.RunID(),
			"step", *req.Step,
			"count", conv.DefaultedRewards,
		)
	}

	trajectories := 0
	for _, ro := range rollouts {
		trajectories += len(ro.Trajectories)
	}
	h.counters.RolloutsLogged(r.Context(), len(rollouts), trajectories, conv.DefaultedRewards)
	w.WriteHeader(http.StatusNoContent)
}

func (h *IngestHandlers) CloseRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	found, err := h.sessions.Close(runID)
	if !found {
		respondError(w, http.StatusNotFound, "no open run "+runID)
		return
	}
	if err != nil {
		h.writeFailure(w, runID, "close run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *IngestHandlers) session(w http.ResponseWriter, r *http.Request) (*tviz.Logger, bool) {
	runID := chi.URLParam(r, "runID")
	l, ok := h.sessions.Get(runID)
	if !ok {
		respondError(w, http.StatusNotFound, "no open run "+runID)
		return nil, false
	}
	return l, true
}

func (h *IngestHandlers) writeFailure(w http.ResponseWriter, runID, op string, err error) {
	switch {
	case errors.Is(err, tviz.ErrInvalidRollout):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tviz.ErrClosed):
		respondError(w, http.StatusConflict, "run closed")
	default:
		h.logger.Error("Write failed", "run_id", runID, "op", op, "error", err)
		respondError(w, http.StatusInternalServerError, op+" failed")
	}
}
