// Package server exposes the relayer's read-only HTTP surface: health,
// job and chain inspection, and Prometheus metrics. No endpoint mutates
// state.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polymer-relayer/relayer-core/internal/metrics"
	"github.com/polymer-relayer/relayer-core/internal/store"
)

// Handlers serves every read-only endpoint this package exposes.
type Handlers struct {
	jobStore   *store.JobStore
	chainStore *store.ChainStore
	chains     []string
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// New builds Handlers. chains lists every configured chain name, used to
// answer GET /chains without a dedicated store query.
func New(jobStore *store.JobStore, chainStore *store.ChainStore, chains []string, m *metrics.Metrics, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}
	return &Handlers{
		jobStore:   jobStore,
		chainStore: chainStore,
		chains:     chains,
		metrics:    m,
		logger:     logger,
	}
}

// Mux builds the *http.ServeMux routing every endpoint this package serves.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/jobs", h.HandleListJobs)
	mux.HandleFunc("/jobs/", h.HandleGetJob)
	mux.HandleFunc("/chains", h.HandleListChains)
	if h.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// HandleHealth handles GET /health: a liveness probe with no store access.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListJobs handles GET /jobs?status=. With no status query parameter
// it returns every job in the pending/proof_requested/proof_ready group.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}

	ctx := r.Context()
	status := r.URL.Query().Get("status")

	var jobs []*store.Job
	var err error
	if status == "" {
		jobs, err = h.jobStore.FindPending(ctx)
	} else {
		jobs, err = h.jobStore.FindByStatus(ctx, store.JobStatus(status))
	}
	if err != nil {
		h.logger.Printf("list jobs: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list jobs")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// HandleGetJob handles GET /jobs/{id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/jobs/")
	idStr = strings.TrimSuffix(idStr, "/")
	if idStr == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id is required")
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id must be numeric")
		return
	}

	job, err := h.jobStore.FindByID(r.Context(), id)
	if err != nil {
		h.logger.Printf("get job %d: %v", id, err)
		h.writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", fmt.Sprintf("no job with id %d", id))
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// HandleListChains handles GET /chains: every configured chain's current
// watermark.
func (h *Handlers) HandleListChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}

	ctx := r.Context()
	type chainState struct {
		Chain         string `json:"chain"`
		LastProcessed uint64 `json:"lastProcessedBlock"`
	}
	states := make([]chainState, 0, len(h.chains))
	for _, chain := range h.chains {
		last, err := h.chainStore.GetLastProcessed(ctx, chain)
		if err != nil {
			h.logger.Printf("get last processed for %s: %v", chain, err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read chain state")
			return
		}
		states = append(states, chainState{Chain: chain, LastProcessed: last})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"chains": states})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("encode response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
