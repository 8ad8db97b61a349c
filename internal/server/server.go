// Package server exposes the thin HTTP trigger surface over the core
// orchestrators. It consumes the core through its interfaces only.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/observability"
	"ibkr-flex-ledger/internal/orchestrator"
	"ibkr-flex-ledger/internal/storage"
)

// Server wires the HTTP routes.
type Server struct {
	ingestion *orchestrator.Ingestion
	reprocess *orchestrator.Reprocess
	runs      storage.IngestionRunStore
	metrics   *observability.Metrics
	pinger    func(ctx context.Context) error
	logger    zerolog.Logger
}

// New creates the HTTP server wiring.
func New(ingestion *orchestrator.Ingestion, reprocess *orchestrator.Reprocess, runs storage.IngestionRunStore, metrics *observability.Metrics, pinger func(ctx context.Context) error, logger zerolog.Logger) *Server {
	return &Server{
		ingestion: ingestion,
		reprocess: reprocess,
		runs:      runs,
		metrics:   metrics,
		pinger:    pinger,
		logger:    logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/ingestion/runs", s.handleTriggerIngestion)
	r.Post("/reprocess/runs", s.handleTriggerReprocess)
	r.Get("/ingestion/runs", s.handleListRuns)
	r.Get("/ingestion/runs/{runID}", s.handleGetRun)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

type triggerRequest struct {
	RunType     string `json:"run_type"`
	PeriodKey   string `json:"period_key"`
	FlexQueryID string `json:"flex_query_id"`
}

func (s *Server) handleTriggerIngestion(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	runType := req.RunType
	if runType == "" {
		runType = domain.RunTypeManual
	}

	run, err := s.ingestion.Trigger(r.Context(), runType)
	s.writeRunResult(w, run, err)
}

func (s *Server) handleTriggerReprocess(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	run, err := s.reprocess.Trigger(r.Context(), req.PeriodKey, req.FlexQueryID)
	s.writeRunResult(w, run, err)
}

// writeRunResult maps orchestrator outcomes onto the HTTP surface: lock
// rejection is 409, a failed run still returns its id and diagnostics.
func (s *Server) writeRunResult(w http.ResponseWriter, run *domain.IngestionRun, err error) {
	if err != nil && run == nil {
		if errors.Is(err, storage.ErrRunAlreadyActive) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "run already active"})
			return
		}
		s.logger.Error().Err(err).Msg("run trigger failed before run creation")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetByID(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context(), 50, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	items := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		items = append(items, runResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": items})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func runResponse(run *domain.IngestionRun) map[string]any {
	if run == nil {
		return nil
	}
	response := map[string]any{
		"run_id":        run.ID,
		"account_id":    run.AccountID,
		"run_type":      run.RunType,
		"status":        run.Status,
		"period_key":    run.PeriodKey,
		"flex_query_id": run.FlexQueryID,
		"started_at":    run.StartedAtUTC,
		"diagnostics":   run.Diagnostics,
	}
	if run.ReportDateLocal != "" {
		response["report_date_local"] = run.ReportDateLocal
	}
	if run.EndedAtUTC != nil {
		response["ended_at"] = run.EndedAtUTC
	}
	if run.DurationMs != nil {
		response["duration_ms"] = run.DurationMs
	}
	if run.ErrorCode != nil {
		response["error_code"] = run.ErrorCode
	}
	if run.ErrorMessage != nil {
		response["error_message"] = run.ErrorMessage
	}
	return response
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
