package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/export"
	"github.com/vidcurate/curatord/internal/run"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/runs", startRunHandler(cfg))
		r.Get("/runs", listRunsHandler(cfg))
		r.Get("/runs/{id}", getRunHandler(cfg))
		r.Post("/runs/{id}/cancel", cancelRunHandler(cfg))
		r.Get("/records", listRecordsHandler(cfg))
		r.Get("/dropped", listDroppedHandler(cfg))
		r.Post("/export", exportHandler(cfg))
		r.Post("/cache/prune", pruneCacheHandler(cfg))
		r.Post("/scheduler/pause", pauseHandler(cfg))
		r.Post("/scheduler/resume", resumeHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: "0.1.0",
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		state := "idle"
		var activeRun *RunResponse
		if id := cfg.Orchestrator.ActiveRunID(); id != "" {
			state = "running"
			if cfg.Orchestrator.IsPaused() {
				state = "paused"
			}
			if active, err := cfg.Repository.Get(ctx, id); err == nil && active != nil {
				resp := RunToResponse(active)
				activeRun = &resp
			}
		}

		recordsCount, _ := cfg.Sink.RecordCount(ctx)

		resp := StatusResponse{
			State:            state,
			ActiveRun:        activeRun,
			CheckpointCursor: cfg.Sink.Checkpoint().Cursor,
			RecordsCount:     recordsCount,
		}

		if stats, err := cfg.Cache.Stats(ctx); err == nil {
			resp.Cache = &CacheResponse{
				Entries:     stats.Entries,
				PayloadSize: humanize.Bytes(uint64(stats.PayloadBytes)),
			}
		}

		if caps := cfg.Doctor.Peek(); caps != nil {
			annotators := &AnnotatorsResponse{
				GPU:         caps.GPU.CUDAAvailable,
				LastProbeAt: caps.ProbedAt.Format(time.RFC3339),
			}
			for _, kind := range annotate.AllKinds {
				if caps.Has(kind) {
					annotators.Available = append(annotators.Available, string(kind))
				} else {
					annotators.Unavailable = append(annotators.Unavailable, string(kind))
				}
			}
			resp.Annotators = annotators
		}

		if state != "idle" {
			stats := cfg.Orchestrator.SchedulerStats()
			resp.Scheduler = &SchedulerResponse{
				CacheHits:   stats.CacheHits,
				Invocations: stats.Invocations,
				Retries:     stats.Retries,
				Succeeded:   stats.Succeeded,
				Skipped:     stats.Skipped,
				Failed:      stats.Failed,
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func startRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Manifest == "" {
			WriteError(w, http.StatusBadRequest, "manifest is required", "BAD_REQUEST")
			return
		}

		started, err := cfg.Orchestrator.StartRun(r.Context(), req.Manifest)
		if err != nil {
			if errors.Is(err, run.ErrRunActive) {
				WriteError(w, http.StatusConflict, err.Error(), "RUN_ACTIVE")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, StartRunResponse{RunID: started.ID})
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := cfg.Repository.List(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list runs", "INTERNAL_ERROR")
			return
		}

		resp := RunsResponse{Runs: make([]RunResponse, len(runs))}
		for i, item := range runs {
			resp.Runs[i] = RunToResponse(item)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "run id required", "BAD_REQUEST")
			return
		}

		item, err := cfg.Repository.Get(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if item == nil {
			WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, RunToResponse(item))
	}
}

func cancelRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "run id required", "BAD_REQUEST")
			return
		}

		if !cfg.Orchestrator.Cancel(id) {
			WriteError(w, http.StatusConflict, "run is not active", "NOT_ACTIVE")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func listRecordsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryLimit(r, 50)
		records, err := cfg.Sink.Records(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list records", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"records": records})
	}
}

func listDroppedHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run_id")
		dropped, err := cfg.Sink.Dropped(r.Context(), runID, queryLimit(r, 100))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list dropped clips", "INTERNAL_ERROR")
			return
		}

		resp := DroppedResponse{Dropped: make([]DroppedClipResponse, len(dropped))}
		for i, d := range dropped {
			resp.Dropped[i] = DroppedToResponse(d)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req export.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		resp, err := cfg.Exporter.Export(r.Context(), req)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func pruneCacheHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PruneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		kind, err := annotate.ParseKind(req.Annotator)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		if req.Version == "" {
			WriteError(w, http.StatusBadRequest, "version is required", "BAD_REQUEST")
			return
		}

		removed, err := cfg.Cache.Prune(r.Context(), kind, req.Version)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, PruneResponse{Removed: removed})
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Orchestrator.Pause() {
			WriteError(w, http.StatusConflict, "no active run", "NOT_ACTIVE")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"paused": true})
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Orchestrator.Resume() {
			WriteError(w, http.StatusConflict, "no active run", "NOT_ACTIVE")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"paused": false})
	}
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	return limit
}
