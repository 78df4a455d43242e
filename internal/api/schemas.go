package api

import (
	"time"

	"github.com/vidcurate/curatord/internal/run"
	"github.com/vidcurate/curatord/internal/sink"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State            string              `json:"state"`
	ActiveRun        *RunResponse        `json:"active_run,omitempty"`
	CheckpointCursor uint64              `json:"checkpoint_cursor"`
	RecordsCount     int                 `json:"records_count"`
	Cache            *CacheResponse      `json:"cache,omitempty"`
	Annotators       *AnnotatorsResponse `json:"annotators,omitempty"`
	Scheduler        *SchedulerResponse  `json:"scheduler,omitempty"`
}

type CacheResponse struct {
	Entries     int    `json:"entries"`
	PayloadSize string `json:"payload_size"`
}

type AnnotatorsResponse struct {
	Available   []string `json:"available"`
	Unavailable []string `json:"unavailable"`
	GPU         bool     `json:"gpu"`
	LastProbeAt string   `json:"last_probe_at,omitempty"`
}

type SchedulerResponse struct {
	CacheHits   int64 `json:"cache_hits"`
	Invocations int64 `json:"invocations"`
	Retries     int64 `json:"retries"`
	Succeeded   int64 `json:"succeeded"`
	Skipped     int64 `json:"skipped"`
	Failed      int64 `json:"failed"`
}

type StartRunRequest struct {
	Manifest string `json:"manifest"`
}

type StartRunResponse struct {
	RunID string `json:"run_id"`
}

type RunResponse struct {
	ID               string `json:"id"`
	Manifest         string `json:"manifest"`
	Status           string `json:"status"`
	ClipsSeen        int64  `json:"clips_seen"`
	RecordsCommitted int64  `json:"records_committed"`
	ClipsDropped     int64  `json:"clips_dropped"`
	CacheHits        int64  `json:"cache_hits"`
	Invocations      int64  `json:"invocations"`
	Error            string `json:"error,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type DroppedClipResponse struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id,omitempty"`
	ClipID    string            `json:"clip_id"`
	Position  uint64            `json:"position"`
	Reasons   map[string]string `json:"reasons"`
	CreatedAt string            `json:"created_at"`
}

type DroppedResponse struct {
	Dropped []DroppedClipResponse `json:"dropped"`
}

type PruneRequest struct {
	Annotator string `json:"annotator"`
	Version   string `json:"version"`
}

type PruneResponse struct {
	Removed int64 `json:"removed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func RunToResponse(r *run.Run) RunResponse {
	return RunResponse{
		ID:               r.ID,
		Manifest:         r.Manifest,
		Status:           r.Status,
		ClipsSeen:        r.ClipsSeen,
		RecordsCommitted: r.RecordsCommitted,
		ClipsDropped:     r.ClipsDropped,
		CacheHits:        r.CacheHits,
		Invocations:      r.Invocations,
		Error:            r.Error,
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        r.UpdatedAt.Format(time.RFC3339),
	}
}

func DroppedToResponse(d *sink.DroppedReport) DroppedClipResponse {
	return DroppedClipResponse{
		ID:        d.ID,
		RunID:     d.RunID,
		ClipID:    d.ClipID,
		Position:  d.Position,
		Reasons:   d.Reasons,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
}
