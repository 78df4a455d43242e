package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/cache"
	"github.com/vidcurate/curatord/internal/corpus"
	"github.com/vidcurate/curatord/internal/merge"
	"github.com/vidcurate/curatord/internal/remote"
	"github.com/vidcurate/curatord/internal/scheduler"
	"github.com/vidcurate/curatord/internal/sink"
)

var ErrRunActive = errors.New("a run is already active")

// OrchestratorConfig wires the orchestrator to the rest of the pipeline.
// Remote is optional; leave it nil to keep records local only.
type OrchestratorConfig struct {
	Repo      Repository
	Doctor    *annotate.CachedDoctor
	Cache     *cache.Store
	Sink      *sink.Sink
	Invoker   annotate.Invoker
	Decoder   corpus.Decoder
	Remote    remote.Client
	Required  []annotate.Kind
	Mandatory []annotate.Kind

	MaxRetries  int
	BackoffBase time.Duration
	GPUWorkers  int
	CPUWorkers  int

	Logger *slog.Logger
}

// activeRun is the live state of the single in-flight run.
type activeRun struct {
	id     string
	sched  *scheduler.Scheduler
	cancel context.CancelFunc

	mu        sync.Mutex
	fatalErr  error
	cancelled bool
}

func (a *activeRun) fatal(err error) {
	a.mu.Lock()
	if a.fatalErr == nil {
		a.fatalErr = err
	}
	a.mu.Unlock()
	a.cancel()
}

func (a *activeRun) failure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatalErr
}

// Orchestrator executes curation runs one at a time: it gates on annotator
// capabilities, enumerates the corpus from the checkpoint, feeds the
// scheduler, and routes merge outcomes into the sink.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger *slog.Logger

	mu     sync.Mutex
	active *activeRun
	done   sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}
}

// StartRun registers a new run over the given manifest and executes it in the
// background. Only one run may be active at a time.
func (o *Orchestrator) StartRun(ctx context.Context, manifest string) (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return nil, ErrRunActive
	}

	now := time.Now().UTC()
	r := &Run{
		ID:        uuid.NewString(),
		Manifest:  manifest,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.cfg.Repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("register run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	active := &activeRun{id: r.ID, cancel: cancel}
	o.active = active

	o.done.Add(1)
	go func() {
		defer o.done.Done()
		o.execute(runCtx, active, r)
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
	}()

	return r, nil
}

// Cancel stops the active run. Queued work units resolve without invoking;
// in-flight invocations finish or time out. No-op if id is not active.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.id != id {
		return false
	}
	o.active.mu.Lock()
	o.active.cancelled = true
	o.active.mu.Unlock()
	o.active.cancel()
	return true
}

// Shutdown cancels any active run and waits for it to drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.active != nil {
		o.active.mu.Lock()
		o.active.cancelled = true
		o.active.mu.Unlock()
		o.active.cancel()
	}
	o.mu.Unlock()
	o.done.Wait()
}

// Pause suspends dispatch on the active run's scheduler.
func (o *Orchestrator) Pause() bool {
	if s := o.activeScheduler(); s != nil {
		s.Pause()
		return true
	}
	return false
}

// Resume re-enables dispatch on the active run's scheduler.
func (o *Orchestrator) Resume() bool {
	if s := o.activeScheduler(); s != nil {
		s.Resume()
		return true
	}
	return false
}

func (o *Orchestrator) IsPaused() bool {
	if s := o.activeScheduler(); s != nil {
		return s.IsPaused()
	}
	return false
}

// ActiveRunID returns the in-flight run's ID, or "" when idle.
func (o *Orchestrator) ActiveRunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.id
}

// SchedulerStats returns the active scheduler's counters, or zeroes when idle.
func (o *Orchestrator) SchedulerStats() scheduler.Stats {
	if s := o.activeScheduler(); s != nil {
		return s.Snapshot()
	}
	return scheduler.Stats{}
}

func (o *Orchestrator) activeScheduler() *scheduler.Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil
	}
	return o.active.sched
}

// execute runs one curation pass to completion.
func (o *Orchestrator) execute(ctx context.Context, active *activeRun, r *Run) {
	logger := o.logger.With("run_id", r.ID)
	logger.Info("run starting", "manifest", r.Manifest)

	versions, required, mandatory, err := o.gate(ctx)
	if err != nil {
		o.finish(active, r, Counters{}, err)
		return
	}

	merger := merge.New(required, mandatory, logger)

	sched := scheduler.New(scheduler.Config{
		MaxRetries:  o.cfg.MaxRetries,
		BackoffBase: o.cfg.BackoffBase,
		GPUWorkers:  o.cfg.GPUWorkers,
		CPUWorkers:  o.cfg.CPUWorkers,
		Invoker:     o.cfg.Invoker,
		Decoder:     o.cfg.Decoder,
		Cache:       o.cfg.Cache,
		Logger:      logger,
	})
	o.mu.Lock()
	active.sched = sched
	o.mu.Unlock()
	sched.Start()

	if err := o.cfg.Repo.UpdateStatus(ctx, r.ID, StatusRunning, ""); err != nil {
		logger.Warn("run status update failed", "error", err)
	}

	var counters Counters
	var countersMu sync.Mutex

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		o.consume(active, r.ID, merger, sched, &counters, &countersMu, logger)
	}()

	seen, prodErr := o.produce(ctx, r.Manifest, versions, sched, logger)
	countersMu.Lock()
	counters.ClipsSeen = seen
	countersMu.Unlock()

	drained := make(chan struct{})
	go func() {
		sched.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		// Cancellation mid-drain: queued units resolve without invoking,
		// in-flight invocations finish or time out.
		sched.Stop()
		<-drained
	}
	<-consumerDone

	stats := sched.Snapshot()
	countersMu.Lock()
	counters.CacheHits = stats.CacheHits
	counters.Invocations = stats.Invocations
	final := counters
	countersMu.Unlock()

	if prodErr != nil && active.failure() == nil {
		active.fatal(prodErr)
	}
	o.finish(active, r, final, active.failure())
}

// gate probes annotator capabilities and applies the availability policy:
// a missing mandatory annotator fails the run, a missing optional one is
// excluded from the run's required set.
func (o *Orchestrator) gate(ctx context.Context) (map[annotate.Kind]string, []annotate.Kind, []annotate.Kind, error) {
	caps, err := o.cfg.Doctor.Get(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("capability probe: %w", err)
	}

	mandatorySet := make(map[annotate.Kind]bool, len(o.cfg.Mandatory))
	for _, k := range o.cfg.Mandatory {
		mandatorySet[k] = true
	}

	versions := make(map[annotate.Kind]string)
	var required, mandatory []annotate.Kind
	for _, kind := range o.cfg.Required {
		if !caps.Has(kind) {
			if mandatorySet[kind] {
				return nil, nil, nil, fmt.Errorf("mandatory annotator %q unavailable", kind)
			}
			o.logger.Warn("optional annotator unavailable, excluding from run", "annotator", kind)
			continue
		}
		required = append(required, kind)
		versions[kind] = caps.ModelVersion(kind)
		if mandatorySet[kind] {
			mandatory = append(mandatory, kind)
		}
	}
	if len(required) == 0 {
		return nil, nil, nil, errors.New("no annotators available")
	}
	return versions, required, mandatory, nil
}

// produce enumerates the manifest from the checkpoint frontier, skipping
// positions already durably committed, and submits the rest.
func (o *Orchestrator) produce(ctx context.Context, manifest string, versions map[annotate.Kind]string, sched *scheduler.Scheduler, logger *slog.Logger) (int64, error) {
	cp := o.cfg.Sink.Checkpoint()
	source := corpus.NewManifestSource(manifest, logger)
	clips, err := source.Enumerate(ctx, cp.Cursor)
	if err != nil {
		return 0, fmt.Errorf("enumerate corpus: %w", err)
	}

	logger.Info("enumeration started", "cursor", cp.Cursor, "committed_above", len(cp.Committed))

	var seen int64
	for clip := range clips {
		if ctx.Err() != nil {
			break
		}
		if o.cfg.Sink.IsCommitted(clip.Position) {
			continue
		}
		seen++
		sched.Submit(ctx, clip, versions)
	}
	return seen, nil
}

// consume routes resolutions through the merge layer and outcomes into the
// sink. Cache corruption and checkpoint write failures are fatal: the run is
// cancelled and remaining resolutions drain without committing.
func (o *Orchestrator) consume(active *activeRun, runID string, merger *merge.Merger, sched *scheduler.Scheduler, counters *Counters, countersMu *sync.Mutex, logger *slog.Logger) {
	for res := range sched.Results() {
		if res.Err != nil {
			logger.Error("fatal resolution", "clip_id", res.Unit.Clip.ID, "annotator", res.Unit.Kind, "error", res.Err)
			active.fatal(res.Err)
			continue
		}

		outcome := merger.Notify(res.Unit.Clip, res.Result)
		if outcome == nil || active.failure() != nil {
			continue
		}

		switch {
		case outcome.Record != nil:
			if err := o.cfg.Sink.Commit(context.Background(), outcome.Record); err != nil {
				logger.Error("record commit failed", "clip_id", outcome.Record.Clip.ID, "error", err)
				if errors.Is(err, sink.ErrCheckpointWrite) {
					active.fatal(err)
				}
				continue
			}
			countersMu.Lock()
			counters.RecordsCommitted++
			committed := counters.RecordsCommitted
			countersMu.Unlock()
			logger.Info("record committed", "clip_id", outcome.Record.Clip.ID, "position", outcome.Record.Clip.Position, "total", committed)
			o.publish(outcome.Record, logger)

		case outcome.Dropped != nil:
			active.mu.Lock()
			cancelled := active.cancelled
			active.mu.Unlock()
			if cancelled {
				// Failures under cancellation are not verdicts. Leave the
				// position uncommitted so the next run re-evaluates the clip.
				continue
			}
			if err := o.cfg.Sink.Drop(context.Background(), runID, outcome.Dropped); err != nil {
				logger.Error("drop report failed", "clip_id", outcome.Dropped.Clip.ID, "error", err)
				if errors.Is(err, sink.ErrCheckpointWrite) {
					active.fatal(err)
				}
				continue
			}
			countersMu.Lock()
			counters.ClipsDropped++
			countersMu.Unlock()
		}
	}
}

// publish forwards a committed record to the remote dataset service. Upload
// failures never affect the run: the local sink is the source of truth.
func (o *Orchestrator) publish(record *merge.MergedRecord, logger *slog.Logger) {
	if o.cfg.Remote == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	if err := o.cfg.Remote.PublishRecord(ctx, record); err != nil {
		logger.Warn("remote publish failed", "clip_id", record.Clip.ID, "error", err)
	}
}

func (o *Orchestrator) finish(active *activeRun, r *Run, counters Counters, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.cfg.Repo.UpdateCounters(ctx, r.ID, counters); err != nil {
		o.logger.Warn("run counter update failed", "run_id", r.ID, "error", err)
	}

	status := StatusCompleted
	errMsg := ""
	active.mu.Lock()
	cancelled := active.cancelled
	active.mu.Unlock()

	switch {
	case runErr != nil:
		status = StatusFailed
		errMsg = runErr.Error()
	case cancelled:
		status = StatusCancelled
	}

	if err := o.cfg.Repo.UpdateStatus(ctx, r.ID, status, errMsg); err != nil {
		o.logger.Warn("run status update failed", "run_id", r.ID, "error", err)
	}

	o.logger.Info("run finished",
		"run_id", r.ID,
		"status", status,
		"clips_seen", counters.ClipsSeen,
		"records", counters.RecordsCommitted,
		"dropped", counters.ClipsDropped,
		"cache_hits", counters.CacheHits,
		"invocations", counters.Invocations,
	)
}
