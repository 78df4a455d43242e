// Package scheduler assigns pending (clip, annotator) work units to bounded
// worker pools, one pool per resource class, consulting the annotation cache
// before every dispatch and applying retry policy to transient failures.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/cache"
	"github.com/vidcurate/curatord/internal/corpus"
)

// Class is a scheduling resource class. GPU-bound annotators share a small
// concurrency limit so accelerators are never oversubscribed.
type Class string

const (
	ClassGPU Class = "gpu"
	ClassCPU Class = "cpu"
)

// WorkUnit is one (clip, annotator kind, annotator version) obligation.
type WorkUnit struct {
	Clip    corpus.ClipRecord
	Kind    annotate.Kind
	Version string

	attempt int
}

// Class returns the resource class the unit dispatches under.
func (u WorkUnit) Class() Class {
	if u.Kind.GPUBound() {
		return ClassGPU
	}
	return ClassCPU
}

// CacheKey derives the unit's annotation cache key.
func (u WorkUnit) CacheKey() cache.Key {
	return cache.Key{Fingerprint: u.Clip.Fingerprint, Kind: u.Kind, Version: u.Version}
}

// Origin distinguishes fresh invocations from cache hits.
type Origin int

const (
	OriginInvoked Origin = iota
	OriginCache
)

// Resolution is one terminally resolved work unit. Err is non-nil only for
// fatal conditions (cache corruption); annotator failures are carried in the
// Result status.
type Resolution struct {
	Unit   WorkUnit
	Result *annotate.Result
	Origin Origin
	Err    error
}

// AnnotationCache is the cache surface the scheduler needs.
type AnnotationCache interface {
	Lookup(ctx context.Context, key cache.Key) (*annotate.Result, bool, error)
	Commit(ctx context.Context, key cache.Key, result *annotate.Result) error
}

// Config holds the scheduler's configuration.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	GPUWorkers  int
	CPUWorkers  int
	Invoker     annotate.Invoker
	Decoder     corpus.Decoder
	Cache       AnnotationCache
	Logger      *slog.Logger
}

// Stats are the scheduler's lifetime counters.
type Stats struct {
	CacheHits   int64
	Invocations int64
	Retries     int64
	Succeeded   int64
	Skipped     int64
	Failed      int64
}

// Scheduler owns the per-class worker pools and the work unit state machine:
// Pending -> Dispatched -> {Succeeded, Skipped, Retrying(n) -> Dispatched}.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	queues  map[Class]*fifo
	results chan Resolution

	workerWG     sync.WaitGroup
	unitWG       sync.WaitGroup
	shutdownOnce sync.Once

	stopped atomic.Bool
	paused  atomic.Bool

	cacheHits   atomic.Int64
	invocations atomic.Int64
	retries     atomic.Int64
	succeeded   atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
}

func New(cfg Config) *Scheduler {
	if cfg.GPUWorkers < 1 {
		cfg.GPUWorkers = 1
	}
	if cfg.CPUWorkers < 1 {
		cfg.CPUWorkers = 1
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		queues: map[Class]*fifo{
			ClassGPU: newFIFO(),
			ClassCPU: newFIFO(),
		},
		results: make(chan Resolution, 64),
	}
}

// Start spawns the worker pools. Workers run until Stop or Drain.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.GPUWorkers; i++ {
		s.workerWG.Add(1)
		go s.worker(ClassGPU)
	}
	for i := 0; i < s.cfg.CPUWorkers; i++ {
		s.workerWG.Add(1)
		go s.worker(ClassCPU)
	}
	s.logger.Info("scheduler started",
		"gpu_workers", s.cfg.GPUWorkers,
		"cpu_workers", s.cfg.CPUWorkers,
	)
}

// Results yields resolutions as work units terminate. The channel closes after
// Drain (or Stop) once every submitted unit has resolved.
func (s *Scheduler) Results() <-chan Resolution {
	return s.results
}

// Submit enqueues one work unit per required annotator kind for the clip.
// The cache is consulted first: hits resolve immediately without dispatch.
// Returns the number of units submitted.
func (s *Scheduler) Submit(ctx context.Context, clip corpus.ClipRecord, versions map[annotate.Kind]string) int {
	n := 0
	for kind, version := range versions {
		unit := WorkUnit{Clip: clip, Kind: kind, Version: version}
		n++
		s.unitWG.Add(1)

		cached, ok, err := s.cfg.Cache.Lookup(ctx, unit.CacheKey())
		if err != nil {
			s.logger.Warn("cache lookup failed, dispatching anyway",
				"clip_id", clip.ID, "annotator", kind, "error", err)
		}
		if ok {
			s.cacheHits.Add(1)
			s.resolve(Resolution{Unit: unit, Result: cached, Origin: OriginCache})
			continue
		}

		s.queues[unit.Class()].push(unit)
	}
	return n
}

// Drain waits for every submitted unit to resolve, then shuts the pools down
// and closes the results channel. Call after the last Submit.
func (s *Scheduler) Drain() {
	s.unitWG.Wait()
	s.shutdown()
}

// Stop cancels dispatch immediately: queued units resolve as failed without
// invoking, in-flight invocations finish or time out. Blocks until every
// submitted unit has resolved.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.Resume() // wake paused workers so they can drain
	s.unitWG.Wait()
	s.shutdown()
}

func (s *Scheduler) shutdown() {
	s.shutdownOnce.Do(func() {
		for _, q := range s.queues {
			q.close()
		}
		s.workerWG.Wait()
		close(s.results)
		s.logger.Info("scheduler stopped",
			"invocations", s.invocations.Load(),
			"cache_hits", s.cacheHits.Load(),
			"retries", s.retries.Load(),
		)
	})
}

// Pause suspends dispatch of new work units. In-flight invocations continue.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.logger.Info("scheduler paused")
}

// Resume re-enables dispatch.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		for _, q := range s.queues {
			q.wake()
		}
		s.logger.Info("scheduler resumed")
	}
}

func (s *Scheduler) IsPaused() bool {
	return s.paused.Load()
}

// Snapshot returns the current counters.
func (s *Scheduler) Snapshot() Stats {
	return Stats{
		CacheHits:   s.cacheHits.Load(),
		Invocations: s.invocations.Load(),
		Retries:     s.retries.Load(),
		Succeeded:   s.succeeded.Load(),
		Skipped:     s.skipped.Load(),
		Failed:      s.failed.Load(),
	}
}

func (s *Scheduler) worker(class Class) {
	defer s.workerWG.Done()
	q := s.queues[class]

	for {
		unit, ok := q.pop(func() bool { return !s.paused.Load() || s.stopped.Load() })
		if !ok {
			return
		}
		s.process(unit)
	}
}

// process runs one dispatch attempt for a work unit.
func (s *Scheduler) process(unit WorkUnit) {
	if s.stopped.Load() {
		s.failed.Add(1)
		s.resolve(Resolution{
			Unit:   unit,
			Result: annotate.Failed(unit.Kind, unit.Version, "dispatch cancelled"),
		})
		return
	}

	ctx := context.Background()

	frames, err := s.cfg.Decoder.Decode(ctx, unit.Clip)
	if err != nil {
		var de *corpus.DecodeError
		if errors.As(err, &de) {
			// Unreadable clip: permanent for every annotator of this clip.
			s.logger.Warn("clip decode failed", "clip_id", unit.Clip.ID, "reason", de.Reason)
			s.skipped.Add(1)
			s.resolve(Resolution{
				Unit:   unit,
				Result: annotate.Skipped(unit.Kind, unit.Version, "decode: "+de.Reason),
			})
			return
		}
		s.retryOrFail(unit, annotate.Transient(err.Error()))
		return
	}
	defer frames.Release()

	s.invocations.Add(1)
	payload, err := s.cfg.Invoker.Invoke(ctx, unit.Kind, unit.Clip, frames)
	if err != nil {
		var failure *annotate.Failure
		if !errors.As(err, &failure) {
			failure = annotate.Transient(err.Error())
		}
		if failure.Class == annotate.FailurePermanent {
			result := annotate.Skipped(unit.Kind, unit.Version, failure.Reason)
			s.skipped.Add(1)
			s.commitAndResolve(unit, result)
			return
		}
		s.retryOrFail(unit, failure)
		return
	}

	result := annotate.Success(unit.Kind, unit.Version, payload)
	s.succeeded.Add(1)
	s.commitAndResolve(unit, result)
}

// commitAndResolve commits a terminal result to the cache and emits the
// resolution. Cache corruption is surfaced as a fatal resolution error.
func (s *Scheduler) commitAndResolve(unit WorkUnit, result *annotate.Result) {
	err := s.cfg.Cache.Commit(context.Background(), unit.CacheKey(), result)
	if err != nil {
		if errors.Is(err, cache.ErrCorruption) {
			s.resolve(Resolution{Unit: unit, Result: result, Err: err})
			return
		}
		s.logger.Error("cache commit failed", "clip_id", unit.Clip.ID, "annotator", unit.Kind, "error", err)
	}
	s.resolve(Resolution{Unit: unit, Result: result})
}

// retryOrFail applies the retry policy to a transient failure: exponential
// backoff up to MaxRetries, then a terminal failed result.
func (s *Scheduler) retryOrFail(unit WorkUnit, failure *annotate.Failure) {
	if unit.attempt >= s.cfg.MaxRetries || s.stopped.Load() {
		s.failed.Add(1)
		s.resolve(Resolution{
			Unit:   unit,
			Result: annotate.Failed(unit.Kind, unit.Version, failure.Reason),
		})
		return
	}

	unit.attempt++
	s.retries.Add(1)
	backoff := s.cfg.BackoffBase << (unit.attempt - 1)

	s.logger.Info("retrying work unit",
		"clip_id", unit.Clip.ID,
		"annotator", unit.Kind,
		"attempt", unit.attempt,
		"backoff", backoff,
		"reason", failure.Reason,
	)

	time.AfterFunc(backoff, func() {
		if !s.queues[unit.Class()].push(unit) {
			// Pool already shut down; resolve so accounting stays closed.
			s.failed.Add(1)
			s.resolve(Resolution{
				Unit:   unit,
				Result: annotate.Failed(unit.Kind, unit.Version, failure.Reason),
			})
		}
	})
}

func (s *Scheduler) resolve(r Resolution) {
	s.results <- r
	s.unitWG.Done()
}
