package annotate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Capabilities represents what the installed annotators can do, as reported by
// the `doctor --json` command. Model versions feed annotation cache keys.
type Capabilities struct {
	PackageVersion string                   `json:"package_version"`
	Annotators     map[string]AnnotatorInfo `json:"annotators"`
	GPU            GPUInfo                  `json:"gpu"`

	ProbedAt time.Time `json:"-"`
}

// AnnotatorInfo reports one annotator's availability and model version.
type AnnotatorInfo struct {
	Available    bool   `json:"available"`
	ModelVersion string `json:"model_version,omitempty"`
	Error        string `json:"error,omitempty"`
}

// GPUInfo holds GPU availability information.
type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Has reports whether an annotator kind is available.
func (c *Capabilities) Has(kind Kind) bool {
	info, ok := c.Annotators[string(kind)]
	return ok && info.Available
}

// ModelVersion returns the model version for a kind, or "" when unavailable.
func (c *Capabilities) ModelVersion(kind Kind) string {
	info, ok := c.Annotators[string(kind)]
	if !ok {
		return ""
	}
	return info.ModelVersion
}

// CachedDoctor wraps an Invoker to cache doctor probe results with a TTL.
// This avoids running the doctor subprocess before every run.
type CachedDoctor struct {
	invoker Invoker
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

// NewCachedDoctor creates a caching wrapper around doctor probes.
func NewCachedDoctor(invoker Invoker, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		invoker: invoker,
		ttl:     defaultCacheTTL,
		logger:  logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new doctor probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.invoker.RunDoctor(ctx)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		// Return stale cache if available
		if d.cached != nil {
			d.logger.Info("returning stale capabilities cache")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = caps
	return caps, nil
}

// Invalidate clears the cached capabilities.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
