// Package config provides configuration management for curatord.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".curatord"

	// Environment variable names
	EnvPort     = "CURATOR_PORT"
	EnvLogLevel = "CURATOR_LOG_LEVEL"
	EnvDataDir  = "CURATOR_DATA_DIR"
	EnvHeadless = "CURATOR_HEADLESS"

	EnvRequired    = "CURATOR_REQUIRED_ANNOTATORS"
	EnvMandatory   = "CURATOR_MANDATORY_ANNOTATORS"
	EnvMaxRetries  = "CURATOR_MAX_RETRIES"
	EnvBackoffBase = "CURATOR_BACKOFF_BASE_MS"
	EnvGPUWorkers  = "CURATOR_GPU_WORKERS"
	EnvCPUWorkers  = "CURATOR_CPU_WORKERS"

	EnvAnnotatorsPython = "CURATOR_ANNOTATORS_PYTHON"
	EnvAnnotatorsModule = "CURATOR_ANNOTATORS_MODULE"

	EnvRemoteEnabled = "CURATOR_REMOTE_ENABLED"
	EnvRemoteBaseURL = "CURATOR_REMOTE_BASE_URL"
	EnvRemoteToken   = "CURATOR_REMOTE_TOKEN"
	EnvRemoteDataset = "CURATOR_REMOTE_DATASET"

	// Database filename
	DBFilename = "curatord.db"

	// Annotator defaults
	DefaultAnnotatorsModule       = "curator_model_annotators"
	DefaultRequiredAnnotators     = "segmentation,faces,pose,profanity"
	DefaultMandatoryAnnotators    = "segmentation,faces"
	DefaultMaxRetries             = 3
	DefaultBackoffBaseMs          = 500
	DefaultGPUWorkers             = 2
	DefaultCPUWorkers             = 8
	DefaultAnnotatorTimeoutDoctor = 30   // seconds
	DefaultAnnotatorTimeoutGPU    = 900  // 15 minutes
	DefaultAnnotatorTimeoutCPU    = 120  // 2 minutes
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	Headless() bool

	RequiredAnnotators() []string
	MandatoryAnnotators() []string
	MaxRetries() int
	BackoffBase() time.Duration
	GPUWorkers() int
	CPUWorkers() int

	AnnotatorsPython() string
	AnnotatorsModule() string
	AnnotatorTimeoutDoctor() time.Duration
	AnnotatorTimeoutGPU() time.Duration
	AnnotatorTimeoutCPU() time.Duration

	RemoteEnabled() bool
	RemoteBaseURL() string
	RemoteToken() string
	RemoteDataset() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string
	headless bool

	required    []string
	mandatory   []string
	maxRetries  int
	backoffBase time.Duration
	gpuWorkers  int
	cpuWorkers  int

	annotatorsPython string
	annotatorsModule string

	remoteEnabled bool
	remoteBaseURL string
	remoteToken   string
	remoteDataset string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:        DefaultPort,
		logLevel:    DefaultLogLevel,
		dataDir:     defaultDataDir(),
		headless:    true,
		required:    splitList(DefaultRequiredAnnotators),
		mandatory:   splitList(DefaultMandatoryAnnotators),
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBaseMs * time.Millisecond,
		gpuWorkers:  DefaultGPUWorkers,
		cpuWorkers:  DefaultCPUWorkers,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	if req := os.Getenv(EnvRequired); req != "" {
		cfg.required = splitList(req)
	}
	if man := os.Getenv(EnvMandatory); man != "" {
		cfg.mandatory = splitList(man)
	}
	for _, m := range cfg.mandatory {
		if !contains(cfg.required, m) {
			return nil, fmt.Errorf("mandatory annotator %q is not in the required set", m)
		}
	}

	if mr := os.Getenv(EnvMaxRetries); mr != "" {
		n, err := strconv.Atoi(mr)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s: must be a non-negative integer", EnvMaxRetries)
		}
		cfg.maxRetries = n
	}

	if bb := os.Getenv(EnvBackoffBase); bb != "" {
		ms, err := strconv.Atoi(bb)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer (milliseconds)", EnvBackoffBase)
		}
		cfg.backoffBase = time.Duration(ms) * time.Millisecond
	}

	if gw := os.Getenv(EnvGPUWorkers); gw != "" {
		n, err := strconv.Atoi(gw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvGPUWorkers)
		}
		cfg.gpuWorkers = n
	}

	if cw := os.Getenv(EnvCPUWorkers); cw != "" {
		n, err := strconv.Atoi(cw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvCPUWorkers)
		}
		cfg.cpuWorkers = n
	}

	cfg.annotatorsPython = os.Getenv(EnvAnnotatorsPython)

	if am := os.Getenv(EnvAnnotatorsModule); am != "" {
		cfg.annotatorsModule = am
	}

	if re := os.Getenv(EnvRemoteEnabled); re != "" {
		enabled, err := strconv.ParseBool(re)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvRemoteEnabled, err)
		}
		cfg.remoteEnabled = enabled
	}
	cfg.remoteBaseURL = os.Getenv(EnvRemoteBaseURL)
	cfg.remoteToken = os.Getenv(EnvRemoteToken)
	cfg.remoteDataset = os.Getenv(EnvRemoteDataset)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// Headless reports whether the tray UI is disabled
func (c *EnvConfig) Headless() bool {
	return c.headless
}

// RequiredAnnotators returns the annotator kinds every clip must run
func (c *EnvConfig) RequiredAnnotators() []string {
	return c.required
}

// MandatoryAnnotators returns the subset whose failure drops the clip
func (c *EnvConfig) MandatoryAnnotators() []string {
	return c.mandatory
}

func (c *EnvConfig) MaxRetries() int {
	return c.maxRetries
}

func (c *EnvConfig) BackoffBase() time.Duration {
	return c.backoffBase
}

func (c *EnvConfig) GPUWorkers() int {
	return c.gpuWorkers
}

func (c *EnvConfig) CPUWorkers() int {
	return c.cpuWorkers
}

func (c *EnvConfig) AnnotatorsPython() string {
	return c.annotatorsPython
}

func (c *EnvConfig) AnnotatorsModule() string {
	if c.annotatorsModule != "" {
		return c.annotatorsModule
	}
	return DefaultAnnotatorsModule
}

func (c *EnvConfig) AnnotatorTimeoutDoctor() time.Duration {
	return time.Duration(DefaultAnnotatorTimeoutDoctor) * time.Second
}

func (c *EnvConfig) AnnotatorTimeoutGPU() time.Duration {
	return time.Duration(DefaultAnnotatorTimeoutGPU) * time.Second
}

func (c *EnvConfig) AnnotatorTimeoutCPU() time.Duration {
	return time.Duration(DefaultAnnotatorTimeoutCPU) * time.Second
}

func (c *EnvConfig) RemoteEnabled() bool {
	return c.remoteEnabled
}

func (c *EnvConfig) RemoteBaseURL() string {
	return c.remoteBaseURL
}

func (c *EnvConfig) RemoteToken() string {
	return c.remoteToken
}

func (c *EnvConfig) RemoteDataset() string {
	return c.remoteDataset
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
