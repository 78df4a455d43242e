package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vidcurate/curatord/internal/corpus"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

	// Annotator CLI exit codes. Everything else is treated as transient.
	exitUnsupportedInput  = 2
	exitResourceExhausted = 3
)

// Invoker executes one annotator over one clip's frames, synchronously.
// Failures are returned as *Failure so the scheduler can apply retry policy.
type Invoker interface {
	// RunDoctor probes annotator availability and model versions.
	RunDoctor(ctx context.Context) (*Capabilities, error)

	// Invoke runs the annotator CLI for a clip and returns the output payload.
	Invoke(ctx context.Context, kind Kind, clip corpus.ClipRecord, frames *corpus.FrameBuffer) (json.RawMessage, error)

	// ArtifactsDir returns the base directory for annotator outputs.
	ArtifactsDir() string
}

// Config holds the subprocess invoker's configuration.
type Config struct {
	PythonPath    string        // path to python binary; empty = auto-detect
	ModuleName    string        // default "curator_model_annotators"
	ArtifactsBase string        // base dir for outputs, e.g. ~/.curatord/artifacts
	DoctorTimeout time.Duration // timeout for doctor command
	GPUTimeout    time.Duration // per-invocation timeout for GPU-bound annotators
	CPUTimeout    time.Duration // per-invocation timeout for CPU-bound annotators
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
}

// SubprocessInvoker is the production implementation of Invoker.
type SubprocessInvoker struct {
	cfg    Config
	python string // resolved python path
}

// NewSubprocessInvoker creates a SubprocessInvoker, resolving the Python binary path.
func NewSubprocessInvoker(cfg Config) (*SubprocessInvoker, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}

	if err := os.MkdirAll(cfg.ArtifactsBase, 0755); err != nil {
		return nil, fmt.Errorf("cannot create artifacts dir: %w", err)
	}

	cfg.Logger.Info("annotator invoker initialised",
		"python", python,
		"module", cfg.ModuleName,
		"artifacts_dir", cfg.ArtifactsBase,
	)

	return &SubprocessInvoker{cfg: cfg, python: python}, nil
}

func (r *SubprocessInvoker) ArtifactsDir() string {
	return r.cfg.ArtifactsBase
}

// RunDoctor probes the installed annotators environment.
func (r *SubprocessInvoker) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(r.cfg.ArtifactsBase, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DoctorTimeout)
	defer cancel()

	result := r.exec(ctx, outPath, "doctor", "--json", "--out", outPath)
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("doctor exited %d: %s", result.ExitCode, result.StderrTail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}
	caps.ProbedAt = time.Now()

	r.cfg.Logger.Info("doctor probe complete",
		"segmentation", caps.Has(KindSegmentation),
		"faces", caps.Has(KindFaces),
		"pose", caps.Has(KindPose),
		"profanity", caps.Has(KindProfanity),
		"cuda", caps.GPU.CUDAAvailable,
	)

	return &caps, nil
}

// Invoke runs one annotator CLI invocation for a clip. The per-invocation
// timeout depends on the annotator's resource class; a deadline hit is a
// transient failure.
func (r *SubprocessInvoker) Invoke(ctx context.Context, kind Kind, clip corpus.ClipRecord, frames *corpus.FrameBuffer) (json.RawMessage, error) {
	timeout := r.cfg.CPUTimeout
	if kind.GPUBound() {
		timeout = r.cfg.GPUTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outPath := filepath.Join(r.cfg.ArtifactsBase, clip.ID, string(kind), "result.json")

	args := []string{
		string(kind), "annotate",
		"--video", clip.URI,
		"--clip-id", clip.ID,
		"--out", outPath,
	}
	if frames != nil && frames.Dir != "" {
		args = append(args, "--frames-dir", frames.Dir)
	}

	result := r.exec(ctx, outPath, args...)
	if result.ExitCode != 0 {
		return nil, classifyExit(ctx, result)
	}

	payload, err := r.validateOutput(outPath)
	if err != nil {
		// A malformed output file will not improve on retry.
		return nil, Permanent(err.Error())
	}
	return payload, nil
}

// validateOutput reads an annotator output JSON and checks required metadata fields.
func (r *SubprocessInvoker) validateOutput(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read output file %s: %w", r.safePath(path), err)
	}

	var out AnnotatorOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse output JSON: %w", err)
	}

	if !out.RequiredFieldsPresent() {
		missing := []string{}
		if out.SchemaVersion == "" {
			missing = append(missing, "schema_version")
		}
		if out.AnnotatorVersion == "" {
			missing = append(missing, "annotator_version")
		}
		if out.ModelVersion == "" {
			missing = append(missing, "model_version")
		}
		return nil, fmt.Errorf("annotator output missing required fields: %s", strings.Join(missing, ", "))
	}

	return json.RawMessage(data), nil
}

// execResult is the raw outcome of one subprocess execution.
type execResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
	Err        error
}

// exec is the core subprocess execution helper.
func (r *SubprocessInvoker) exec(ctx context.Context, outPath string, args ...string) execResult {
	start := time.Now()

	// Ensure output directory exists
	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			r.cfg.Logger.Error("cannot create output dir", "error", err)
			return execResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start), Err: err}
		}
	}

	cmdArgs := append([]string{"-m", r.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, r.python, cmdArgs...)

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard // CLI writes to --out file, not stdout

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()

	if exitCode != 0 {
		r.cfg.Logger.Warn("annotator command failed",
			"args", cmdArgs,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.cfg.Logger.Info("annotator command succeeded",
			"args", cmdArgs,
			"duration_ms", elapsed.Milliseconds(),
			"output", r.safePath(outPath),
		)
	}

	return execResult{
		ExitCode:   exitCode,
		StderrTail: stderrTail,
		Duration:   elapsed,
		Err:        err,
	}
}

// classifyExit maps a failed invocation to a Failure for retry policy.
func classifyExit(ctx context.Context, result execResult) *Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Transient("invocation timed out")
	}
	switch result.ExitCode {
	case exitUnsupportedInput:
		return Permanent(fmt.Sprintf("unsupported input: %s", truncate(result.StderrTail, 256)))
	case exitResourceExhausted:
		return Transient(fmt.Sprintf("resource exhausted: %s", truncate(result.StderrTail, 256)))
	default:
		return Transient(fmt.Sprintf("annotator exited %d: %s", result.ExitCode, truncate(result.StderrTail, 256)))
	}
}

func (r *SubprocessInvoker) safePath(path string) string {
	if r.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
