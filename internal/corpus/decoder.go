package corpus

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Decoder turns a clip record into a frame buffer or a DecodeError.
type Decoder interface {
	Decode(ctx context.Context, clip ClipRecord) (*FrameBuffer, error)
}

// FFmpegDecoder extracts sampled frames with an ffmpeg subprocess. Frames are
// written to a per-clip temp directory owned by the returned buffer.
type FFmpegDecoder struct {
	binary    string
	sampleFPS float64
	logger    *slog.Logger
}

func NewFFmpegDecoder(logger *slog.Logger) (*FFmpegDecoder, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found on PATH: %w", err)
	}
	return &FFmpegDecoder{binary: bin, sampleFPS: 1.0, logger: logger}, nil
}

func (d *FFmpegDecoder) Decode(ctx context.Context, clip ClipRecord) (*FrameBuffer, error) {
	dir, err := os.MkdirTemp("", "curatord-frames-")
	if err != nil {
		return nil, fmt.Errorf("cannot create frame dir: %w", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", clip.URI,
		"-vf", fmt.Sprintf("fps=%g", d.sampleFPS),
		filepath.Join(dir, "frame-%05d.png"),
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.RemoveAll(dir)
		return nil, &DecodeError{ClipID: clip.ID, Reason: firstLine(stderr.String(), err)}
	}

	frames, err := filepath.Glob(filepath.Join(dir, "frame-*.png"))
	if err != nil || len(frames) == 0 {
		os.RemoveAll(dir)
		return nil, &DecodeError{ClipID: clip.ID, Reason: "no frames produced"}
	}

	d.logger.Debug("decoded clip", "clip_id", clip.ID, "frames", len(frames))

	return &FrameBuffer{
		ClipID:  clip.ID,
		Dir:     dir,
		Frames:  frames,
		release: func() { os.RemoveAll(dir) },
	}, nil
}

// StubDecoder returns an empty frame buffer for every clip. Used in tests and
// when annotators read the clip URI directly.
type StubDecoder struct {
	logger *slog.Logger
}

func NewStubDecoder(logger *slog.Logger) *StubDecoder {
	return &StubDecoder{logger: logger}
}

func (d *StubDecoder) Decode(ctx context.Context, clip ClipRecord) (*FrameBuffer, error) {
	return &FrameBuffer{ClipID: clip.ID}, nil
}

func firstLine(stderr string, fallback error) string {
	for i := 0; i < len(stderr); i++ {
		if stderr[i] == '\n' {
			return stderr[:i]
		}
	}
	if stderr != "" {
		return stderr
	}
	return fallback.Error()
}
