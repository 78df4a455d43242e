package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Source enumerates corpus items in a stable order. Enumeration is lazy,
// finite, and restartable: positions at or before `after` are skipped.
type Source interface {
	Enumerate(ctx context.Context, after uint64) (<-chan ClipRecord, error)
}

// ManifestSource enumerates clips from a JSONL manifest file, one clip entry
// per line. Line order defines enumeration order.
type ManifestSource struct {
	path   string
	logger *slog.Logger
}

type manifestEntry struct {
	ID          string `json:"id"`
	URI         string `json:"uri"`
	ByteOffset  int64  `json:"byte_offset"`
	ByteLength  int64  `json:"byte_length"`
	FrameStart  int    `json:"frame_start"`
	FrameEnd    int    `json:"frame_end"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func NewManifestSource(path string, logger *slog.Logger) *ManifestSource {
	return &ManifestSource{path: path, logger: logger}
}

func (s *ManifestSource) Path() string {
	return s.path
}

// Enumerate streams clip records from the manifest, skipping positions at or
// before `after`. The channel closes when the manifest is exhausted or the
// context is cancelled.
func (s *ManifestSource) Enumerate(ctx context.Context, after uint64) (<-chan ClipRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("cannot open manifest: %w", err)
	}

	out := make(chan ClipRecord)

	go func() {
		defer close(out)
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var position uint64
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			position++
			if position <= after {
				continue
			}

			var entry manifestEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				s.logger.Warn("skipping malformed manifest line", "position", position, "error", err)
				continue
			}

			clip := ClipRecord{
				ID:          entry.ID,
				URI:         entry.URI,
				ByteOffset:  entry.ByteOffset,
				ByteLength:  entry.ByteLength,
				FrameStart:  entry.FrameStart,
				FrameEnd:    entry.FrameEnd,
				Fingerprint: entry.Fingerprint,
				Position:    position,
			}
			if clip.ID == "" {
				clip.ID = fmt.Sprintf("clip-%06d", position)
			}
			if clip.Fingerprint == "" {
				clip.Fingerprint = ContentFingerprint(clip.URI, clip.ByteOffset, clip.ByteLength)
			}

			select {
			case out <- clip:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			s.logger.Error("manifest read failed", "path", s.path, "error", err)
		}
	}()

	return out, nil
}
