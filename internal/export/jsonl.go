// Package export writes committed dataset records out as sharded JSONL
// files, one record per line, for downstream training jobs.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/vidcurate/curatord/internal/merge"
)

const (
	defaultShardSize = 1000
	maxNameLength    = 64
)

type Request struct {
	Name      string `json:"name"`
	OutputDir string `json:"output_dir"`
	ShardSize int    `json:"shard_size,omitempty"`
}

type Response struct {
	Status      string   `json:"status"`
	Shards      []string `json:"shards"`
	RecordCount int      `json:"record_count"`
	TotalSize   string   `json:"total_size"`
}

// RecordSource is the slice of the sink the exporter reads from.
type RecordSource interface {
	Records(ctx context.Context, limit int) ([]*merge.MergedRecord, error)
}

type Exporter struct {
	source RecordSource
	logger *slog.Logger
}

func NewExporter(source RecordSource, logger *slog.Logger) *Exporter {
	return &Exporter{source: source, logger: logger}
}

// Export writes every committed record into `<name>-NNNNN.jsonl` shards under
// the request's output directory. Shards are written to a temp file first and
// renamed into place, so a partial export never leaves a truncated shard.
func (e *Exporter) Export(ctx context.Context, req Request) (*Response, error) {
	if err := ValidateOutputDir(req.OutputDir); err != nil {
		return nil, err
	}
	name := SanitizeName(req.Name, maxNameLength)
	if name == "" {
		name = "dataset"
	}
	shardSize := req.ShardSize
	if shardSize <= 0 {
		shardSize = defaultShardSize
	}

	records, err := e.source.Records(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	var shards []string
	var totalBytes int64
	for start := 0; start < len(records); start += shardSize {
		end := start + shardSize
		if end > len(records) {
			end = len(records)
		}
		shardPath := filepath.Join(req.OutputDir, fmt.Sprintf("%s-%05d.jsonl", name, len(shards)))
		n, err := writeShard(shardPath, records[start:end])
		if err != nil {
			return nil, fmt.Errorf("write shard %s: %w", filepath.Base(shardPath), err)
		}
		shards = append(shards, shardPath)
		totalBytes += n
	}

	e.logger.Info("export complete",
		"name", name,
		"records", len(records),
		"shards", len(shards),
		"size", humanize.Bytes(uint64(totalBytes)),
	)

	return &Response{
		Status:      "success",
		Shards:      shards,
		RecordCount: len(records),
		TotalSize:   humanize.Bytes(uint64(totalBytes)),
	}, nil
}

func writeShard(path string, records []*merge.MergedRecord) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			tmp.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, err
	}

	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
