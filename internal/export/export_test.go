package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/corpus"
	"github.com/vidcurate/curatord/internal/merge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	records []*merge.MergedRecord
}

func (f *fakeSource) Records(ctx context.Context, limit int) ([]*merge.MergedRecord, error) {
	return f.records, nil
}

func makeRecords(n int) []*merge.MergedRecord {
	out := make([]*merge.MergedRecord, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("clip-%03d", i)
		out = append(out, &merge.MergedRecord{
			Clip: corpus.ClipRecord{ID: id, URI: "/corpus/" + id + ".mp4", Position: uint64(i + 1)},
			Annotations: map[annotate.Kind]*annotate.Result{
				annotate.KindSegmentation: annotate.Success(annotate.KindSegmentation, "m1", json.RawMessage(`{"segments":[]}`)),
			},
		})
	}
	return out
}

func TestExportSingleShard(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(&fakeSource{records: makeRecords(3)}, testLogger())

	resp, err := e.Export(context.Background(), Request{Name: "train", OutputDir: dir})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if resp.RecordCount != 3 {
		t.Errorf("RecordCount = %d, want 3", resp.RecordCount)
	}
	if len(resp.Shards) != 1 {
		t.Fatalf("shards = %v, want one", resp.Shards)
	}

	f, err := os.Open(resp.Shards[0])
	if err != nil {
		t.Fatalf("open shard: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record merge.MergedRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		if record.Clip.ID == "" {
			t.Errorf("line %d missing clip id", lines+1)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("shard lines = %d, want 3", lines)
	}
}

func TestExportSharding(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(&fakeSource{records: makeRecords(5)}, testLogger())

	resp, err := e.Export(context.Background(), Request{Name: "train", OutputDir: dir, ShardSize: 2})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(resp.Shards) != 3 {
		t.Fatalf("shards = %d, want 3 for 5 records at size 2", len(resp.Shards))
	}
	for i, shard := range resp.Shards {
		want := fmt.Sprintf("train-%05d.jsonl", i)
		if filepath.Base(shard) != want {
			t.Errorf("shard %d = %q, want %q", i, filepath.Base(shard), want)
		}
	}
}

func TestExportSanitizesName(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(&fakeSource{records: makeRecords(1)}, testLogger())

	resp, err := e.Export(context.Background(), Request{Name: "my set/../x", OutputDir: dir})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	base := filepath.Base(resp.Shards[0])
	if want := "my set_.._x-00000.jsonl"; base != want {
		t.Errorf("shard name = %q, want %q", base, want)
	}
	if filepath.Dir(resp.Shards[0]) != dir {
		t.Errorf("shard escaped output dir: %q", resp.Shards[0])
	}
}

func TestExportRejectsBadOutputDir(t *testing.T) {
	e := NewExporter(&fakeSource{}, testLogger())
	if _, err := e.Export(context.Background(), Request{Name: "x", OutputDir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("Export() expected error for missing output dir")
	}
	if _, err := e.Export(context.Background(), Request{Name: "x", OutputDir: "/tmp/../etc"}); err == nil {
		t.Fatal("Export() expected traversal error")
	}
}

func TestSanitizeNameControlChars(t *testing.T) {
	got := SanitizeName(" A\nB\rC\tD\x00 ", 100)
	if strings.ContainsAny(got, "\n\r\t\x00") {
		t.Fatalf("sanitize output contains control chars: %q", got)
	}
	if got != "ABCD" {
		t.Fatalf("SanitizeName control char behavior mismatch, got %q", got)
	}
}

func TestSanitizeNameMaxLength(t *testing.T) {
	got := SanitizeName("abcdefghijklmnopqrstuvwxyz", 10)
	if len([]rune(got)) != 10 {
		t.Fatalf("expected length 10, got %d (%q)", len([]rune(got)), got)
	}
}
