// Package sink writes completed records durably and owns the resumption
// checkpoint. Commits arrive in completion order, not enumeration order; the
// persisted checkpoint only ever advances along the gap-free frontier of
// contiguously committed enumeration positions.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidcurate/curatord/internal/merge"
)

// ErrCheckpointWrite marks a failed durable write. Fatal by design: the
// checkpoint only advances after confirmed durability, so crashing here and
// resuming is always safe.
var ErrCheckpointWrite = errors.New("checkpoint write failure")

// Checkpoint is the persisted resumption state: a monotonic cursor plus the
// gap-buffer of positions committed above it.
type Checkpoint struct {
	Cursor    uint64
	Committed []uint64
}

// DroppedReport is a persisted dropped-clip event.
type DroppedReport struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id,omitempty"`
	ClipID    string            `json:"clip_id"`
	Position  uint64            `json:"position"`
	Reasons   map[string]string `json:"reasons"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink is the SQLite-backed implementation. A single writer; commit and
// checkpoint advance happen in one transaction.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.Mutex
	cursor    uint64
	committed map[uint64]bool // positions above cursor, records and drops alike
}

// New opens the sink over an existing database, loading the persisted
// checkpoint and gap-buffer.
func New(db *sql.DB, logger *slog.Logger) (*Sink, error) {
	s := &Sink{db: db, logger: logger, committed: make(map[uint64]bool)}

	err := db.QueryRow("SELECT cursor FROM checkpoint WHERE id = 1").Scan(&s.cursor)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(
			"INSERT INTO checkpoint (id, cursor, updated_at) VALUES (1, 0, datetime('now'))",
		); err != nil {
			return nil, fmt.Errorf("initialise checkpoint: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	rows, err := db.Query("SELECT position FROM sink_commits WHERE position > ?", s.cursor)
	if err != nil {
		return nil, fmt.Errorf("load commit gap-buffer: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pos uint64
		if err := rows.Scan(&pos); err != nil {
			return nil, fmt.Errorf("load commit gap-buffer: %w", err)
		}
		s.committed[pos] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load commit gap-buffer: %w", err)
	}

	logger.Info("sink opened", "cursor", s.cursor, "pending_positions", len(s.committed))
	return s, nil
}

// Commit durably writes a merged record and advances the checkpoint frontier.
// Idempotent per clip: re-committing an already durable position is a no-op.
func (s *Sink) Commit(ctx context.Context, record *merge.MergedRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.Clip.ID, err)
	}
	return s.commitPosition(ctx, record.Clip.Position, record.Clip.ID, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (clip_id, position, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(clip_id) DO NOTHING
		`, record.Clip.ID, record.Clip.Position, payload, time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

// Drop durably records a dropped-clip decision. The position still advances
// the frontier: a permanently skipped clip is a terminal outcome.
func (s *Sink) Drop(ctx context.Context, runID string, dropped *merge.DroppedClip) error {
	reasons := make(map[string]string, len(dropped.Reasons))
	for kind, reason := range dropped.Reasons {
		reasons[string(kind)] = reason
	}
	encoded, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("encode drop reasons %s: %w", dropped.Clip.ID, err)
	}
	return s.commitPosition(ctx, dropped.Clip.Position, dropped.Clip.ID, true, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dropped_clips (id, run_id, clip_id, position, reasons, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), nullString(runID), dropped.Clip.ID, dropped.Clip.Position, encoded,
			time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

// commitPosition runs the durable write and the frontier bookkeeping in one
// transaction. Failures wrap ErrCheckpointWrite.
func (s *Sink) commitPosition(ctx context.Context, position uint64, clipID string, droppedFlag bool, write func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if position <= s.cursor || s.committed[position] {
		// Already durable; idempotent commit.
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
	}
	defer tx.Rollback()

	if err := write(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
	}

	dropped := 0
	if droppedFlag {
		dropped = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sink_commits (position, clip_id, dropped, created_at)
		VALUES (?, ?, ?, datetime('now'))
	`, position, clipID, dropped); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
	}

	// Advance the cursor across the now-contiguous prefix.
	newCursor := s.cursor
	merged := map[uint64]bool{position: true}
	for p := range s.committed {
		merged[p] = true
	}
	for merged[newCursor+1] {
		newCursor++
	}

	if newCursor != s.cursor {
		if _, err := tx.ExecContext(ctx,
			"UPDATE checkpoint SET cursor = ?, updated_at = datetime('now') WHERE id = 1",
			newCursor,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
		}
		// Positions at or below the cursor no longer need gap-buffer rows.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sink_commits WHERE position <= ?", newCursor,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
	}

	s.committed[position] = true
	if newCursor != s.cursor {
		for p := s.cursor + 1; p <= newCursor; p++ {
			delete(s.committed, p)
		}
		s.cursor = newCursor
		s.logger.Debug("checkpoint advanced", "cursor", s.cursor)
	}
	return nil
}

// Checkpoint returns the current resumption state.
func (s *Sink) Checkpoint() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := Checkpoint{Cursor: s.cursor}
	for p := range s.committed {
		cp.Committed = append(cp.Committed, p)
	}
	sort.Slice(cp.Committed, func(i, j int) bool { return cp.Committed[i] < cp.Committed[j] })
	return cp
}

// IsCommitted reports whether a position already has a durable terminal
// outcome. Resumption skips these clips entirely.
func (s *Sink) IsCommitted(position uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return position <= s.cursor || s.committed[position]
}

// RecordCount returns the number of committed merged records.
func (s *Sink) RecordCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

// Records returns committed merged records in commit order.
func (s *Sink) Records(ctx context.Context, limit int) ([]*merge.MergedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM records ORDER BY created_at, position LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*merge.MergedRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record merge.MergedRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// Dropped returns persisted dropped-clip reports, newest first. An empty runID
// returns reports across all runs.
func (s *Sink) Dropped(ctx context.Context, runID string, limit int) ([]*DroppedReport, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, run_id, clip_id, position, reasons, created_at
		FROM dropped_clips ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if runID != "" {
		query = `
		SELECT id, run_id, clip_id, position, reasons, created_at
		FROM dropped_clips WHERE run_id = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{runID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*DroppedReport
	for rows.Next() {
		var r DroppedReport
		var run sql.NullString
		var reasons []byte
		var createdAt string
		if err := rows.Scan(&r.ID, &run, &r.ClipID, &r.Position, &reasons, &createdAt); err != nil {
			return nil, err
		}
		r.RunID = run.String
		if err := json.Unmarshal(reasons, &r.Reasons); err != nil {
			return nil, fmt.Errorf("decode drop reasons: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("dropped clip %s: parse created_at: %w", r.ID, err)
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
