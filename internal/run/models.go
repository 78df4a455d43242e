// Package run drives curation runs: it ties corpus enumeration, the
// scheduler, the merge layer, and the sink together, and keeps a registry of
// past and active runs.
package run

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run is one curation pass over a corpus manifest.
type Run struct {
	ID               string    `json:"id"`
	Manifest         string    `json:"manifest"`
	Status           string    `json:"status"`
	ClipsSeen        int64     `json:"clips_seen"`
	RecordsCommitted int64     `json:"records_committed"`
	ClipsDropped     int64     `json:"clips_dropped"`
	CacheHits        int64     `json:"cache_hits"`
	Invocations      int64     `json:"invocations"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Counters are the per-run progress numbers updated as the run executes.
type Counters struct {
	ClipsSeen        int64
	RecordsCommitted int64
	ClipsDropped     int64
	CacheHits        int64
	Invocations      int64
}

type Repository interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, limit int) ([]*Run, error)
	UpdateStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateCounters(ctx context.Context, id string, c Counters) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, run *Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, manifest, status, clips_seen, records_committed, clips_dropped, cache_hits, invocations, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Manifest, run.Status, run.ClipsSeen, run.RecordsCommitted,
		run.ClipsDropped, run.CacheHits, run.Invocations, nullString(run.Error),
		run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, manifest, status, clips_seen, records_committed, clips_dropped, cache_hits, invocations, error, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, manifest, status, clips_seen, records_committed, clips_dropped, cache_hits, invocations, error, created_at, updated_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var errMsg sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&run.ID, &run.Manifest, &run.Status, &run.ClipsSeen,
			&run.RecordsCommitted, &run.ClipsDropped, &run.CacheHits, &run.Invocations,
			&errMsg, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		run.Error = errMsg.String
		if run.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("run %s: parse created_at: %w", run.ID, err)
		}
		if run.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("run %s: parse updated_at: %w", run.ID, err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&run.ID, &run.Manifest, &run.Status, &run.ClipsSeen,
		&run.RecordsCommitted, &run.ClipsDropped, &run.CacheHits, &run.Invocations,
		&errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Error = errMsg.String
	if run.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("run %s: parse created_at: %w", run.ID, err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("run %s: parse updated_at: %w", run.ID, err)
	}
	return &run, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) UpdateCounters(ctx context.Context, id string, c Counters) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET clips_seen = ?, records_committed = ?, clips_dropped = ?, cache_hits = ?, invocations = ?, updated_at = ?
		WHERE id = ?
	`, c.ClipsSeen, c.RecordsCommitted, c.ClipsDropped, c.CacheHits, c.Invocations,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
