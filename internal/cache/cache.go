// Package cache implements the content-addressed annotation cache. It is the
// single source of truth for avoiding duplicate annotator work across runs,
// including interrupted and resumed runs.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vidcurate/curatord/internal/annotate"
)

// ErrCorruption signals two commits for the same key with different payloads.
// It is fatal: divergent annotations must never be silently mixed.
var ErrCorruption = errors.New("annotation cache corruption")

// Key addresses one annotation result. It is a pure function of the clip
// fingerprint, annotator kind, and annotator version, so bumping one model's
// version invalidates only that annotator's entries.
type Key struct {
	Fingerprint string
	Kind        annotate.Kind
	Version     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Fingerprint, k.Kind, k.Version)
}

// Stats summarises cache contents for the status API.
type Stats struct {
	Entries      int
	PayloadBytes int64
}

// Store is the SQLite-backed cache implementation.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Lookup returns the cached result for a key, if present.
func (s *Store) Lookup(ctx context.Context, key Key) (*annotate.Result, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, reason, payload, payload_sha, created_at
		FROM annotations WHERE cache_key = ?
	`, key.String())

	var result annotate.Result
	var reason sql.NullString
	var payload []byte
	var createdAt string

	err := row.Scan(&result.Status, &reason, &payload, &result.PayloadSHA, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	result.Kind = key.Kind
	result.Version = key.Version
	result.Reason = reason.String
	result.Payload = payload
	if result.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, false, fmt.Errorf("cache lookup %s: parse created_at: %w", key, err)
	}
	return &result, true, nil
}

// Commit stores a terminal result under its key. Committing the same
// (key, payload) twice is a no-op; committing a different payload for an
// existing key returns ErrCorruption without overwriting.
func (s *Store) Commit(ctx context.Context, key Key, result *annotate.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache commit: %w", err)
	}
	defer tx.Rollback()

	var existingSHA string
	err = tx.QueryRowContext(ctx,
		"SELECT payload_sha FROM annotations WHERE cache_key = ?", key.String(),
	).Scan(&existingSHA)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO annotations (cache_key, fingerprint, kind, version, status, reason, payload, payload_sha, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, key.String(), key.Fingerprint, string(key.Kind), key.Version,
			result.Status, nullString(result.Reason), []byte(result.Payload),
			result.PayloadSHA, result.CreatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("cache commit: %w", err)
		}
		return tx.Commit()

	case err != nil:
		return fmt.Errorf("cache commit: %w", err)

	case existingSHA != result.PayloadSHA:
		return fmt.Errorf("%w: key %s committed with divergent payloads", ErrCorruption, key)

	default:
		// Identical payload already committed.
		return nil
	}
}

// Prune removes every entry for one annotator version. There is no automatic
// eviction: annotations are cheap to store and expensive to recompute.
func (s *Store) Prune(ctx context.Context, kind annotate.Kind, version string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM annotations WHERE kind = ? AND version = ?", string(kind), version)
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if s.logger != nil {
		s.logger.Info("pruned annotation cache", "kind", kind, "version", version, "entries", n)
	}
	return n, nil
}

// Stats reports entry count and total payload size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM annotations",
	).Scan(&st.Entries, &st.PayloadBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return st, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
