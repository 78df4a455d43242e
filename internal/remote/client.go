// Package remote publishes committed merged records to a dataset service.
// Publishing is best-effort and optional; the sink remains the durable source
// of truth either way.
package remote

import (
	"context"
	"log/slog"

	"github.com/vidcurate/curatord/internal/merge"
)

type Client interface {
	// PublishRecord sends one merged record to the dataset service.
	PublishRecord(ctx context.Context, record *merge.MergedRecord) error

	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error
}

// StubClient is used when remote publishing is disabled.
type StubClient struct {
	logger *slog.Logger
}

func NewStubClient(logger *slog.Logger) *StubClient {
	return &StubClient{logger: logger}
}

func (c *StubClient) PublishRecord(ctx context.Context, record *merge.MergedRecord) error {
	c.logger.Debug("remote stub: record publish requested", "clip_id", record.Clip.ID)
	return nil
}

func (c *StubClient) Ping(ctx context.Context) error {
	c.logger.Info("remote stub: ping requested")
	return nil
}
