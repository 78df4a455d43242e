package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vidcurate/curatord/internal/merge"
)

// PublishError represents an error from the record ingest endpoint.
type PublishError struct {
	StatusCode int
	Body       string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("record publish failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and network errors.
// Client errors (4xx) are considered permanent.
func (e *PublishError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// HTTPClient publishes merged records to the dataset service ingest endpoint.
type HTTPClient struct {
	baseURL    string
	token      string
	dataset    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, token, dataset string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		dataset: dataset,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// recordIngestPayload is the request body for POST /api/ingest/records.
type recordIngestPayload struct {
	Dataset string              `json:"dataset"`
	Record  *merge.MergedRecord `json:"record"`
}

type recordIngestResponse struct {
	ClipID   string `json:"clip_id"`
	Accepted bool   `json:"accepted"`
}

func (c *HTTPClient) PublishRecord(ctx context.Context, record *merge.MergedRecord) error {
	body, err := json.Marshal(recordIngestPayload{Dataset: c.dataset, Record: record})
	if err != nil {
		return fmt.Errorf("marshal record payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/ingest/records", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Curator-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result recordIngestResponse
		if err := json.Unmarshal(respBody, &result); err == nil {
			c.logger.Info("record published",
				"clip_id", result.ClipID,
				"dataset", c.dataset,
			)
		}
		return nil
	}

	return &PublishError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &PublishError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
