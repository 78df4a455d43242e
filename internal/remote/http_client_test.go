package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/corpus"
	"github.com/vidcurate/curatord/internal/merge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRecord() *merge.MergedRecord {
	return &merge.MergedRecord{
		Clip: corpus.ClipRecord{ID: "clip-1", URI: "/corpus/clip-1.mp4", Fingerprint: "fp-1", Position: 1},
		Annotations: map[annotate.Kind]*annotate.Result{
			annotate.KindSegmentation: annotate.Success(annotate.KindSegmentation, "m1", json.RawMessage(`{"segments":[]}`)),
		},
	}
}

func TestHTTPClient_PublishRecord_Success(t *testing.T) {
	var receivedPayload recordIngestPayload
	var receivedAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ingest/records" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		receivedAuth = r.Header.Get("Authorization")

		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedPayload)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(recordIngestResponse{ClipID: "clip-1", Accepted: true})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-token", "train-v1", testLogger())

	if err := client.PublishRecord(context.Background(), testRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want %q", receivedAuth, "Bearer test-token")
	}
	if receivedPayload.Dataset != "train-v1" {
		t.Errorf("dataset = %q, want %q", receivedPayload.Dataset, "train-v1")
	}
	if receivedPayload.Record == nil || receivedPayload.Record.Clip.ID != "clip-1" {
		t.Errorf("record payload mismatch: %+v", receivedPayload.Record)
	}
}

func TestHTTPClient_PublishRecord_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"internal server error"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-token", "train-v1", testLogger())

	err := client.PublishRecord(context.Background(), testRecord())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}

	var publishErr *PublishError
	if !errors.As(err, &publishErr) {
		t.Fatalf("error type = %T, want *PublishError", err)
	}
	if !publishErr.IsRetryable() {
		t.Error("500 should be retryable")
	}
}

func TestPublishError_IsRetryable(t *testing.T) {
	if !(&PublishError{StatusCode: http.StatusInternalServerError}).IsRetryable() {
		t.Error("500 should be retryable")
	}
	if !(&PublishError{StatusCode: http.StatusBadGateway}).IsRetryable() {
		t.Error("502 should be retryable")
	}
	if (&PublishError{StatusCode: http.StatusBadRequest}).IsRetryable() {
		t.Error("400 should not be retryable")
	}
	if (&PublishError{StatusCode: http.StatusUnauthorized}).IsRetryable() {
		t.Error("401 should not be retryable")
	}
}

func TestHTTPClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-token", "train-v1", testLogger())
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
