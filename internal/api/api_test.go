package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/cache"
	"github.com/vidcurate/curatord/internal/corpus"
	"github.com/vidcurate/curatord/internal/db"
	"github.com/vidcurate/curatord/internal/export"
	"github.com/vidcurate/curatord/internal/run"
	"github.com/vidcurate/curatord/internal/sink"
)

const testToken = "test-token-123"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInvoker struct{}

func (f *fakeInvoker) RunDoctor(ctx context.Context) (*annotate.Capabilities, error) {
	return &annotate.Capabilities{
		PackageVersion: "0.1.0",
		Annotators: map[string]annotate.AnnotatorInfo{
			"segmentation": {Available: true, ModelVersion: "m1"},
			"faces":        {Available: true, ModelVersion: "m1"},
		},
		ProbedAt: time.Now(),
	}, nil
}

func (f *fakeInvoker) Invoke(ctx context.Context, kind annotate.Kind, clip corpus.ClipRecord, frames *corpus.FrameBuffer) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"kind":%q}`, kind)), nil
}

func (f *fakeInvoker) ArtifactsDir() string { return "/tmp" }

func newTestConfig(t *testing.T) ServerConfig {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := run.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), "auth_token", testToken); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	sk, err := sink.New(database.Conn(), testLogger())
	if err != nil {
		t.Fatalf("sink.New() error = %v", err)
	}
	store := cache.NewStore(database.Conn(), testLogger())
	inv := &fakeInvoker{}
	doctor := annotate.NewCachedDoctor(inv, testLogger())

	orch := run.NewOrchestrator(run.OrchestratorConfig{
		Repo:        repo,
		Doctor:      doctor,
		Cache:       store,
		Sink:        sk,
		Invoker:     inv,
		Decoder:     corpus.NewStubDecoder(testLogger()),
		Required:    []annotate.Kind{annotate.KindSegmentation},
		Mandatory:   []annotate.Kind{annotate.KindSegmentation},
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		GPUWorkers:  1,
		CPUWorkers:  1,
		Logger:      testLogger(),
	})
	t.Cleanup(orch.Shutdown)

	return ServerConfig{
		Port:         0,
		Orchestrator: orch,
		Repository:   repo,
		Sink:         sk,
		Cache:        store,
		Doctor:       doctor,
		Exporter:     export.NewExporter(sk, testLogger()),
		Logger:       testLogger(),
		StartTime:    time.Now(),
	}
}

func authedRequest(method, path string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	return body
}

func TestHealthNoAuthRequired(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic xyz"},
		{"wrong token", "Bearer nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestStatusIdle(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	if _, ok := body["active_run"]; ok {
		t.Error("active_run should be omitted when idle")
	}
	if _, ok := body["annotators"]; ok {
		t.Error("annotators should be omitted before the first probe")
	}
}

func TestStartRunValidation(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/runs", []byte(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty manifest status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/runs", []byte(`not json`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestRunLifecycleOverAPI(t *testing.T) {
	cfg := newTestConfig(t)
	router := NewRouter(cfg)

	manifest := filepath.Join(t.TempDir(), "manifest.jsonl")
	writeTestManifest(t, manifest, "clip-1", "clip-2")

	body, _ := json.Marshal(StartRunRequest{Manifest: manifest})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/runs", body))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start run status = %d, want %d (%s)", rr.Code, http.StatusAccepted, rr.Body)
	}
	var started StartRunResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}

	waitForCompletion(t, cfg.Repository, started.RunID)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/runs/"+started.RunID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rr.Code)
	}
	var got RunResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if got.Status != run.StatusCompleted {
		t.Errorf("run status = %q, want completed", got.Status)
	}
	if got.RecordsCommitted != 2 {
		t.Errorf("records committed = %d, want 2", got.RecordsCommitted)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/records", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list records status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/runs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list runs status = %d", rr.Code)
	}
	var runs RunsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs.Runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs.Runs))
	}
}

func TestCancelInactiveRun(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/runs/nope/cancel", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestPauseWithoutActiveRun(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/scheduler/pause", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestPruneCacheValidation(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cache/prune", []byte(`{"annotator":"bogus","version":"m1"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown annotator status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cache/prune", []byte(`{"annotator":"faces"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing version status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cache/prune", []byte(`{"annotator":"faces","version":"m1"}`)))
	if rr.Code != http.StatusOK {
		t.Errorf("valid prune status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp PruneResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode prune response: %v", err)
	}
	if resp.Removed != 0 {
		t.Errorf("removed = %d, want 0 on empty cache", resp.Removed)
	}
}

func TestRequestIDHeader(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestExportValidation(t *testing.T) {
	router := NewRouter(newTestConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/export", []byte(`{"name":"x","output_dir":"/does/not/exist"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad output dir status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func writeTestManifest(t *testing.T, path string, ids ...string) {
	t.Helper()
	var buf bytes.Buffer
	for _, id := range ids {
		fmt.Fprintf(&buf, `{"id":%q,"uri":"/corpus/%s.mp4","fingerprint":"fp-%s"}`+"\n", id, id, id)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func waitForCompletion(t *testing.T, repo run.Repository, id string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if r.Status != run.StatusPending && r.Status != run.StatusRunning {
			if r.Status != run.StatusCompleted {
				t.Fatalf("run status = %q (error %q), want completed", r.Status, r.Error)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
}
