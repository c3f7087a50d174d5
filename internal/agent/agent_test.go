package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gfxsync/agent/internal/config"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore is a fake PostgREST endpoint that records write paths.
type countingStore struct {
	mu     sync.Mutex
	writes []string
	status int
}

func (cs *countingStore) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			cs.mu.Lock()
			cs.writes = append(cs.writes, r.URL.Path)
			cs.mu.Unlock()
		}
		status := cs.status
		if status == 0 {
			status = http.StatusCreated
		}
		if r.Method == http.MethodGet {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (cs *countingStore) writeCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.writes)
}

func testConfig(t *testing.T, remoteURL string) *config.Config {
	t.Helper()
	base := t.TempDir()
	return &config.Config{
		BasePath:     base,
		RegistryPath: "config/pc_registry.json",
		ErrorFolder:  "_error",
		FilePattern:  "*.json",
		Mode:         config.ModeAggregated,
		Remote: config.RemoteConfig{
			URL:     remoteURL,
			Secret:  "test-secret",
			Table:   "gfx_sessions",
			Timeout: 5 * time.Second,
		},
		PollInterval:          20 * time.Millisecond,
		BatchSize:             100,
		FlushInterval:         50 * time.Millisecond,
		Queue: config.QueueConfig{
			Path:            filepath.Join(t.TempDir(), "pending.db"),
			MaxSize:         100,
			MaxRetries:      2,
			ProcessInterval: 50 * time.Millisecond,
		},
		RateLimit:             config.RateLimitConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
		RegistryCheckInterval: time.Hour,
		Realtime:              config.RealtimeConfig{Channel: "gfx:sessions"},
		LogLevel:              "info",
	}
}

func writeRegistry(t *testing.T, base string, pcs ...string) {
	t.Helper()
	entries := make([]map[string]any, len(pcs))
	for i, id := range pcs {
		entries[i] = map[string]any{"id": id}
	}
	body, _ := json.Marshal(map[string]any{"pcs": entries})
	dir := filepath.Join(base, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pc_registry.json"), body, 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
}

func dropExport(t *testing.T, base, pc, name string) {
	t.Helper()
	dir := filepath.Join(base, pc, "hands")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := `{"ID": 42, "Type": "feature"}`
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write export: %v", err)
	}
}

// ---------------------------------------------------------------------------
// lifecycle
// ---------------------------------------------------------------------------

func TestNewAndClose(t *testing.T) {
	store := &countingStore{}
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)

	a, err := New(testConfig(t, srv.URL), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Close()
	a.Close() // idempotent
}

func TestRunFailsFastWhenStoreUnreachable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with an unreachable store")
	}
}

func TestRunReconcilesExistingFiles(t *testing.T) {
	store := &countingStore{}
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	writeRegistry(t, cfg.BasePath, "PC01")
	dropExport(t, cfg.BasePath, "PC01", "pre-existing.json")

	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.writeCount() == 0 {
		t.Error("pre-existing file never reached the store")
	}
}

// ---------------------------------------------------------------------------
// offline drain
// ---------------------------------------------------------------------------

func TestDrainOnceCompletesOnSuccess(t *testing.T) {
	store := &countingStore{}
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)

	a, err := New(testConfig(t, srv.URL), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	ctx := context.Background()
	if _, err := a.Offline().Enqueue(ctx, "PC01", "/x.json",
		map[string]any{"session_id": 42}, "was down"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	a.drainOnce(ctx)

	if n, _ := a.Offline().Count(ctx); n != 0 {
		t.Errorf("pending = %d after successful drain, want 0", n)
	}
	if store.writeCount() != 1 {
		t.Errorf("writes = %d, want 1", store.writeCount())
	}
}

func TestDrainOnceDeadLettersAtBudget(t *testing.T) {
	store := &countingStore{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)

	a, err := New(testConfig(t, srv.URL), discardLogger()) // MaxRetries: 2
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	ctx := context.Background()
	if _, err := a.Offline().Enqueue(ctx, "PC01", "/x.json",
		map[string]any{"session_id": 42}, "was down"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	a.drainOnce(ctx) // retry 1
	a.drainOnce(ctx) // retry 2 → dead letter

	if n, _ := a.Offline().Count(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if n, _ := a.Offline().DeadLetterCount(ctx); n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func TestStatusSnapshot(t *testing.T) {
	store := &countingStore{}
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)

	a, err := New(testConfig(t, srv.URL), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	status := a.Status(context.Background())
	if status["mode"] != "aggregated" {
		t.Errorf("mode = %v", status["mode"])
	}
	if _, ok := status["offline"]; !ok {
		t.Error("status missing offline stats")
	}
	if _, ok := status["watcher"]; !ok {
		t.Error("status missing watcher stats")
	}
}
