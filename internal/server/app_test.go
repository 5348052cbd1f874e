package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Root = filepath.Join(t.TempDir(), "downloads")
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeoutSeconds = 2
	return cfg
}

func TestBuildServesRoutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Tracing.Enabled = true
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Close(context.Background())

	info, err := os.Stat(cfg.Storage.Root)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	for _, path := range []string{"/healthz", "/readyz", "/v1/limits", "/v1/stats", "/v1/admin/storage/stats"} {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestBuildRejectsInvalidProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Provider.BaseURL = "not a url"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.AutoCleanup = true
	cfg.Storage.CleanupIntervalSeconds = 3600
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, app.storage.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.False(t, app.storage.Running())
}

func TestNewStorageGovernorValidates(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.MaxStorageMB = 0
	_, err := NewStorageGovernor(cfg, nil)
	require.Error(t, err)
}

func TestEndToEndTargetJobWithLocalEvents(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	mux := http.NewServeMux()
	mux.HandleFunc("/alice", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Alice</title></head><body>
<img src="/media/one"><img src="/media/two"></body></html>`))
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(png)
	})
	gallery := httptest.NewServer(mux)
	defer gallery.Close()

	cfg := testConfig(t)
	cfg.Provider.BaseURL = gallery.URL
	cfg.Jobs.ItemDelayMs = 0
	cfg.PubSub.TopicName = "job-events"
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Close(context.Background())
	require.NotNil(t, app.localEvents)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/target", strings.NewReader(`{"target":"alice"}`))
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	var snap fetch.JobSnapshot
	require.Eventually(t, func() bool {
		snap, err = app.registry.Get(created.JobID)
		require.NoError(t, err)
		return snap.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, fetch.JobStatusCompleted, snap.Status, snap.ErrorMessage)
	require.Equal(t, fetch.Progress{Total: 2, Done: 2}, snap.Progress)

	require.FileExists(t, filepath.Join(cfg.Storage.Root, "alice", "one.png"))
	require.FileExists(t, filepath.Join(cfg.Storage.Root, "alice", "metadata.json"))
	require.Eventually(t, func() bool {
		return len(app.localEvents.Events("job-events")) == 1
	}, time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var targets []struct {
		Name  string `json:"name"`
		Media struct {
			Images int `json:"images"`
		} `json:"media"`
		Summary map[string]any `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &targets))
	require.Len(t, targets, 1)
	require.Equal(t, "alice", targets[0].Name)
	require.Equal(t, 2, targets[0].Media.Images)
	require.Equal(t, created.JobID, targets[0].Summary["job_id"])

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/files/alice/one.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, png, rec.Body.Bytes())
}
