package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/media-fetcher/internal/storage/cleanup"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
	"github.com/JakeFAU/media-fetcher/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

// fakeJobs registers jobs in a real registry without running them.
type fakeJobs struct {
	store     *memory.JobStore
	createErr error
	canceled  []string
}

func (f *fakeJobs) CreateJob(kind fetch.JobKind, target fetch.Target, opts fetch.JobOptions) (fetch.JobSnapshot, error) {
	if f.createErr != nil {
		return fetch.JobSnapshot{}, f.createErr
	}
	if !kind.Valid() {
		return fetch.JobSnapshot{}, fmt.Errorf("unknown job kind %q", kind)
	}
	return f.store.Create(kind, target, opts)
}

func (f *fakeJobs) Cancel(id string) error {
	snap, err := f.store.Get(id)
	if err != nil {
		return err
	}
	if snap.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", fetch.ErrInvalidTransition, id, snap.Status)
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeJobs) Active() int { return 0 }

type fakeStorage struct {
	report cleanup.Report
	stats  cleanup.Stats
	err    error
	runs   int
	ctxErr error
}

func (f *fakeStorage) RunCleanup(ctx context.Context) (cleanup.Report, error) {
	f.runs++
	f.ctxErr = ctx.Err()
	return f.report, f.err
}

func (f *fakeStorage) Stats() (cleanup.Stats, error) {
	return f.stats, f.err
}

type testEnv struct {
	server  *Server
	jobs    *fakeJobs
	store   *memory.JobStore
	storage *fakeStorage
	access  *ratelimit.Governor
	fs      afero.Fs
}

func baseConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Access: config.AccessConfig{
			MaxRequestsPerMinute: 3,
			MaxRequestsPerHour:   100,
			MaxDownloadsPerDay:   500,
			CooldownSeconds:      3600,
		},
	}
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewJobStore(clock, &seqIDs{})
	access, err := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Access.MaxRequestsPerMinute,
		MaxRequestsPerHour:   cfg.Access.MaxRequestsPerHour,
		MaxDownloadsPerDay:   cfg.Access.MaxDownloadsPerDay,
		Cooldown:             cfg.Access.Cooldown(),
	}, clock, zap.NewNop())
	require.NoError(t, err)
	jobs := &fakeJobs{store: store}
	storage := &fakeStorage{}
	fsys := afero.NewMemMapFs()
	downloads, err := local.New(local.Config{BaseDir: "/downloads"}, fsys)
	require.NoError(t, err)
	server := NewServer(Deps{
		Jobs:      jobs,
		Reader:    store,
		Access:    access,
		Storage:   storage,
		Downloads: downloads,
		Clock:     clock,
	}, cfg, "test", zap.NewNop())
	return &testEnv{server: server, jobs: jobs, store: store, storage: storage, access: access, fs: fsys}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_SubmitTarget_ReturnsPendingJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	rec := env.do(http.MethodPost, "/v1/jobs/target", `{"target":"alice","max_items":5}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[jobResponse](t, rec)
	require.Equal(t, "job-1", resp.JobID)
	require.Equal(t, fetch.JobStatusPending, resp.Status)
	require.Equal(t, fetch.JobKindFullTarget, resp.Job.Kind)
	require.Equal(t, 5, resp.Job.Options.MaxItems)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_SubmitSingleAndBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	rec := env.do(http.MethodPost, "/v1/jobs/single", `{"item":"https://cdn.example.com/a.jpg"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, fetch.JobKindSingleItem, decode[jobResponse](t, rec).Job.Kind)

	rec = env.do(http.MethodPost, "/v1/jobs/batch", `{"targets":["a"," ","b"]}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[jobResponse](t, rec)
	require.Equal(t, []string{"a", "b"}, resp.Job.Target.Identifiers)
}

func TestServer_SubmitRejectsBadInput(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Access.MaxRequestsPerMinute = 100
	env := newTestEnv(t, cfg)

	tests := []struct {
		path string
		body string
	}{
		{"/v1/jobs/target", "{invalid"},
		{"/v1/jobs/target", `{"target":""}`},
		{"/v1/jobs/target", `{"target":"a","max_items":-1}`},
		{"/v1/jobs/batch", `{"targets":[]}`},
		{"/v1/jobs/single", `{}`},
	}
	for _, tt := range tests {
		rec := env.do(http.MethodPost, tt.path, tt.body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", tt.path, tt.body)
	}
}

func TestServer_SubmitDuringShutdown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	env.jobs.createErr = worker.ErrShuttingDown
	rec := env.do(http.MethodPost, "/v1/jobs/target", `{"target":"alice"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_AdmissionRejectsFourthRequestInMinute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodPost, "/v1/jobs/target", `{"target":"alice"}`, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(http.MethodPost, "/v1/jobs/target", `{"target":"alice"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	body := decode[map[string]any](t, rec)
	require.Equal(t, ratelimit.CodeMinuteLimit, body["code"])
	require.EqualValues(t, 60, body["retry_after"])

	rec = env.do(http.MethodPost, "/v1/jobs/target", `{"target":"alice"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, ratelimit.CodeBanned, decode[map[string]any](t, rec)["code"])
	require.Len(t, env.store.List(), 3)
}

func TestServer_AdmissionKeysByForwardedForWhenTrusted(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Server.TrustForwardedFor = true
	env := newTestEnv(t, cfg)
	for i := 0; i < 4; i++ {
		env.do(http.MethodPost, "/v1/jobs/target", `{"target":"a"}`,
			map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"})
	}
	require.True(t, env.access.IsBanned("203.0.113.7"))
	require.False(t, env.access.IsBanned("10.0.0.1"))

	rec := env.do(http.MethodPost, "/v1/jobs/target", `{"target":"a"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_AdmissionIgnoresForwardedForWhenUntrusted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	for i := 0; i < 4; i++ {
		env.do(http.MethodPost, "/v1/jobs/target", `{"target":"a"}`,
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i)})
	}
	require.True(t, env.access.IsBanned("10.0.0.1"))
}

func TestServer_PollingIsNotGated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	rec := env.do(http.MethodPost, "/v1/jobs/target", `{"target":"alice"}`, nil)
	id := decode[jobResponse](t, rec).JobID

	for i := 0; i < 10; i++ {
		rec = env.do(http.MethodGet, "/v1/jobs/"+id, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, id, decode[jobResponse](t, rec).Job.ID)
	require.Equal(t, 1, env.access.Stats("10.0.0.1").RequestsLastMinute)
}

func TestServer_GetJobNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	rec := env.do(http.MethodGet, "/v1/jobs/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	first, err := env.store.Create(fetch.JobKindFullTarget, fetch.Target{Identifier: "a"}, fetch.JobOptions{})
	require.NoError(t, err)
	_, err = env.store.Create(fetch.JobKindFullTarget, fetch.Target{Identifier: "b"}, fetch.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, env.store.Start(first.ID))

	rec := env.do(http.MethodGet, "/v1/jobs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode[map[string]any](t, rec)["count"])

	rec = env.do(http.MethodGet, "/v1/jobs?status=running", "", nil)
	require.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	running, err := env.store.Create(fetch.JobKindFullTarget, fetch.Target{Identifier: "a"}, fetch.JobOptions{})
	require.NoError(t, err)
	done, err := env.store.Create(fetch.JobKindFullTarget, fetch.Target{Identifier: "b"}, fetch.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, env.store.Start(done.ID))
	require.NoError(t, env.store.Finish(done.ID, fetch.JobStatusCompleted, "", nil))

	rec := env.do(http.MethodPost, "/v1/jobs/"+running.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{running.ID}, env.jobs.canceled)

	rec = env.do(http.MethodPost, "/v1/jobs/"+done.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/v1/jobs/nope/cancel", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StatsAndLimits(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	env.do(http.MethodPost, "/v1/jobs/target", `{"target":"a"}`, nil)

	rec := env.do(http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Jobs memory.Counts `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Jobs.Total)
	require.Equal(t, 1, stats.Jobs.ByStatus[fetch.JobStatusPending])

	rec = env.do(http.MethodGet, "/v1/limits", "", nil)
	limits := decode[ratelimit.Limits](t, rec)
	require.Equal(t, ratelimit.Limits{PerMinute: 3, PerHour: 100, PerDay: 500, CooldownSeconds: 3600}, limits)
}

func TestServer_AdminRequiresAPIKey(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	env := newTestEnv(t, cfg)

	rec := env.do(http.MethodGet, "/v1/admin/access/global", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/v1/admin/access/global", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/admin/access/global?api_key=secret", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/admin/access/global", "", map[string]string{"X-API-Key": "secreT"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/admin/storage/cleanup", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, env.storage.runs)

	rec = env.do(http.MethodGet, "/v1/limits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdminAccessStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	env.do(http.MethodPost, "/v1/jobs/target", `{"target":"a"}`, nil)

	rec := env.do(http.MethodGet, "/v1/admin/access/stats", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/v1/admin/access/stats?key=10.0.0.1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[ratelimit.ClientStats](t, rec)
	require.Equal(t, 1, stats.RequestsLastMinute)
	require.Equal(t, 1, stats.DownloadsLastDay)
	require.False(t, stats.Banned)

	rec = env.do(http.MethodGet, "/v1/admin/access/global", "", nil)
	global := decode[ratelimit.GlobalStats](t, rec)
	require.Equal(t, 1, global.TrackedKeys)
}

func TestServer_AdminStorage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	env.storage.report = cleanup.Report{Age: cleanup.PhaseResult{DeletedFiles: 2, FreedBytes: 2048}}
	env.storage.stats = cleanup.Stats{Root: "downloads", UsedBytes: 100, BudgetBytes: 1000, UsagePercent: 10}

	rec := env.do(http.MethodPost, "/v1/admin/storage/cleanup", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[cleanup.Report](t, rec)
	require.Equal(t, 2, report.Age.DeletedFiles)
	require.Equal(t, 1, env.storage.runs)

	rec = env.do(http.MethodGet, "/v1/admin/storage/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 10.0, decode[cleanup.Stats](t, rec).UsagePercent, 0.001)

	env.storage.err = errors.New("disk gone")
	rec = env.do(http.MethodGet, "/v1/admin/storage/stats", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_StorageCleanupSurvivesCanceledRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	env.storage.report = cleanup.Report{Size: cleanup.PhaseResult{DeletedFiles: 3, FreedBytes: 3072}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/storage/cleanup", nil).WithContext(ctx)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, env.storage.ctxErr)
	require.Equal(t, 3, decode[cleanup.Report](t, rec).Size.DeletedFiles)
}

func TestServer_StorageCleanupErrorKeepsReport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	env.storage.report = cleanup.Report{Age: cleanup.PhaseResult{DeletedFiles: 1, FreedBytes: 10}}
	env.storage.err = errors.New("size cleanup: scan failed")

	rec := env.do(http.MethodPost, "/v1/admin/storage/cleanup", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[struct {
		Error  string         `json:"error"`
		Report cleanup.Report `json:"report"`
	}](t, rec)
	require.Contains(t, body.Error, "scan failed")
	require.Equal(t, 1, body.Report.Age.DeletedFiles)
}

func TestServer_ListTargets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	rec := env.do(http.MethodGet, "/v1/targets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]local.TargetListing](t, rec))

	require.NoError(t, afero.WriteFile(env.fs, "/downloads/alice/a.png", []byte("png"), 0o600))
	require.NoError(t, afero.WriteFile(env.fs, "/downloads/alice/metadata.json", []byte(`{"downloaded":1}`), 0o600))

	rec = env.do(http.MethodGet, "/v1/targets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	targets := decode[[]local.TargetListing](t, rec)
	require.Len(t, targets, 1)
	require.Equal(t, "alice", targets[0].Name)
	require.Equal(t, 1, targets[0].Media.Images)
	require.JSONEq(t, `{"downloaded":1}`, string(targets[0].Summary))
}

func TestServer_GetFile(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Access.MaxRequestsPerMinute = 10
	env := newTestEnv(t, cfg)
	require.NoError(t, afero.WriteFile(env.fs, "/downloads/alice/a.png", []byte("png-bytes"), 0o600))
	require.NoError(t, afero.WriteFile(env.fs, "/outside.txt", []byte("secret"), 0o600))

	rec := env.do(http.MethodGet, "/v1/files/alice/a.png", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "png-bytes", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), `filename=a.png`)

	rec = env.do(http.MethodGet, "/v1/files/alice/missing.png", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/v1/files/alice", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/v1/files/alice/../../outside.txt", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret")
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseConfig())
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/readyz", "", nil)
	body := decode[map[string]string](t, rec)
	require.Equal(t, "ready", body["status"])
	require.Equal(t, "test", body["version"])
	require.Equal(t, "2025-01-01T12:00:00Z", body["timestamp"])

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientKey(req, true))
	require.Equal(t, "192.0.2.1", clientKey(req, false))

	req.RemoteAddr = "not-a-hostport"
	require.Equal(t, "not-a-hostport", clientKey(req, false))
}
