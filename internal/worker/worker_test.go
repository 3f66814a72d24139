package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"attendance-cache/internal/bgsync"
	"attendance-cache/internal/connectivity"
	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage"
	"attendance-cache/internal/storage/memory"
	"attendance-cache/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/* ---------------- Fake network ---------------- */

type fakeNet struct {
	mu      sync.Mutex
	offline bool
	calls   map[string]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{calls: make(map[string]int)}
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeNet) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeNet) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls[req.URL.String()]++
	offline := f.offline
	f.mu.Unlock()

	if offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}

	rec := httptest.NewRecorder()
	switch req.URL.Path {
	case "/missing":
		http.Error(rec, "not found", http.StatusNotFound)
	case "/broken":
		http.Error(rec, "boom", http.StatusInternalServerError)
	default:
		rec.Header().Set("Content-Type", "text/plain")
		rec.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(rec, req.Method+" "+req.URL.Host+req.URL.Path)
	}
	return rec.Result(), nil
}

/* ---------------- Fake queue / syncer ---------------- */

type fakeQueue struct {
	mu       sync.Mutex
	captured []string
	err      error
}

func (q *fakeQueue) Capture(_ context.Context, req *http.Request, _ []byte) (storage.Submission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return storage.Submission{}, q.err
	}
	q.captured = append(q.captured, req.URL.String())
	return storage.Submission{ID: int64(len(q.captured)), URL: req.URL.String()}, nil
}

type fakeSyncer struct {
	calls int
	err   error
}

func (s *fakeSyncer) Flush(context.Context) (int, error) {
	s.calls++
	return 3, s.err
}

type fakeReporter struct {
	mu        sync.Mutex
	failures  int
	successes int
}

func (r *fakeReporter) MarkFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *fakeReporter) MarkSuccess(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

/* ---------------- Gated network ---------------- */

// gatedNet holds every request until release is closed or the request's
// context ends.
type gatedNet struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedNet() *gatedNet {
	return &gatedNet{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedNet) Do(req *http.Request) (*http.Response, error) {
	g.calls.Add(1)
	select {
	case g.started <- struct{}{}:
	default:
	}

	select {
	case <-g.release:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}

	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(rec, "shared")
	return rec.Result(), nil
}

/* ---------------- Helpers ---------------- */

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Origin = "https://app.test"
	cfg.Precache = []string{"/", "/index.html", "https://code.jquery.com/jquery.js"}
	return cfg
}

type harness struct {
	net    *fakeNet
	caches *memory.CacheStorage
	logger *logs.Logger
	reg    *metrics.Registry
}

func newHarness() *harness {
	return &harness{
		net:    newFakeNet(),
		caches: memory.NewCacheStorage(),
		logger: logs.NewLogger(100, logs.DEBUG),
		reg:    metrics.NewRegistry(),
	}
}

func (h *harness) worker(t *testing.T, cfg Config, opts ...Option) *Worker {
	t.Helper()
	opts = append([]Option{WithFetcher(h.net)}, opts...)
	w, err := New(cfg, h.caches, h.logger, h.reg, opts...)
	require.NoError(t, err)
	return w
}

func (h *harness) activeWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	w := h.worker(t, testConfig(), opts...)
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	return w
}

func (h *harness) cached(t *testing.T, name string) int {
	t.Helper()
	c, err := h.caches.Open(context.Background(), name)
	require.NoError(t, err)
	return c.(*memory.ResponseCache).Len()
}

func get(t *testing.T, w *Worker, target string, header ...string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := w.Fetch(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

/* ---------------- Config / routing ---------------- */

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Equal(t, "attendance-app-v1", DefaultConfig().FullCacheName())

	cfg := DefaultConfig()
	cfg.Version = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Origin = "/relative"
	assert.Error(t, cfg.Validate())
}

func TestClassify(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name   string
		url    string
		header []string
		want   Route
	}{
		{"api", "https://script.google.com/macros/s/x/exec", nil, RouteAPI},
		{"api_subdomain", "https://n-abc.script.googleusercontent.com/x", nil, RouteAPI},
		{"api_wins_over_navigation", "https://script.google.com/page.html", []string{headerFetchMode, "navigate"}, RouteAPI},
		{"maps", "https://dapi.kakao.com/v2/maps/sdk.js", []string{headerFetchDest, "script"}, RouteMaps},
		{"cdn", "https://code.jquery.com/jquery-3.6.0.min.js", nil, RouteCDN},
		{"cdn_jsdelivr", "https://cdn.jsdelivr.net/npm/qrcodejs@1.0.0/qrcode.min.js", nil, RouteCDN},
		{"navigation", "https://app.test/", []string{headerFetchMode, "navigate"}, RouteDocument},
		{"document_dest", "https://app.test/report", []string{headerFetchDest, "document"}, RouteDocument},
		{"html_path", "https://app.test/stats.html", nil, RouteDocument},
		{"script", "https://app.test/js/cache.js", []string{headerFetchDest, "script"}, RouteStatic},
		{"style", "https://app.test/css/style.css", []string{headerFetchDest, "style"}, RouteStatic},
		{"image", "https://app.test/logo.png", []string{headerFetchDest, "image"}, RouteStatic},
		{"default", "https://app.test/data.json", nil, RouteDefault},
		{"lookalike_host", "https://notjquery.com.evil.test/x.js", nil, RouteDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			for i := 0; i+1 < len(tt.header); i += 2 {
				req.Header.Set(tt.header[i], tt.header[i+1])
			}
			assert.Equal(t, tt.want, cfg.Classify(req))
		})
	}
}

/* ---------------- Lifecycle ---------------- */

func TestInstall_PrecachesEverything(t *testing.T) {
	h := newHarness()
	w := h.worker(t, testConfig())

	require.NoError(t, w.Install(context.Background()))

	assert.Equal(t, StateInstalled, w.State())
	assert.Equal(t, 3, h.cached(t, "attendance-app-v1"))
	assert.Equal(t, int64(3), h.reg.Value(metrics.WorkerPrecachedTotal))
	assert.Equal(t, 1, h.net.count("https://code.jquery.com/jquery.js"))
}

func TestInstall_FailureIsAllOrNothing(t *testing.T) {
	h := newHarness()
	cfg := testConfig()
	cfg.Precache = append(cfg.Precache, "/missing")
	w := h.worker(t, cfg)

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")

	assert.Equal(t, StateRedundant, w.State())
	assert.Equal(t, 0, h.cached(t, "attendance-app-v1"))
}

func TestInstall_OnlyFromParsed(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)

	assert.ErrorIs(t, w.Install(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, w.Activate(context.Background()), ErrInvalidState)
}

func TestActivate_DeletesOtherCaches(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for _, name := range []string{"attendance-app-v0", "scratch"} {
		_, err := h.caches.Open(ctx, name)
		require.NoError(t, err)
	}

	w := h.activeWorker(t)
	assert.Equal(t, StateActivated, w.State())

	names, err := h.caches.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"attendance-app-v1"}, names)
	assert.Equal(t, int64(2), h.reg.Value(metrics.WorkerCachesDeletedTotal))
}

/* ---------------- Strategies ---------------- */

func TestCacheFirst_CDN(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	target := "https://cdn.jsdelivr.net/npm/qrcode.min.js"

	resp := get(t, w, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET cdn.jsdelivr.net/npm/qrcode.min.js", readBody(t, resp))
	assert.Equal(t, 1, h.net.count(target))

	resp = get(t, w, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)
	assert.Equal(t, 1, h.net.count(target), "second request served from cache")
	assert.Equal(t, int64(1), h.reg.Value(metrics.WorkerCacheHitsTotal))

	h.net.setOffline(true)
	resp = get(t, w, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)
}

func TestCacheFirst_PrecachedServedOffline(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	h.net.setOffline(true)

	resp := get(t, w, "https://code.jquery.com/jquery.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET code.jquery.com/jquery.js", readBody(t, resp))
}

func TestCacheFirst_OnlyStatus200IsStored(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	before := h.cached(t, w.CacheName())

	resp := get(t, w, "/missing", headerFetchDest, "image")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)

	assert.Equal(t, before, h.cached(t, w.CacheName()))
}

func TestCacheFirst_NetworkFailureWithoutCacheIs503(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	h.net.setOffline(true)

	resp := get(t, w, "/js/stats.js", headerFetchDest, "script")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	readBody(t, resp)
	assert.Equal(t, int64(1), h.reg.Value(metrics.WorkerNetworkFailuresTotal))
}

func TestCacheFirst_SharedFillSurvivesCancelledCaller(t *testing.T) {
	h := newHarness()
	gate := newGatedNet()
	cfg := testConfig()
	cfg.Precache = nil
	w := h.worker(t, cfg, WithFetcher(gate))
	target := "https://code.jquery.com/jquery.js"

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	first := make(chan *http.Response, 1)
	go func() {
		resp, _ := w.Fetch(httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctxA))
		first <- resp
	}()
	<-gate.started

	second := make(chan *http.Response, 1)
	go func() {
		resp, _ := w.Fetch(httptest.NewRequest(http.MethodGet, target, nil))
		second <- resp
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	resp := <-first
	readBody(t, resp)

	close(gate.release)
	resp = <-second
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "shared", readBody(t, resp))
	assert.Equal(t, int32(1), gate.calls.Load(), "one network fill")
	assert.Equal(t, 1, h.cached(t, w.CacheName()))
}

func TestNetworkFirst_Document(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)

	resp := get(t, w, "/stats.html")
	assert.Equal(t, "GET app.test/stats.html", readBody(t, resp))

	h.net.setOffline(true)

	resp = get(t, w, "/stats.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET app.test/stats.html", readBody(t, resp), "falls back to the cached copy")

	resp = get(t, w, "/admin.html", headerFetchMode, "navigate")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	body := readBody(t, resp)
	assert.Contains(t, body, "window.location.reload()")
	assert.Equal(t, int64(1), h.reg.Value(metrics.WorkerOfflineFallbacksTotal))
}

func TestNetworkFirst_RefreshesCachedCopy(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	ctx := context.Background()

	cache, err := h.caches.Open(ctx, w.CacheName())
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "GET https://app.test/data.json", storage.CachedResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("stale"),
	}))

	readBody(t, get(t, w, "/data.json"))

	snap, ok, err := cache.Match(ctx, "GET https://app.test/data.json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "GET app.test/data.json", string(snap.Body))
}

func TestNetworkFirst_ServerErrorIsNotFallback(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)

	resp := get(t, w, "/broken")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	readBody(t, resp)
	assert.Equal(t, int64(0), h.reg.Value(metrics.WorkerOfflineFallbacksTotal))
}

func TestNetworkFirst_DefaultFallbackIs503Text(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	h.net.setOffline(true)

	resp := get(t, w, "/data.json")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "offline", readBody(t, resp))
}

func TestNetworkFirst_OnlyGETIsCached(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	before := h.cached(t, w.CacheName())

	req := httptest.NewRequest(http.MethodPost, "/data.json", strings.NewReader("x=1"))
	resp, err := w.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, "POST app.test/data.json", readBody(t, resp))
	assert.Equal(t, before, h.cached(t, w.CacheName()))
}

func TestAPI_NeverCachedAndJSONFallback(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	before := h.cached(t, w.CacheName())
	target := "https://script.google.com/macros/s/x/exec?action=getMembers"

	resp := get(t, w, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)
	assert.Equal(t, before, h.cached(t, w.CacheName()))

	h.net.setOffline(true)
	resp = get(t, w, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.Equal(t, map[string]any{"success": false, "message": "offline"}, body)
}

func TestAPI_QueuesReplayableActions(t *testing.T) {
	h := newHarness()
	queue := &fakeQueue{}
	w := h.activeWorker(t, WithSync(&fakeSyncer{}, queue))
	h.net.setOffline(true)

	resp := get(t, w, "https://script.google.com/exec?action=attend&name=Alice")
	var body apiFallback
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.True(t, body.Queued)
	assert.Equal(t, []string{"https://script.google.com/exec?action=attend&name=Alice"}, queue.captured)

	resp = get(t, w, "https://script.google.com/exec?action=getMembers")
	var readOnly apiFallback
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &readOnly))
	assert.False(t, readOnly.Queued, "read-only actions are not queued")
	assert.Len(t, queue.captured, 1)
}

func TestAPI_QueueFailureStillFallsBack(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t, WithSync(&fakeSyncer{}, &fakeQueue{err: errors.New("disk full")}))
	h.net.setOffline(true)

	resp := get(t, w, "https://script.google.com/exec?action=attend")
	var body apiFallback
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.False(t, body.Queued)
	assert.False(t, body.Success)
}

func TestAPI_PendingSyncRunsWhenBackendReturns(t *testing.T) {
	h := newHarness()
	syncer := &fakeSyncer{}
	reporter := &fakeReporter{}
	w := h.activeWorker(t, WithSync(syncer, &fakeQueue{}), WithReporter(reporter))
	h.net.setOffline(true)

	readBody(t, get(t, w, "https://script.google.com/exec?action=getMembers"))
	assert.False(t, w.PendingSync(), "nothing was queued")

	readBody(t, get(t, w, "https://script.google.com/exec?action=attend"))
	assert.True(t, w.PendingSync())
	assert.Equal(t, 0, syncer.calls)

	t.Run("FailedSyncStaysPending", func(t *testing.T) {
		syncer.err = errors.New("still down")
		h.net.setOffline(false)

		readBody(t, get(t, w, "https://script.google.com/exec?action=getMembers"))
		w.Wait()
		assert.Equal(t, 1, syncer.calls)
		assert.True(t, w.PendingSync())
	})

	t.Run("NextSuccessRetries", func(t *testing.T) {
		syncer.err = nil

		readBody(t, get(t, w, "https://script.google.com/exec?action=getMembers"))
		w.Wait()
		assert.Equal(t, 2, syncer.calls)
		assert.False(t, w.PendingSync())

		readBody(t, get(t, w, "https://script.google.com/exec?action=getMembers"))
		w.Wait()
		assert.Equal(t, 2, syncer.calls, "no sync without queued work")
	})

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	assert.Equal(t, 2, reporter.failures)
	assert.Equal(t, 3, reporter.successes)
}

func TestAPI_QueuedSubmissionDeliveredAfterRecovery(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	replayer := bgsync.NewReplayer(store, h.net, connectivity.RetryPolicy{}, h.logger, h.reg)
	w := h.activeWorker(t, WithSync(replayer, replayer))
	target := "https://script.google.com/exec?action=attend&name=Alice"

	h.net.setOffline(true)
	readBody(t, get(t, w, target))
	pending, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.net.setOffline(false)
	readBody(t, get(t, w, "https://script.google.com/exec?action=getMembers"))
	w.Wait()

	pending, err = store.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 2, h.net.count(target), "failed original plus one replay")
	assert.Equal(t, int64(1), h.reg.Value(metrics.SyncReplayedTotal))
}

func TestSyncPending(t *testing.T) {
	h := newHarness()
	syncer := &fakeSyncer{}
	w := h.activeWorker(t, WithSync(syncer, &fakeQueue{}))
	ctx := context.Background()

	ran, err := w.SyncPending(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	h.net.setOffline(true)
	readBody(t, get(t, w, "https://script.google.com/exec?action=attend"))

	ran, err = w.SyncPending(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, syncer.calls)
	assert.False(t, w.PendingSync())
}

func TestMaps_NoFallback(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)

	resp := get(t, w, "https://dapi.kakao.com/v2/local/search")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	h.net.setOffline(true)
	req := httptest.NewRequest(http.MethodGet, "https://dapi.kakao.com/v2/local/search", nil)
	_, err := w.Fetch(req)
	assert.Error(t, err)
}

/* ---------------- Messages / sync ---------------- */

func TestHandleMessage_ClearCache(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)
	ctx := context.Background()

	require.NoError(t, w.HandleMessage(ctx, Message{Type: MessageClearCache}))

	names, err := h.caches.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	h.net.setOffline(true)
	resp := get(t, w, "https://code.jquery.com/jquery.js")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	readBody(t, resp)
}

func TestHandleMessage_Unknown(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)

	err := w.HandleMessage(context.Background(), Message{Type: "RELOAD"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestHandleSync(t *testing.T) {
	h := newHarness()
	syncer := &fakeSyncer{}
	w := h.activeWorker(t, WithSync(syncer, nil))
	ctx := context.Background()

	require.NoError(t, w.HandleSync(ctx, "sync-attendance"))
	assert.Equal(t, 1, syncer.calls)

	require.NoError(t, w.HandleSync(ctx, "sync-other"))
	assert.Equal(t, 1, syncer.calls, "other tags are ignored")

	syncer.err = errors.New("still offline")
	assert.Error(t, w.HandleSync(ctx, "sync-attendance"))
}

func TestHandleSync_WithoutSyncer(t *testing.T) {
	h := newHarness()
	w := h.activeWorker(t)

	assert.NoError(t, w.HandleSync(context.Background(), "sync-attendance"))
}
