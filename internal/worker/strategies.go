package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"attendance-cache/internal/bgsync"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage"

	"golang.org/x/sync/singleflight"
)

// fillTimeout bounds a shared cache-first network fill.
const fillTimeout = 30 * time.Second

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// requestKey identifies a request in the response cache.
func requestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// Fetch answers req using the strategy for its route. A relative request
// URL is resolved against the configured origin. The only error returned
// is a network failure on the maps route, which has no fallback.
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	w.metrics.Inc(metrics.WorkerRequestsTotal)

	out, body, err := w.outbound(req)
	if err != nil {
		return nil, err
	}

	route := w.cfg.Classify(out)
	w.logger.Debug("fetch", "method", out.Method, "url", out.URL.String(), "route", route.String())

	switch route {
	case RouteAPI:
		return w.networkWithJSONFallback(out, body), nil
	case RouteMaps:
		resp, err := w.fetcher.Do(out)
		if err != nil {
			w.metrics.Inc(metrics.WorkerNetworkFailuresTotal)
			return nil, fmt.Errorf("fetch %s: %w", out.URL.Redacted(), err)
		}
		return resp, nil
	case RouteCDN, RouteStatic:
		return w.cacheFirst(out), nil
	case RouteDocument:
		return w.networkFirst(out, offlineHTMLResponse), nil
	default:
		return w.networkFirst(out, func(r *http.Request) *http.Response {
			return offlineTextResponse(r, "offline")
		}), nil
	}
}

// outbound copies req into a client request aimed at its absolute URL and
// returns the buffered body alongside it.
func (w *Worker) outbound(req *http.Request) (*http.Request, []byte, error) {
	target := w.origin.ResolveReference(req.URL)

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build outbound request: %w", err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out, body, nil
}

// fetchSnapshot performs req and buffers the whole response.
func (w *Worker) fetchSnapshot(req *http.Request) (storage.CachedResponse, error) {
	resp, err := w.fetcher.Do(req)
	if err != nil {
		return storage.CachedResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.CachedResponse{}, fmt.Errorf("read response body: %w", err)
	}
	return storage.NewCachedResponse(resp, body, w.now()), nil
}

func (w *Worker) lookup(ctx context.Context, key string) (storage.CachedResponse, bool) {
	cache, err := w.caches.Open(ctx, w.CacheName())
	if err != nil {
		w.logger.Warn("open cache failed", "cache", w.CacheName(), "err", err)
		return storage.CachedResponse{}, false
	}
	snap, ok, err := cache.Match(ctx, key)
	if err != nil {
		w.logger.Warn("cache match failed", "key", key, "err", err)
		return storage.CachedResponse{}, false
	}
	return snap, ok
}

func (w *Worker) store(ctx context.Context, key string, snap storage.CachedResponse) {
	cache, err := w.caches.Open(ctx, w.CacheName())
	if err != nil {
		w.logger.Warn("open cache failed", "cache", w.CacheName(), "err", err)
		return
	}
	if err := cache.Put(ctx, key, snap); err != nil {
		w.logger.Warn("cache put failed", "key", key, "err", err)
		return
	}
	w.metrics.Inc(metrics.WorkerCacheStoresTotal)
}

// cacheFirst serves a cached copy when present, otherwise fetches and
// stores a 200 response. Concurrent misses for the same request share one
// network fetch.
func (w *Worker) cacheFirst(req *http.Request) *http.Response {
	if req.Method != http.MethodGet {
		resp, err := w.fetcher.Do(req)
		if err != nil {
			w.metrics.Inc(metrics.WorkerNetworkFailuresTotal)
			return offlineTextResponse(req, "resource unavailable")
		}
		return resp
	}

	key := requestKey(req)
	if snap, ok := w.lookup(req.Context(), key); ok {
		w.metrics.Inc(metrics.WorkerCacheHitsTotal)
		return snap.HTTPResponse(req)
	}

	// The fill outlives whichever caller started it.
	fill := w.fills.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), fillTimeout)
		defer cancel()

		snap, err := w.fetchSnapshot(req.Clone(ctx))
		if err != nil {
			return nil, err
		}
		if snap.StatusCode == http.StatusOK {
			w.store(ctx, key, snap)
		}
		return snap, nil
	})

	var res singleflight.Result
	select {
	case res = <-fill:
	case <-req.Context().Done():
		return offlineTextResponse(req, "request cancelled")
	}
	if res.Err != nil {
		w.metrics.Inc(metrics.WorkerNetworkFailuresTotal)
		w.logger.Warn("network request failed", "url", req.URL.Redacted(), "err", res.Err)
		return offlineTextResponse(req, "resource unavailable")
	}
	return res.Val.(storage.CachedResponse).HTTPResponse(req)
}

// networkFirst fetches fresh, caching a 200 response, and falls back to
// the cache and then to fallback when the network fails.
func (w *Worker) networkFirst(req *http.Request, fallback func(*http.Request) *http.Response) *http.Response {
	cacheable := req.Method == http.MethodGet
	key := requestKey(req)

	snap, err := w.fetchSnapshot(req)
	if err == nil {
		if cacheable && snap.StatusCode == http.StatusOK {
			w.store(context.WithoutCancel(req.Context()), key, snap)
		}
		return snap.HTTPResponse(req)
	}

	w.metrics.Inc(metrics.WorkerNetworkFailuresTotal)
	w.logger.Info("network failed, trying cache", "url", req.URL.Redacted(), "err", err)

	if cacheable {
		if cached, ok := w.lookup(req.Context(), key); ok {
			w.metrics.Inc(metrics.WorkerCacheHitsTotal)
			return cached.HTTPResponse(req)
		}
	}

	w.metrics.Inc(metrics.WorkerOfflineFallbacksTotal)
	return fallback(req)
}

// networkWithJSONFallback never touches the cache. When the backend is
// unreachable it answers with a JSON error body, queueing the request
// first if its action is replayable.
func (w *Worker) networkWithJSONFallback(req *http.Request, body []byte) *http.Response {
	resp, err := w.fetcher.Do(req)
	if err == nil {
		if w.reporter != nil {
			w.reporter.MarkSuccess(req.Context())
		}
		w.kickPendingSync(req.Context())
		return resp
	}

	if w.reporter != nil {
		w.reporter.MarkFailure()
	}
	w.metrics.Inc(metrics.WorkerNetworkFailuresTotal)
	w.metrics.Inc(metrics.WorkerOfflineFallbacksTotal)
	w.logger.Warn("backend unreachable", "url", req.URL.Redacted(), "err", err)

	queued := false
	if w.queue != nil && contains(w.cfg.QueueActions, bgsync.Action(req, body)) {
		if _, qerr := w.queue.Capture(context.WithoutCancel(req.Context()), req, body); qerr != nil {
			w.logger.Error("failed to queue offline submission", "url", req.URL.Redacted(), "err", qerr)
		} else {
			queued = true
			w.pendingSync.Store(true)
		}
	}
	return apiFallbackResponse(req, queued)
}
