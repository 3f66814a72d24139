package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage"
)

var ErrNotRegistered = errors.New("worker: no worker registered")

// Registration tracks the active and waiting worker for one scope and
// routes requests through whichever worker controls it.
type Registration struct {
	mu      sync.RWMutex
	active  *Worker
	waiting *Worker

	caches storage.CacheStorage
	direct Fetcher

	logger  *logs.Logger
	metrics *metrics.Registry
}

// NewRegistration creates an empty registration. direct serves requests
// while no worker is active.
func NewRegistration(caches storage.CacheStorage, direct Fetcher, logger *logs.Logger, reg *metrics.Registry) *Registration {
	if direct == nil {
		direct = http.DefaultClient
	}
	return &Registration{
		caches:  caches,
		direct:  direct,
		logger:  logger,
		metrics: reg,
	}
}

// Register installs w and activates it when nothing is active yet or when
// w skips waiting. Otherwise w waits for SKIP_WAITING.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	w.mu.Lock()
	w.skipWaiting = func(ctx context.Context) error { return r.promote(ctx, w) }
	w.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.waiting != nil && r.waiting != w {
		r.waiting.retire()
	}
	r.waiting = w
	immediate := r.active == nil || w.cfg.SkipWaiting
	r.mu.Unlock()

	if !immediate {
		r.logger.Info("worker waiting", "version", w.cfg.Version)
		return nil
	}
	return r.promote(ctx, w)
}

// Update installs a new version over an existing registration.
func (r *Registration) Update(ctx context.Context, w *Worker) error {
	r.mu.RLock()
	registered := r.active != nil || r.waiting != nil
	r.mu.RUnlock()
	if !registered {
		return ErrNotRegistered
	}
	return r.Register(ctx, w)
}

// promote activates the waiting worker w and retires the previous one.
func (r *Registration) promote(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting != w {
		// already active or replaced
		return nil
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}
	if r.active != nil {
		if r.active.PendingSync() {
			w.pendingSync.Store(true)
		}
		r.active.retire()
	}
	r.active = w
	r.waiting = nil
	return nil
}

// Controller returns the active worker, or nil.
func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// PostMessage delivers a control message. SKIP_WAITING goes to the waiting
// worker; every other message goes to the active one.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	r.mu.RLock()
	target := r.active
	if msg.Type == MessageSkipWaiting && r.waiting != nil {
		target = r.waiting
	}
	r.mu.RUnlock()

	if target == nil {
		return ErrNotRegistered
	}
	return target.HandleMessage(ctx, msg)
}

// Sync dispatches a background sync event to the active worker.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	w := r.Controller()
	if w == nil {
		return ErrNotRegistered
	}
	return w.HandleSync(ctx, tag)
}

// SyncPending runs the active worker's pending sync, if any.
func (r *Registration) SyncPending(ctx context.Context) (bool, error) {
	w := r.Controller()
	if w == nil {
		return false, nil
	}
	return w.SyncPending(ctx)
}

// Wait blocks until background syncs of the active worker finish.
func (r *Registration) Wait() {
	if w := r.Controller(); w != nil {
		w.Wait()
	}
}

// Unregister retires every worker and deletes all response caches.
func (r *Registration) Unregister(ctx context.Context) error {
	r.mu.Lock()
	for _, w := range []*Worker{r.active, r.waiting} {
		if w != nil {
			w.retire()
		}
	}
	r.active, r.waiting = nil, nil
	r.mu.Unlock()

	names, err := r.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if _, err := r.caches.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete cache %q: %w", name, err)
		}
		r.metrics.Inc(metrics.WorkerCachesDeletedTotal)
	}
	r.logger.Info("worker unregistered", "caches_deleted", len(names))
	return nil
}

// WorkerStatus describes one worker.
type WorkerStatus struct {
	Version string `json:"version"`
	Cache   string `json:"cache"`
	State   string `json:"state"`

	PendingSync bool `json:"pending_sync"`
}

// Status reports the active and waiting workers.
type Status struct {
	Active  *WorkerStatus `json:"active"`
	Waiting *WorkerStatus `json:"waiting"`
}

func statusOf(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		Version:     w.cfg.Version,
		Cache:       w.CacheName(),
		State:       w.State().String(),
		PendingSync: w.PendingSync(),
	}
}

func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{Active: statusOf(r.active), Waiting: statusOf(r.waiting)}
}

// ServeHTTP proxies the request through the active worker. Requests may
// use an absolute URL (proxy form) or a path relative to the app origin.
func (r *Registration) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	w := r.Controller()

	var (
		resp *http.Response
		err  error
	)
	if w != nil {
		resp, err = w.Fetch(req)
	} else {
		resp, err = r.passthrough(req)
	}
	if err != nil {
		r.logger.Warn("proxy request failed", "url", req.URL.String(), "err", err)
		http.Error(rw, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := rw.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		r.logger.Debug("copy response body failed", "err", err)
	}
}

func (r *Registration) passthrough(req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		return nil, fmt.Errorf("%w: cannot resolve %q", ErrNotRegistered, req.URL.String())
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return r.direct.Do(out)
}
