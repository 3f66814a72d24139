// Package worker is a caching proxy modeled on a service worker: it
// precaches an app shell on install, drops stale caches on activate and
// answers each request with a per-route cache strategy and offline
// fallbacks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State is a worker's lifecycle state.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "parsed"
	}
}

var (
	ErrUnknownMessage = errors.New("worker: unknown message type")
	ErrInvalidState   = errors.New("worker: invalid lifecycle state")
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Syncer drains queued offline submissions.
type Syncer interface {
	Flush(ctx context.Context) (int, error)
}

// Queuer captures a failed backend request for later replay.
type Queuer interface {
	Capture(ctx context.Context, req *http.Request, body []byte) (storage.Submission, error)
}

// Reporter receives backend reachability observations.
// *connectivity.Monitor satisfies it.
type Reporter interface {
	MarkFailure()
	MarkSuccess(ctx context.Context)
}

// Worker is one installed version of the request cache.
type Worker struct {
	cfg    Config
	origin *url.URL

	caches   storage.CacheStorage
	fetcher  Fetcher
	syncer   Syncer
	queue    Queuer
	reporter Reporter
	now      func() time.Time

	logger  *logs.Logger
	metrics *metrics.Registry

	state atomic.Int32
	fills singleflight.Group

	// set while captured submissions wait for a successful sync
	pendingSync atomic.Bool
	bg          sync.WaitGroup

	mu          sync.Mutex
	skipWaiting func(context.Context) error
}

// Option customizes a Worker.
type Option func(*Worker)

// WithFetcher replaces the default HTTP client.
func WithFetcher(f Fetcher) Option {
	return func(w *Worker) { w.fetcher = f }
}

// WithSync sets the handler drained by sync events and the queue used when
// a backend submission fails.
func WithSync(s Syncer, q Queuer) Option {
	return func(w *Worker) {
		w.syncer = s
		w.queue = q
	}
}

// WithReporter forwards the outcome of every backend request to r.
func WithReporter(r Reporter) Option {
	return func(w *Worker) { w.reporter = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a worker in the parsed state.
func New(
	cfg Config,
	caches storage.CacheStorage,
	logger *logs.Logger,
	reg *metrics.Registry,
	opts ...Option,
) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	origin, _ := url.Parse(cfg.Origin)

	w := &Worker{
		cfg:     cfg,
		origin:  origin,
		caches:  caches,
		fetcher: &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
		logger:  logger,
		metrics: reg,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) Config() Config { return w.cfg }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) CacheName() string { return w.cfg.FullCacheName() }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.logger.Debug("worker state changed", "version", w.cfg.Version, "state", s.String())
}

// resolve turns a possibly relative reference into an absolute URL.
func (w *Worker) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return w.origin.ResolveReference(u), nil
}

// Install opens the version cache and fills it with the precache list.
// Either every entry is stored or none is; on failure the worker becomes
// redundant.
func (w *Worker) Install(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateParsed), int32(StateInstalling)) {
		return fmt.Errorf("install from %s: %w", w.State(), ErrInvalidState)
	}
	w.logger.Info("installing worker", "version", w.cfg.Version, "cache", w.CacheName())

	if err := w.precache(ctx); err != nil {
		w.setState(StateRedundant)
		w.logger.Error("worker install failed", "version", w.cfg.Version, "err", err)
		return fmt.Errorf("install worker %s: %w", w.cfg.Version, err)
	}

	w.setState(StateInstalled)
	w.logger.Info("worker installed", "version", w.cfg.Version, "precached", len(w.cfg.Precache))
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	cache, err := w.caches.Open(ctx, w.CacheName())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	type fetched struct {
		key  string
		resp storage.CachedResponse
	}
	results := make([]fetched, len(w.cfg.Precache))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ref := range w.cfg.Precache {
		g.Go(func() error {
			target, err := w.resolve(ref)
			if err != nil {
				return fmt.Errorf("precache %q: %w", ref, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return fmt.Errorf("precache %q: %w", ref, err)
			}
			snap, err := w.fetchSnapshot(req)
			if err != nil {
				return fmt.Errorf("precache %q: %w", ref, err)
			}
			if snap.StatusCode < 200 || snap.StatusCode > 299 {
				return fmt.Errorf("precache %q: unexpected status %d", ref, snap.StatusCode)
			}
			results[i] = fetched{key: requestKey(req), resp: snap}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if err := cache.Put(ctx, r.key, r.resp); err != nil {
			return fmt.Errorf("store precached response: %w", err)
		}
	}
	w.metrics.Add(metrics.WorkerPrecachedTotal, int64(len(results)))
	return nil
}

// Activate deletes every response cache that does not belong to this
// version. The activated worker controls all clients right away.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateInstalled), int32(StateActivating)) {
		return fmt.Errorf("activate from %s: %w", w.State(), ErrInvalidState)
	}
	w.logger.Info("activating worker", "version", w.cfg.Version)

	names, err := w.caches.Keys(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list caches: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == w.CacheName() {
			continue
		}
		g.Go(func() error {
			if _, err := w.caches.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete cache %q: %w", name, err)
			}
			w.metrics.Inc(metrics.WorkerCachesDeletedTotal)
			w.logger.Info("deleted stale cache", "cache", name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.setState(StateInstalled)
		return err
	}

	w.setState(StateActivated)
	w.logger.Info("worker activated", "version", w.cfg.Version)
	return nil
}

// retire marks the worker redundant.
func (w *Worker) retire() {
	w.setState(StateRedundant)
}

// Message is a control message posted by a page.
type Message struct {
	Type string `json:"type"`
}

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

// HandleMessage processes a control message.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		w.mu.Lock()
		skip := w.skipWaiting
		w.mu.Unlock()
		if skip == nil {
			return nil
		}
		return skip(ctx)

	case MessageClearCache:
		deleted, err := w.caches.Delete(ctx, w.CacheName())
		if err != nil {
			return fmt.Errorf("clear cache %q: %w", w.CacheName(), err)
		}
		if deleted {
			w.metrics.Inc(metrics.WorkerCachesDeletedTotal)
		}
		w.logger.Info("cache cleared", "cache", w.CacheName(), "existed", deleted)
		return nil

	default:
		w.logger.Debug("ignoring unknown message", "type", msg.Type)
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// HandleSync processes a background sync event. Only the configured tag
// does any work; a returned error means the sync should be retried.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	w.logger.Info("background sync", "tag", tag)
	if tag != w.cfg.SyncTag {
		return nil
	}
	if w.syncer == nil {
		w.logger.Debug("no sync handler configured", "tag", tag)
		return nil
	}

	w.pendingSync.Store(false)
	delivered, err := w.syncer.Flush(ctx)
	if err != nil {
		w.pendingSync.Store(true)
		w.logger.Error("background sync failed", "tag", tag, "delivered", delivered, "err", err)
		return fmt.Errorf("sync %q: %w", tag, err)
	}
	w.logger.Info("background sync complete", "tag", tag, "delivered", delivered)
	return nil
}

// PendingSync reports whether captured submissions still wait for a
// successful sync.
func (w *Worker) PendingSync() bool {
	return w.pendingSync.Load()
}

// SyncPending runs the configured sync when one is pending. It reports
// whether a sync was attempted.
func (w *Worker) SyncPending(ctx context.Context) (bool, error) {
	if !w.pendingSync.Load() {
		return false, nil
	}
	return true, w.HandleSync(ctx, w.cfg.SyncTag)
}

// kickPendingSync starts the pending sync in the background. At most one
// runs at a time; a failed run leaves the sync pending.
func (w *Worker) kickPendingSync(ctx context.Context) {
	if !w.pendingSync.CompareAndSwap(true, false) {
		return
	}
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		_ = w.HandleSync(context.WithoutCancel(ctx), w.cfg.SyncTag)
	}()
}

// Wait blocks until background syncs started by Fetch finish.
func (w *Worker) Wait() {
	w.bg.Wait()
}
