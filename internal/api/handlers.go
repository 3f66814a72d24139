package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"attendance-cache/internal/health"
	"attendance-cache/internal/kvcache"
	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/worker"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	cache        *kvcache.Cache
	registration *worker.Registration
	metrics      *metrics.Registry
	logger       *logs.Logger
	analyzer     *health.Analyzer
}

// NewHandler creates a new API handler.
func NewHandler(
	cache *kvcache.Cache,
	registration *worker.Registration,
	metrics *metrics.Registry,
	logger *logs.Logger,
) *Handler {
	return &Handler{
		cache:        cache,
		registration: registration,
		metrics:      metrics,
		logger:       logger,
		analyzer:     health.NewAnalyzer(metrics, logger),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

/* ---------------- PUT /cache/{key} ---------------- */

type setRequest struct {
	Data  json.RawMessage `json:"data"`
	TTLms int64           `json:"ttl_ms,omitempty"`
}

type getResponse struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// maxTTLms is the largest ttl_ms that fits in a time.Duration.
const maxTTLms = int64(math.MaxInt64 / int64(time.Millisecond))

// ttl is the requested override; zero selects the key's default.
func (s setRequest) ttl() time.Duration {
	return time.Duration(s.TTLms) * time.Millisecond
}

func decodeSet(w http.ResponseWriter, r *http.Request) (setRequest, bool) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return req, false
	}
	if len(req.Data) == 0 {
		http.Error(w, "missing data", http.StatusBadRequest)
		return req, false
	}
	if req.TTLms < 0 || req.TTLms > maxTTLms {
		http.Error(w, "ttl_ms out of range", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *Handler) SetKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")
	if key == "" {
		http.Error(w, "missing key in URL", http.StatusBadRequest)
		return
	}

	req, ok := decodeSet(w, r)
	if !ok {
		return
	}

	if !h.cache.Set(key, req.Data, req.ttl()) {
		http.Error(w, "cache write failed", http.StatusInsufficientStorage)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ---------------- GET /cache/{key} ---------------- */

func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	data, ok := h.cache.GetRaw(key)
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, getResponse{Key: key, Data: data})
}

/* ---------------- DELETE /cache/{key} ---------------- */

func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	if !h.cache.Remove(key) {
		http.Error(w, "cache delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ---------------- /cache-large/{key} ---------------- */

func (h *Handler) bulkError(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, kvcache.ErrBulkUnavailable) {
		http.Error(w, "bulk store unavailable", http.StatusServiceUnavailable)
		return
	}
	h.logger.Error("bulk store operation failed", "key", key, "err", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) SetLargeKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache-large/")
	if key == "" {
		http.Error(w, "missing key in URL", http.StatusBadRequest)
		return
	}

	req, ok := decodeSet(w, r)
	if !ok {
		return
	}

	if err := h.cache.SetLarge(r.Context(), key, req.Data, req.ttl()); err != nil {
		h.bulkError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetLargeKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache-large/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	data, ok, err := h.cache.GetLargeRaw(r.Context(), key)
	if err != nil {
		h.bulkError(w, key, err)
		return
	}
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, getResponse{Key: key, Data: data})
}

func (h *Handler) DeleteLargeKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache-large/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	if err := h.cache.RemoveLarge(r.Context(), key); err != nil {
		h.bulkError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ---------------- /admin/cache/* ---------------- */

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats()
	if err != nil {
		h.logger.Error("cache stats failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ClearExpired(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.cache.ClearExpired()})
}

func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.cache.ClearAll()})
}

/* ---------------- /admin/worker* ---------------- */

func (h *Handler) workerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, worker.ErrNotRegistered):
		http.Error(w, "no worker registered", http.StatusConflict)
	default:
		h.logger.Error("worker operation failed", "err", err)
		http.Error(w, "worker operation failed", http.StatusInternalServerError)
	}
}

func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registration.Status())
}

func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	if err := h.registration.Unregister(r.Context()); err != nil {
		h.workerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var msg worker.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	if err := h.registration.PostMessage(r.Context(), msg); err != nil {
		h.workerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(w, "missing tag", http.StatusBadRequest)
		return
	}

	err := h.registration.Sync(r.Context(), tag)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, worker.ErrNotRegistered):
		h.workerError(w, err)
	default:
		// the sync stays pending; the caller may retry
		http.Error(w, "sync failed", http.StatusServiceUnavailable)
	}
}

/* ---------------- GET /metrics ---------------- */

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

/* ---------------- GET /health ---------------- */

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.analyzer.Analyze())
}
