// Package storage defines the contracts shared by the cache backends:
// the synchronous key-value store, bulk records, cached HTTP responses
// and queued offline submissions.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrQuotaExceeded is returned by a KeyValue backend when a write would
	// exceed its storage quota.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrNotFound is returned when a queued submission does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// KeyValue is a synchronous string store scoped to one origin.
type KeyValue interface {
	// GetItem returns the stored value and whether it exists.
	GetItem(key string) (string, bool, error)
	// SetItem stores value under key, replacing any previous value.
	// Implementations wrap ErrQuotaExceeded when the write does not fit.
	SetItem(key, value string) error
	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(key string) error
	// Keys lists every stored key.
	Keys() ([]string, error)
}

// Record is one row of the bulk store.
type Record struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
}

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// NewCachedResponse captures resp with the already-read body.
func NewCachedResponse(resp *http.Response, body []byte, now time.Time) CachedResponse {
	return CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), body...),
		StoredAt:   now,
	}
}

// HTTPResponse builds a fresh *http.Response for req from the stored copy.
func (c CachedResponse) HTTPResponse(req *http.Request) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(c.StatusCode) + " " + http.StatusText(c.StatusCode),
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// ResponseCache is a single named cache of HTTP responses keyed by
// request identity.
type ResponseCache interface {
	Match(ctx context.Context, key string) (CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp CachedResponse) error
	Delete(ctx context.Context, key string) (bool, error)
}

// CacheStorage manages the set of named response caches.
type CacheStorage interface {
	// Open returns the named cache, creating it if absent.
	Open(ctx context.Context, name string) (ResponseCache, error)
	// Delete removes the named cache and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists the names of every cache.
	Keys(ctx context.Context) ([]string, error)
}

// Submission is a request captured while offline, waiting to be replayed.
type Submission struct {
	ID             int64
	IdempotencyKey string
	Method         string
	URL            string
	Header         http.Header
	Body           []byte
	Attempts       int
	LastError      string
	CreatedAt      time.Time
}
