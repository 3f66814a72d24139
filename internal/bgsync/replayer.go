// Package bgsync keeps requests that failed while offline in a durable
// queue and replays them once the backend is reachable again.
package bgsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"attendance-cache/internal/connectivity"
	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage"
)

// Queue is the durable store of pending submissions.
type Queue interface {
	Enqueue(ctx context.Context, sub storage.Submission) (storage.Submission, error)
	Pending(ctx context.Context, limit int) ([]storage.Submission, error)
	Remove(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64, cause string) error
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Replayer queues offline submissions and delivers them in order.
type Replayer struct {
	queue   Queue
	client  Doer
	policy  connectivity.RetryPolicy
	logger  *logs.Logger
	metrics *metrics.Registry

	// one flush at a time keeps delivery ordered
	flushMu sync.Mutex
}

// NewReplayer creates a Replayer. A nil client uses an *http.Client with a
// 10s timeout.
func NewReplayer(
	queue Queue,
	client Doer,
	policy connectivity.RetryPolicy,
	logger *logs.Logger,
	reg *metrics.Registry,
) *Replayer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Replayer{
		queue:   queue,
		client:  client,
		policy:  policy,
		logger:  logger,
		metrics: reg,
	}
}

// Capture stores req for later replay and returns the queued submission.
func (r *Replayer) Capture(ctx context.Context, req *http.Request, body []byte) (storage.Submission, error) {
	sub, err := r.queue.Enqueue(ctx, NewSubmission(req, body))
	if err != nil {
		return storage.Submission{}, fmt.Errorf("queue offline submission: %w", err)
	}

	r.metrics.Inc(metrics.SyncQueuedTotal)
	r.logger.Info("queued offline submission",
		"id", sub.ID, "idempotency_key", sub.IdempotencyKey, "url", sub.URL)
	return sub, nil
}

// Flush replays every pending submission, oldest first, and returns how
// many were delivered. Rejected submissions are dropped. Flushing stops at
// the first submission that still cannot be delivered so the rest keep
// their order for the next attempt.
func (r *Replayer) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	pending, err := r.queue.Pending(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("load pending submissions: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	r.logger.Info("replaying offline submissions", "pending", len(pending))

	delivered := 0
	for _, sub := range pending {
		err := connectivity.Retry(ctx, r.policy, func() error {
			return r.send(ctx, sub)
		}, func(attempt int, err error) {
			r.metrics.Inc(metrics.SyncRetriesTotal)
			r.logger.Debug("retrying submission", "id", sub.ID, "attempt", attempt, "err", err)
		})

		switch {
		case err == nil:
			if err := r.queue.Remove(ctx, sub.ID); err != nil {
				return delivered, fmt.Errorf("remove delivered submission %d: %w", sub.ID, err)
			}
			delivered++
			r.metrics.Inc(metrics.SyncReplayedTotal)

		case connectivity.IsPermanent(err):
			if err := r.queue.Remove(ctx, sub.ID); err != nil {
				return delivered, fmt.Errorf("remove rejected submission %d: %w", sub.ID, err)
			}
			r.metrics.Inc(metrics.SyncDroppedTotal)
			r.logger.Warn("dropped rejected submission",
				"id", sub.ID, "idempotency_key", sub.IdempotencyKey, "err", err)

		default:
			r.metrics.Inc(metrics.SyncFailuresTotal)
			if markErr := r.queue.MarkAttempt(context.WithoutCancel(ctx), sub.ID, err.Error()); markErr != nil {
				r.logger.Error("failed to record submission attempt", "id", sub.ID, "err", markErr)
			}
			r.logger.Warn("submission replay failed", "id", sub.ID, "err", err)
			return delivered, fmt.Errorf("replay submission %d: %w", sub.ID, err)
		}
	}

	r.logger.Info("offline submissions replayed", "delivered", delivered)
	return delivered, nil
}

func (r *Replayer) send(ctx context.Context, sub storage.Submission) error {
	req, err := http.NewRequestWithContext(ctx, sub.Method, sub.URL, bytes.NewReader(sub.Body))
	if err != nil {
		return connectivity.Permanent(fmt.Errorf("build replay request: %w", err))
	}
	req.Header = sub.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(IdempotencyHeader, sub.IdempotencyKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classify(resp.StatusCode)
}

// classify maps a replay response status to nil, a retryable error or a
// permanent rejection.
func classify(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return fmt.Errorf("backend busy: status %d", status)
	case status < 500:
		return connectivity.Permanent(fmt.Errorf("backend rejected submission: status %d", status))
	default:
		return fmt.Errorf("backend error: status %d", status)
	}
}
