package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"

	"github.com/stretchr/testify/assert"
)

func newTestMonitor(url string) (*Monitor, *metrics.Registry) {
	cfg := DefaultConfig()
	cfg.Probe.URL = url
	cfg.Probe.Interval = 5 * time.Millisecond
	cfg.Probe.Timeout = time.Second

	reg := metrics.NewRegistry()
	return NewMonitor(cfg, logs.NewLogger(10, logs.DEBUG), reg), reg
}

func TestMonitor_GoesOfflineAfterThreshold(t *testing.T) {
	m, reg := newTestMonitor("")

	m.MarkFailure()
	assert.True(t, m.IsOnline(), "one failure is below the threshold")

	m.MarkFailure()
	assert.Equal(t, Offline, m.State())
	assert.Equal(t, int64(1), reg.Value(metrics.ConnectivityOffline))
	assert.Equal(t, int64(2), reg.Value(metrics.ConnectivityFailuresTotal))
}

func TestMonitor_OnOnlineFiresOnTransitionOnly(t *testing.T) {
	m, reg := newTestMonitor("")

	var fired int32
	m.OnOnline(func(context.Context) { atomic.AddInt32(&fired, 1) })

	m.MarkSuccess(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "already online")

	m.MarkFailure()
	m.MarkFailure()
	m.MarkSuccess(context.Background())

	assert.True(t, m.IsOnline())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, int64(0), reg.Value(metrics.ConnectivityOffline))

	m.MarkSuccess(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestMonitor_SuccessResetsFailureCount(t *testing.T) {
	m, _ := newTestMonitor("")

	m.MarkFailure()
	m.MarkSuccess(context.Background())
	m.MarkFailure()

	assert.True(t, m.IsOnline())
}

func TestMonitor_RunOnce(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	m, reg := newTestMonitor(server.URL)

	m.runOnce(context.Background())
	m.runOnce(context.Background())
	assert.Equal(t, Offline, m.State())

	status.Store(http.StatusNotFound)
	m.runOnce(context.Background())
	assert.Equal(t, Online, m.State(), "any non-5xx response means reachable")
	assert.Equal(t, int64(3), reg.Value(metrics.ConnectivityProbesTotal))
}

func TestMonitor_RunOnce_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	m, _ := newTestMonitor(url)
	m.runOnce(context.Background())
	m.runOnce(context.Background())

	assert.False(t, m.IsOnline())
}

func TestMonitor_StartProbesUntilCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, reg := newTestMonitor(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return reg.Value(metrics.ConnectivityProbesTotal) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitor_StartDisabledWithoutURL(t *testing.T) {
	m, _ := newTestMonitor("")

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when no probe URL is set")
	}
}
