package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
)

// State is the monitor's view of backend reachability.
type State int

const (
	Online State = iota
	Offline
)

func (s State) String() string {
	if s == Offline {
		return "offline"
	}
	return "online"
}

// Monitor tracks whether the backend is reachable and notifies listeners
// when it comes back online.
type Monitor struct {
	mu           sync.RWMutex
	state        State
	failureCount int
	successCount int
	listeners    []func(context.Context)

	config  Config
	client  *http.Client
	logger  *logs.Logger
	metrics *metrics.Registry
}

// NewMonitor creates a monitor that starts in the Online state.
func NewMonitor(cfg Config, logger *logs.Logger, reg *metrics.Registry) *Monitor {
	return &Monitor{
		state:   Online,
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Probe.Timeout},
		logger:  logger,
		metrics: reg,
	}
}

// OnOnline registers fn to run on every offline to online transition.
func (m *Monitor) OnOnline(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State reports the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline is shorthand for State() == Online.
func (m *Monitor) IsOnline() bool {
	return m.State() == Online
}

// MarkFailure records a failed probe.
func (m *Monitor) MarkFailure() {
	m.metrics.Inc(metrics.ConnectivityFailuresTotal)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.failureCount++
	m.successCount = 0
	if m.state == Online && m.failureCount >= m.config.Health.FailureThreshold {
		m.state = Offline
		m.metrics.Set(metrics.ConnectivityOffline, 1)
		m.logger.Warn("backend unreachable, switching to offline")
	}
}

// MarkSuccess records a successful probe and fires the online listeners
// when the success threshold brings the monitor back online.
func (m *Monitor) MarkSuccess(ctx context.Context) {
	m.mu.Lock()
	m.successCount++
	m.failureCount = 0

	var fire []func(context.Context)
	if m.state == Offline && m.successCount >= m.config.Health.SuccessThreshold {
		m.state = Online
		m.metrics.Set(metrics.ConnectivityOffline, 0)
		m.logger.Info("backend reachable again, switching to online")
		fire = append(fire, m.listeners...)
	}
	m.mu.Unlock()

	for _, fn := range fire {
		fn(ctx)
	}
}

// Start probes on every interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.config.Probe.URL == "" || m.config.Probe.Interval <= 0 {
		m.logger.Debug("connectivity probe disabled")
		return
	}

	ticker := time.NewTicker(m.config.Probe.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runOnce issues a single probe. Any response below 500 counts as
// reachable.
func (m *Monitor) runOnce(ctx context.Context) {
	m.metrics.Inc(metrics.ConnectivityProbesTotal)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.Probe.URL, nil)
	if err != nil {
		m.MarkFailure()
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.MarkFailure()
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		m.MarkFailure()
		return
	}
	m.MarkSuccess(ctx)
}
