package connectivity

import "time"

// RetryPolicy controls retry behavior for network operations
type RetryPolicy struct {
	MaxRetries  int           // max retry attempts
	BaseBackoff time.Duration // initial backoff duration
	MaxBackoff  time.Duration // upper bound on backoff
	JitterFn    func(time.Duration) time.Duration
}

// HealthPolicy defines when the backend is considered offline or back online
type HealthPolicy struct {
	FailureThreshold int // consecutive failures to go offline
	SuccessThreshold int // consecutive successes to come back online
}

type ProbePolicy struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

type Config struct {
	Retry  RetryPolicy
	Health HealthPolicy
	Probe  ProbePolicy
}

func DefaultConfig() Config {
	return Config{
		Retry: RetryPolicy{
			MaxRetries:  3,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
			JitterFn:    func(d time.Duration) time.Duration { return d / 2 }, // default jitter: 50%
		},
		Health: HealthPolicy{
			FailureThreshold: 2,
			SuccessThreshold: 1,
		},
		Probe: ProbePolicy{
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
	}
}
