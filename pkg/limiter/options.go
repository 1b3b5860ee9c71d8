package limiter

import "time"

// MetricsRecorder receives counters and observations from the authorities.
// Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

type options struct {
	prefix   string
	timeout  time.Duration
	recorder MetricsRecorder
}

func defaultOptions() options {
	return options{
		prefix:   "limiter:",
		timeout:  5 * time.Second,
		recorder: &NoOpMetricsRecorder{},
	}
}

// Option configures a QuotaAuthority.
type Option func(*options)

// WithPrefix sets the Redis key prefix used by RedisAuthority.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTimeout bounds each RedisAuthority round trip. Non-positive values
// leave the caller's context untouched.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r MetricsRecorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}
