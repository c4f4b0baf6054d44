package queue

import "time"

type Option func(*options)

type options struct {
	queueSize    int
	policy       RetryPolicy
	retention    Retention
	pollInterval time.Duration
	leaseTTL     time.Duration
	prefetch     int
	locker       Locker
	guard        DispatchGuard
}

func defaultOptions() options {
	return options{
		queueSize:    256,
		policy:       DefaultRetryPolicy(),
		retention:    DefaultRetention,
		pollInterval: 250 * time.Millisecond,
		leaseTTL:     30 * time.Second,
		prefetch:     5,
	}
}

func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		if p.MaxAttempts > 0 {
			o.policy = p
		}
	}
}

func WithRetention(r Retention) Option {
	return func(o *options) {
		if r.Completed > 0 {
			o.retention.Completed = r.Completed
		}
		if r.Failed > 0 {
			o.retention.Failed = r.Failed
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLeaseTTL sets how long a claimed job stays locked without a heartbeat.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTTL = d
		}
	}
}

// WithPrefetch bounds unacknowledged AMQP deliveries per consumer.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithLocker adds a per-job lease to transports that lack one.
func WithLocker(l Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithDispatchGuard refuses a dispatch while the job's previous one is still live.
func WithDispatchGuard(g DispatchGuard) Option {
	return func(o *options) {
		o.guard = g
	}
}
