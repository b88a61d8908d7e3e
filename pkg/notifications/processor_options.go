package notifications

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/locker"
)

// ProcessorOption is a functional option for configuring a processor
type ProcessorOption func(*processorOptions)

type processorOptions struct {
	pollInterval   time.Duration
	errorInterval  time.Duration
	errorThreshold int
	attemptTimeout time.Duration
	flushTimeout   time.Duration
	flushAttempts  int
	maxConcurrent  int
	batchSize      int
	recoverOnStart bool
	policy         RetryPolicy
	locker         locker.Locker
	logger         *slog.Logger
	now            func() time.Time
}

func defaultProcessorOptions() *processorOptions {
	return &processorOptions{
		pollInterval:   time.Second,
		errorInterval:  5 * time.Second,
		errorThreshold: 3,
		attemptTimeout: 30 * time.Second,
		flushTimeout:   5 * time.Second,
		flushAttempts:  3,
		maxConcurrent:  1,
		batchSize:      100,
		recoverOnStart: true,
		policy:         DefaultRetryPolicy{},
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// WithPollInterval sets the pause between two poll cycles
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithErrorInterval sets the pause used once storage keeps failing
func WithErrorInterval(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		if d > 0 {
			o.errorInterval = d
		}
	}
}

// WithErrorThreshold sets how many consecutive failed cycles switch
// the loop to the error interval
func WithErrorThreshold(n int) ProcessorOption {
	return func(o *processorOptions) {
		if n > 0 {
			o.errorThreshold = n
		}
	}
}

// WithAttemptTimeout bounds a single delivery attempt
func WithAttemptTimeout(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

// WithFlushTimeout bounds persisting a decided transition, including during shutdown
func WithFlushTimeout(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		if d > 0 {
			o.flushTimeout = d
		}
	}
}

// WithMaxConcurrent sets how many notifications are delivered in parallel
func WithMaxConcurrent(n int) ProcessorOption {
	return func(o *processorOptions) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithBatchSize caps the notifications fetched per cycle
func WithBatchSize(n int) ProcessorOption {
	return func(o *processorOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithRecoverOnStart controls whether Start resets queued notifications to pending.
// Disable it when several processes share one store.
func WithRecoverOnStart(enabled bool) ProcessorOption {
	return func(o *processorOptions) {
		o.recoverOnStart = enabled
	}
}

func WithRetryPolicy(p RetryPolicy) ProcessorOption {
	return func(o *processorOptions) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithLocker sets the per-notification lock shared with operator operations
func WithLocker(l locker.Locker) ProcessorOption {
	return func(o *processorOptions) {
		if l != nil {
			o.locker = l
		}
	}
}

func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(o *processorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) ProcessorOption {
	return func(o *processorOptions) {
		if now != nil {
			o.now = now
		}
	}
}
