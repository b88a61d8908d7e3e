package notifications

import (
	"fmt"
	"time"
)

// Config holds the delivery engine settings read from the environment.
type Config struct {
	PollInterval   time.Duration `env:"NOTIFY_POLL_INTERVAL" envDefault:"1s"`
	ErrorInterval  time.Duration `env:"NOTIFY_ERROR_INTERVAL" envDefault:"5s"`
	ErrorThreshold int           `env:"NOTIFY_ERROR_THRESHOLD" envDefault:"3"`
	AttemptTimeout time.Duration `env:"NOTIFY_ATTEMPT_TIMEOUT" envDefault:"30s"`
	MaxConcurrent  int           `env:"NOTIFY_MAX_CONCURRENT" envDefault:"1"`
	BatchSize      int           `env:"NOTIFY_BATCH_SIZE" envDefault:"100"`
	RecoverOnStart bool          `env:"NOTIFY_RECOVER_ON_START" envDefault:"true"`

	DefaultMaxRetries int `env:"NOTIFY_DEFAULT_MAX_RETRIES" envDefault:"3"`
	// PriorityMaxRetries overrides the default budget per priority, e.g. "urgent:6,high:5".
	PriorityMaxRetries map[string]int `env:"NOTIFY_PRIORITY_MAX_RETRIES"`

	// Backoff is disabled while BackoffInitial is zero.
	BackoffInitial    time.Duration `env:"NOTIFY_BACKOFF_INITIAL" envDefault:"0s"`
	BackoffMax        time.Duration `env:"NOTIFY_BACKOFF_MAX" envDefault:"1m"`
	BackoffMultiplier float64       `env:"NOTIFY_BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffJitter     float64       `env:"NOTIFY_BACKOFF_JITTER" envDefault:"0.1"`
}

// RetryPolicy builds the policy described by the backoff settings.
func (c Config) RetryPolicy() RetryPolicy {
	if c.BackoffInitial <= 0 {
		return DefaultRetryPolicy{}
	}
	return DefaultRetryPolicy{Backoff: ExponentialBackoff{
		Initial:    c.BackoffInitial,
		Max:        c.BackoffMax,
		Multiplier: c.BackoffMultiplier,
		Jitter:     c.BackoffJitter,
	}}
}

// ProcessorOptions translates the loop settings into processor options.
func (c Config) ProcessorOptions() []ProcessorOption {
	return []ProcessorOption{
		WithPollInterval(c.PollInterval),
		WithErrorInterval(c.ErrorInterval),
		WithErrorThreshold(c.ErrorThreshold),
		WithAttemptTimeout(c.AttemptTimeout),
		WithMaxConcurrent(c.MaxConcurrent),
		WithBatchSize(c.BatchSize),
		WithRecoverOnStart(c.RecoverOnStart),
		WithRetryPolicy(c.RetryPolicy()),
	}
}

// ServiceOptions translates the whole config into service options.
// It fails on unknown priority names or out-of-range budgets.
func (c Config) ServiceOptions() ([]ServiceOption, error) {
	if c.DefaultMaxRetries < 0 || c.DefaultMaxRetries > MaxRetriesLimit {
		return nil, fmt.Errorf("%w: default max retries must be between 0 and %d", ErrValidation, MaxRetriesLimit)
	}

	opts := []ServiceOption{
		WithDefaultMaxRetries(c.DefaultMaxRetries),
		WithProcessorOptions(c.ProcessorOptions()...),
	}

	for name, budget := range c.PriorityMaxRetries {
		p, err := ParsePriority(name)
		if err != nil {
			return nil, err
		}
		if budget < 0 || budget > MaxRetriesLimit {
			return nil, fmt.Errorf("%w: max retries for %s must be between 0 and %d", ErrValidation, p, MaxRetriesLimit)
		}
		opts = append(opts, WithPriorityMaxRetries(p, budget))
	}

	return opts, nil
}
