package outbox

import (
	"time"

	"github.com/jcmexdev/saga-outbox/internal/retry"
)

const (
	DefaultInterval            = 5 * time.Second
	DefaultMaxRetryAttempts    = 3
	DefaultRetryBaseDelay      = 2 * time.Second
	DefaultMaxDelay            = 30 * time.Second
	DefaultPublishedTTLSeconds = 3600
	DefaultBatchSize           = 100
	DefaultClaimLease          = 5 * time.Minute
)

// Config drives the processor and the periodic driver.
type Config struct {
	Interval         time.Duration `yaml:"interval"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	Backoff          retry.Shape   `yaml:"backoff"`
	Jitter           bool          `yaml:"jitter"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	// PublishedTTLSeconds is how long a Published entry is kept before purge.
	PublishedTTLSeconds int  `yaml:"published_ttl_seconds"`
	BatchSize           int  `yaml:"batch_size"`
	Enabled             bool `yaml:"enabled"`
	// ClaimLease is how long a Processing claim blocks other processors.
	// Once it lapses the entry is handed out again, which recovers entries
	// left behind by a crashed process. Keep it above the worst-case time
	// one entry spends in its retry loop.
	ClaimLease time.Duration `yaml:"claim_lease"`
}

func DefaultConfig() Config {
	return Config{
		Interval:            DefaultInterval,
		MaxRetryAttempts:    DefaultMaxRetryAttempts,
		RetryBaseDelay:      DefaultRetryBaseDelay,
		Backoff:             retry.Exponential,
		Jitter:              true,
		MaxDelay:            DefaultMaxDelay,
		PublishedTTLSeconds: DefaultPublishedTTLSeconds,
		BatchSize:           DefaultBatchSize,
		Enabled:             true,
		ClaimLease:          DefaultClaimLease,
	}
}

// Normalize replaces out-of-range values with defaults. Enabled and Jitter
// are kept as given.
func (c Config) Normalize() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	if c.Backoff == "" {
		c.Backoff = retry.Exponential
	}
	if c.MaxDelay < 0 {
		c.MaxDelay = 0
	}
	if c.PublishedTTLSeconds <= 0 {
		c.PublishedTTLSeconds = DefaultPublishedTTLSeconds
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = DefaultClaimLease
	}
	return c
}

// RetryPolicy is the per-entry publish policy: the first attempt plus
// MaxRetryAttempts retries. A lost claim is never retried.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.MaxRetryAttempts + 1,
		BaseDelay:    c.RetryBaseDelay,
		Shape:        c.Backoff,
		Jitter:       c.Jitter,
		MaxDelay:     c.MaxDelay,
		NonRetryable: []error{ErrNotClaimable, ErrOwnerRequired, ErrNilEntry, ErrEntryNotFound},
	}
}
