package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

func (c *RetryConfig) backoff() *backoff.ExponentialBackOff {
	if c == nil {
		c = DefaultRetryConfig()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	return b
}

// WithRetry executes an operation with retry logic using exponential backoff
func WithRetry(operation func() error, config *RetryConfig) error {
	return backoff.Retry(operation, config.backoff())
}

// WithRetryContext is WithRetry that gives up when ctx is done.
// Errors wrapped with Permanent stop the loop immediately.
func WithRetryContext(ctx context.Context, operation func() error, config *RetryConfig) error {
	return backoff.Retry(operation, backoff.WithContext(config.backoff(), ctx))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
