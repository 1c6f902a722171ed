package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("limiter closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Limiter admits or rejects requests per key, such as a user id.
type Limiter interface {
	// Allow consumes one token for key if one is left.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases resources. Allow fails with ErrClosed afterwards.
	Close() error
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool

	// Remaining is how many requests key may still make now.
	Remaining int

	// RetryAfter is how long until the next token, zero when allowed.
	RetryAfter time.Duration
}

// Config is the limit every key gets.
type Config struct {
	// Capacity is the number of requests per window.
	Capacity int

	// Window is the refill period.
	Window time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity <= 0 || c.Window <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// interval is the time one token takes to refill.
func (c Config) interval() time.Duration {
	return c.Window / time.Duration(c.Capacity)
}
