// File: internal/backoff/backoff.go
// Package backoff runs an operation with exponential back-off between
// attempts. Used by the CLI to re-establish stream connections.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config tunes the exponential schedule. Zero values select defaults.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // in [0,1]
	Multiplier          float64       `mapstructure:"multiplier"`           // >= 1
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"` // 0 retries forever
	MaxRetries          uint64        `mapstructure:"max_retries"`      // 0 means unlimited
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

// Validate checks ranges after defaults are applied.
func (c Config) Validate() error {
	c.applyDefaults()
	if c.RandomizationFactor > 1 {
		return fmt.Errorf("backoff: randomization_factor must be in [0,1]")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("backoff: multiplier must be >= 1")
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("backoff: max_interval must be >= initial_interval")
	}
	return nil
}

// ErrMaxRetries is returned by Execute when the operation kept failing until
// the schedule gave up.
type ErrMaxRetries struct {
	Err      error // last error returned by fn
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: %d attempt(s) failed: %v", e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// Notify is called before every retry with the attempt number just failed.
type Notify func(attempt int, err error, delay time.Duration)

// Execute calls fn until it succeeds, returns a Permanent error, ctx ends, or
// the schedule is exhausted. Retries are logged at warn level.
func Execute(ctx context.Context, cfg Config, log *zap.Logger, notify Notify, fn func(ctx context.Context) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.RandomizationFactor = cfg.RandomizationFactor
	eb.Multiplier = cfg.Multiplier
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = cfg.MaxElapsedTime
	eb.Reset()

	var b backoff.BackOff = eb
	if cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, cfg.MaxRetries)
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	op := func() error {
		attempts++
		return fn(ctx)
	}
	onRetry := func(err error, delay time.Duration) {
		log.Warn("retrying", zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(err))
		if notify != nil {
			notify(attempts, err, delay)
		}
	}

	if err := backoff.RetryNotify(op, b, onRetry); err != nil {
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}
	return nil
}
