package poll

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidBaseDelay = errors.New("base delay must be greater than 0")
	ErrInvalidFactor    = errors.New("factor must be at least 1")
)

// Config defines parameters for exponential backoff.
type Config struct {
	// Initial delay before the first retry.
	BaseDelay time.Duration
	// Multiplier applied to the delay on each subsequent retry.
	Factor float64
	// Optional cap on the delay between retries.
	MaxDelay time.Duration
}

func (c *Config) Validate() error {
	if c.BaseDelay <= 0 {
		return ErrInvalidBaseDelay
	}
	if c.Factor < 1 {
		return ErrInvalidFactor
	}
	return nil
}

// Delay returns the backoff delay after the given number of consecutive
// failures. Zero failures means no delay.
func (c *Config) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	delay := float64(c.BaseDelay)
	for i := 1; i < failures; i++ {
		delay *= c.Factor
		if c.MaxDelay > 0 && delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}

	d := time.Duration(delay)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Wait blocks for the backoff delay after the given number of failures,
// returning early with the context's error if it is canceled.
func (c *Config) Wait(ctx context.Context, failures int) error {
	delay := c.Delay(failures)
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
