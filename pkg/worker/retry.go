package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// RetryConfig controls how the spool writes that follow processing are
// retried on transient storage errors.
type RetryConfig struct {
	MaxAttempts       int           // including the first; default 5
	InitialBackoff    time.Duration // default 100ms
	MaxBackoff        time.Duration // default 5s
	BackoffMultiplier float64       // default 2
	JitterFraction    float64       // 0..1 of the backoff, default 0.1
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// backoff returns the wait before attempt n+1, n counted from 1.
func (c RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= c.BackoffMultiplier
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	if c.JitterFraction > 0 {
		d += d * c.JitterFraction * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		return c.InitialBackoff
	}
	return time.Duration(d)
}

// retryWithBackoff runs op until it succeeds, fails permanently, the
// attempts run out or ctx is done. The last error from op is returned.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, op func() error) error {
	var err error
	for n := 1; ; n++ {
		if err = op(); err == nil || !IsRetryableError(err) || n >= cfg.MaxAttempts {
			return err
		}

		t := time.NewTimer(cfg.backoff(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// IsRetryableError reports whether a failed spool write may succeed when
// repeated. Cancellation, lost ownership, missing or corrupt mails and
// invalid mails are permanent; anything else from storage is assumed
// transient.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, core.ErrNotOwned),
		errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrCorrupt),
		errors.Is(err, core.ErrInvalidMailName),
		errors.Is(err, core.ErrMailNameTooLong),
		errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrNoRecipients),
		errors.Is(err, core.ErrInvalidAddress),
		errors.Is(err, core.ErrContentTooLarge):
		return false
	}
	return true
}
