// Package retry bounds retries of transient store failures. Timeouts apply per
// store call; exhausted retries escalate to the caller, which records the
// batch as failed rather than aborting the run.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aspen/pkg/errs"
)

type Config struct {
	Attempts  int
	BaseDelay time.Duration
	// Timeout bounds each attempt. Zero disables the per-call deadline.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:  3,
		BaseDelay: 100 * time.Millisecond,
		Timeout:   30 * time.Second,
	}
}

// Do runs fn, retrying transient failures with exponential backoff capped at
// five seconds. Non-transient errors return immediately. An attempt that hits
// its own deadline is retried; cancellation of the parent context is not.
func Do(ctx context.Context, cfg Config, logger ectologger.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, cfg.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !errs.IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.WithContext(ctx).WithError(err).Warnf("Transient failure in %s, retrying (attempt %d of %d)", op, attempt, attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay = delay * 2
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
		}
	}
	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
