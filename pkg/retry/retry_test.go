package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aspen/pkg/errs"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, BaseDelay: time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0

	err := Do(context.Background(), fastConfig(3), silentLogger(), "op", func(_ context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	boom := errors.New("constraint violation")
	calls := 0

	err := Do(context.Background(), fastConfig(3), silentLogger(), "op", func(_ context.Context) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0

	err := Do(context.Background(), fastConfig(3), silentLogger(), "op", func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errs.NewTransientStoreError("op", errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0

	err := Do(context.Background(), fastConfig(2), silentLogger(), "op", func(_ context.Context) error {
		calls++
		return errs.NewTransientStoreError("op", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, 2, calls)
}

func TestDoAppliesPerAttemptTimeout(t *testing.T) {
	cfg := fastConfig(2)
	cfg.Timeout = 5 * time.Millisecond
	calls := 0

	// Each attempt blocks until its own deadline fires; the deadline counts as
	// transient so both attempts run.
	err := Do(context.Background(), cfg, silentLogger(), "op", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestDoStopsWhenParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, fastConfig(5), silentLogger(), "op", func(_ context.Context) error {
		calls++
		cancel()
		return errs.NewTransientStoreError("op", errors.New("reset"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
