package startup

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStartupStartsDependenciesInOrder(t *testing.T) {
	var order []string

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&Func{
		Name:  "kafka",
		Needs: []string{"database"},
		StartFn: func(_ context.Context) error {
			order = append(order, "kafka")
			return nil
		},
	})
	s.AddDependency(&Func{
		Name: "database",
		StartFn: func(_ context.Context) error {
			order = append(order, "database")
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"database", "kafka"}, order)
}

func TestStartupRetriesFailedAttempts(t *testing.T) {
	attempts := 0

	s := NewStartup(testLogger(), 3)
	s.AddDependency(&Func{
		Name: "flaky",
		StartFn: func(_ context.Context) error {
			attempts++
			if attempts < 2 {
				return errors.New("not yet")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, attempts)
}

func TestStartupGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("connection refused")

	s := NewStartup(testLogger(), 2)
	s.AddDependency(&Func{
		Name:    "database",
		StartFn: func(_ context.Context) error { return boom },
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestStartupStopReachesEveryDependency(t *testing.T) {
	var stopped []string

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&Func{
		Name:   "server",
		Needs:  []string{"database"},
		StopFn: func(_ context.Context) error { stopped = append(stopped, "server"); return nil },
	})
	s.AddDependency(&Func{
		Name:   "database",
		StopFn: func(_ context.Context) error { stopped = append(stopped, "database"); return nil },
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.ElementsMatch(t, []string{"server", "database"}, stopped)
}
