package blocking

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aspen/internal/repositories/record"
	"github.com/Ramsey-B/aspen/pkg/errs"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeGroupFetcher struct {
	groups      []record.Group
	recordCount int64
	calls       int
}

func (f *fakeGroupFetcher) FetchGroupedBy(_ context.Context, _ record.GroupQuery) ([]record.Group, error) {
	f.calls++
	return f.groups, nil
}

func (f *fakeGroupFetcher) CountRecords(_ context.Context, _ string) (int64, error) {
	f.calls++
	return f.recordCount, nil
}

func TestCompositeKeyGeneratesAllPairsWithinBlocks(t *testing.T) {
	fetcher := &fakeGroupFetcher{
		recordCount: 10,
		groups: []record.Group{
			{Values: []string{"5551234567", "co"}, RecordKeys: []string{"a", "b", "c"}},
			{Values: []string{"5559876543", "co"}, RecordKeys: []string{"d", "e"}},
		},
	}

	strategy, err := NewCompositeKeyStrategy(fetcher, testLogger(), CompositeKeyConfig{
		Collection: "customers",
		Fields:     []BlockingField{{Name: "phone"}, {Name: "state"}},
	})
	require.NoError(t, err)

	result, err := strategy.GenerateCandidates(context.Background())
	require.NoError(t, err)

	// C(3,2) + C(2,2) = 3 + 1
	assert.Len(t, result.Pairs, 4)
	assert.Equal(t, 4, result.Statistics.PairsGenerated)
	assert.Equal(t, 2, result.Statistics.BlocksExamined)
	assert.Equal(t, int64(45), result.Statistics.ComparisonsPossible)
	assert.InDelta(t, 1.0-4.0/45.0, result.Statistics.ReductionRatio, 1e-9)
	assert.Equal(t, int64(10), result.Statistics.RecordCount)

	for _, pair := range result.Pairs {
		assert.Equal(t, StrategyCompositeKey, pair.SourceStrategy)
		assert.Equal(t, 0.0, pair.BlockingScore)
	}
}

func TestCompositeKeyPairNormalization(t *testing.T) {
	fetcher := &fakeGroupFetcher{
		recordCount: 3,
		groups: []record.Group{
			{Values: []string{"v"}, RecordKeys: []string{"c", "a", "b"}},
		},
	}

	strategy, err := NewCompositeKeyStrategy(fetcher, testLogger(), CompositeKeyConfig{
		Collection: "customers",
		Fields:     []BlockingField{{Name: "phone"}},
	})
	require.NoError(t, err)

	result, err := strategy.GenerateCandidates(context.Background())
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for _, pair := range result.Pairs {
		assert.Less(t, pair.A.String(), pair.B.String(), "pairs must be order normalized")
		assert.NotEqual(t, pair.A, pair.B, "self pairs must never be emitted")

		_, dup := seen[pair.PairKey()]
		assert.False(t, dup, "pair %s emitted twice", pair.PairKey())
		seen[pair.PairKey()] = struct{}{}
	}
}

func TestCompositeKeyOversizeTruncate(t *testing.T) {
	fetcher := &fakeGroupFetcher{
		recordCount: 5,
		groups: []record.Group{
			{Values: []string{"common"}, RecordKeys: []string{"a", "b", "c", "d", "e"}},
		},
	}

	strategy, err := NewCompositeKeyStrategy(fetcher, testLogger(), CompositeKeyConfig{
		Collection:     "customers",
		Fields:         []BlockingField{{Name: "phone"}},
		MaxBlockSize:   3,
		OversizePolicy: OversizeTruncate,
	})
	require.NoError(t, err)

	result, err := strategy.GenerateCandidates(context.Background())
	require.NoError(t, err)

	// Only a, b, c survive the cap; C(3,2) pairs
	assert.Len(t, result.Pairs, 3)
	assert.Equal(t, 1, result.Statistics.OversizedTruncated)
	assert.Equal(t, 0, result.Statistics.OversizedSkipped)

	for _, pair := range result.Pairs {
		assert.NotEqual(t, "d", pair.A.Key)
		assert.NotEqual(t, "d", pair.B.Key)
		assert.NotEqual(t, "e", pair.A.Key)
		assert.NotEqual(t, "e", pair.B.Key)
	}
}

func TestCompositeKeyOversizeSkip(t *testing.T) {
	fetcher := &fakeGroupFetcher{
		recordCount: 7,
		groups: []record.Group{
			{Values: []string{"common"}, RecordKeys: []string{"a", "b", "c", "d", "e"}},
			{Values: []string{"rare"}, RecordKeys: []string{"f", "g"}},
		},
	}

	strategy, err := NewCompositeKeyStrategy(fetcher, testLogger(), CompositeKeyConfig{
		Collection:     "customers",
		Fields:         []BlockingField{{Name: "phone"}},
		MaxBlockSize:   3,
		OversizePolicy: OversizeSkip,
	})
	require.NoError(t, err)

	result, err := strategy.GenerateCandidates(context.Background())
	require.NoError(t, err)

	// The oversized block contributes nothing; only the pair from f,g remains
	assert.Len(t, result.Pairs, 1)
	assert.Equal(t, 1, result.Statistics.OversizedSkipped)
	assert.Equal(t, 0, result.Statistics.OversizedTruncated)
	assert.Equal(t, 2, result.Statistics.BlocksExamined)
}

func TestCompositeKeyConstructorValidation(t *testing.T) {
	tests := []struct {
		name         string
		config       CompositeKeyConfig
		wantValidate bool
		wantConfig   bool
	}{
		{
			name:         "injection in collection",
			config:       CompositeKeyConfig{Collection: "a; DROP", Fields: []BlockingField{{Name: "phone"}}},
			wantValidate: true,
		},
		{
			name:         "injection in field",
			config:       CompositeKeyConfig{Collection: "customers", Fields: []BlockingField{{Name: "phone; DROP TABLE records"}}},
			wantValidate: true,
		},
		{
			name:         "bracket syntax in field",
			config:       CompositeKeyConfig{Collection: "customers", Fields: []BlockingField{{Name: "emails[0]"}}},
			wantValidate: true,
		},
		{
			name:       "no fields",
			config:     CompositeKeyConfig{Collection: "customers"},
			wantConfig: true,
		},
		{
			name:       "max block size too small",
			config:     CompositeKeyConfig{Collection: "customers", Fields: []BlockingField{{Name: "phone"}}, MaxBlockSize: 1},
			wantConfig: true,
		},
		{
			name:       "unknown oversize policy",
			config:     CompositeKeyConfig{Collection: "customers", Fields: []BlockingField{{Name: "phone"}}, OversizePolicy: "explode"},
			wantConfig: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeGroupFetcher{}
			_, err := NewCompositeKeyStrategy(fetcher, testLogger(), tt.config)
			require.Error(t, err)
			assert.Equal(t, tt.wantValidate, errs.IsValidation(err))
			assert.Equal(t, tt.wantConfig, errs.IsConfiguration(err))
			assert.Zero(t, fetcher.calls, "no query may run for invalid configuration")
		})
	}
}

func TestCompositeKeyDefaults(t *testing.T) {
	fetcher := &fakeGroupFetcher{recordCount: 2, groups: []record.Group{
		{Values: []string{"v"}, RecordKeys: []string{"a", "b"}},
	}}

	strategy, err := NewCompositeKeyStrategy(fetcher, testLogger(), CompositeKeyConfig{
		Collection: "customers",
		Fields:     []BlockingField{{Name: "phone"}},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBlockSize, strategy.config.MaxBlockSize)
	assert.Equal(t, OversizeTruncate, strategy.config.OversizePolicy)
	assert.Equal(t, StrategyCompositeKey, strategy.Name())
}

func TestCompositeKeyEmptyCollection(t *testing.T) {
	fetcher := &fakeGroupFetcher{recordCount: 0}

	strategy, err := NewCompositeKeyStrategy(fetcher, testLogger(), CompositeKeyConfig{
		Collection: "customers",
		Fields:     []BlockingField{{Name: "phone"}},
	})
	require.NoError(t, err)

	result, err := strategy.GenerateCandidates(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Pairs)
	assert.Equal(t, int64(0), result.Statistics.ComparisonsPossible)
	assert.Equal(t, 0.0, result.Statistics.ReductionRatio)
}

func TestBlockKeyStable(t *testing.T) {
	a := BlockKey([]string{"5551234567", "co"})
	b := BlockKey([]string{"5551234567", "co"})
	c := BlockKey([]string{"5551234567", "ca"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)

	// The separator keeps adjacent values from colliding across positions
	assert.NotEqual(t, BlockKey([]string{"ab", "c"}), BlockKey([]string{"a", "bc"}))
}
