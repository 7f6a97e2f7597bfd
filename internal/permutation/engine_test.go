package permutation

import (
	"context"
	"testing"

	"funnelpower/adapters/rng"
	"funnelpower/domain/experiment"
	"funnelpower/internal/aggregation"
	"funnelpower/internal/errors"
	"funnelpower/internal/metrics"
	"funnelpower/internal/testkit"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixture(t *testing.T, units int) *experiment.ProgressTable {
	t.Helper()
	config := testkit.DefaultFunnelConfig()
	config.UnitCount = units
	table, err := testkit.NewFunnelGenerator(config).Generate()
	require.NoError(t, err)
	return table
}

func settings(t *testing.T, s experiment.Settings) experiment.Settings {
	t.Helper()
	out, err := experiment.NewSettings(s)
	require.NoError(t, err)
	return out
}

func TestEngine_RecordCount(t *testing.T) {
	table := fixture(t, 300)
	s := settings(t, experiment.Settings{
		NPermutations: 25,
		Breakdown:     []string{"region"},
		Categories:    []string{"region", "utm_source"},
		Steps:         []string{"cart", "payment"},
		Seed:          7,
	})

	run, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.NoError(t, err)

	view, err := aggregation.Compile(table, s.Breakdown, s.Steps)
	require.NoError(t, err)
	// 3 regions + overall, 2 steps
	require.Equal(t, 8, view.RowsPerTable())

	assert.True(t, run.Complete)
	assert.Equal(t, 25, run.Iterations)
	assert.Len(t, run.Records, 25*8)
	assert.Equal(t, 8, run.RowsPerIteration())
	assert.NotEmpty(t, run.ID)

	perIteration := make(map[int]int)
	for _, rec := range run.Records {
		perIteration[rec.Iteration]++
	}
	for i := 1; i <= 25; i++ {
		assert.Equal(t, 8, perIteration[i], "iteration %d", i)
	}
}

func TestEngine_SameSeedSameRun(t *testing.T) {
	table := fixture(t, 200)
	s := settings(t, experiment.Settings{NPermutations: 40, Seed: 1234, Workers: 4})

	a, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.NoError(t, err)
	s.Workers = 1
	b, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.NoError(t, err)

	if diff := cmp.Diff(a.Records, b.Records, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("runs with the same seed differ (-a +b):\n%s", diff)
	}

	s.Seed = 4321
	c, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.NoError(t, err)
	assert.False(t, cmp.Equal(a.Records, c.Records, cmpopts.EquateNaNs()))
}

func TestEngine_ZeroSeedIsRecorded(t *testing.T) {
	table := fixture(t, 100)
	s := settings(t, experiment.Settings{NPermutations: 3})
	require.Zero(t, s.Seed)

	run, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.NoError(t, err)
	assert.NotZero(t, run.Settings.Seed)

	replay, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, run.Settings)
	require.NoError(t, err)
	assert.True(t, cmp.Equal(run.Records, replay.Records, cmpopts.EquateNaNs()))
}

func TestEngine_AppliesFilters(t *testing.T) {
	table := fixture(t, 300)
	s := settings(t, experiment.Settings{
		NPermutations: 5,
		Categories:    []string{"region"},
		Filters:       map[string][]string{"region": {"North America"}},
		Steps:         []string{"home"},
		Seed:          3,
	})

	run, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.NoError(t, err)

	filtered, err := table.Filter(s.Filters)
	require.NoError(t, err)
	for _, rec := range run.Records {
		assert.Equal(t, filtered.Len(), rec.Control.Denominator+rec.Treatment.Denominator)
	}
}

func TestEngine_MissingDimensionIsSchemaError(t *testing.T) {
	table := fixture(t, 50)
	s := settings(t, experiment.Settings{
		NPermutations: 5,
		Breakdown:     []string{"device"},
		Categories:    []string{"device"},
	})

	_, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeSchemaError))
}

func TestEngine_CancelReturnsPartialRun(t *testing.T) {
	table := fixture(t, 200)
	s := settings(t, experiment.Settings{NPermutations: 1000, Seed: 9, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(rng.NewMathRandAdapter(), WithProgress(func(done, total int) {
		if done == 5 {
			cancel()
		}
	}))

	run, err := engine.Run(ctx, table, s)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInterrupted))
	assert.False(t, run.Complete)
	assert.GreaterOrEqual(t, run.Iterations, 5)
	assert.Less(t, run.Iterations, 1000)
	assert.Len(t, run.Records, run.Iterations*len(table.Steps()))
}

func TestEngine_ReportsProgressAndMetrics(t *testing.T) {
	table := fixture(t, 100)
	s := settings(t, experiment.Settings{NPermutations: 20, Seed: 11})
	m := metrics.New()

	var calls, last int
	engine := NewEngine(rng.NewMathRandAdapter(),
		WithMetrics(m),
		WithProgress(func(done, total int) {
			calls++
			last = done
			assert.Equal(t, 20, total)
		}))

	_, err := engine.Run(context.Background(), table, s)
	require.NoError(t, err)
	assert.Equal(t, 20, calls)
	assert.Equal(t, 20, last)
	assert.Equal(t, 20.0, testutil.ToFloat64(m.PermutationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("complete")))
}

func TestEngine_FalsePositiveRateNearAlpha(t *testing.T) {
	if testing.Short() {
		t.Skip("10 000 permutations")
	}
	table := fixture(t, 1000)
	s := settings(t, experiment.Settings{
		NPermutations: 10_000,
		Steps:         []string{"cart"},
		Seed:          2024,
	})

	run, err := NewEngine(rng.NewMathRandAdapter()).Run(context.Background(), table, s)
	require.NoError(t, err)

	significant := 0
	for _, rec := range run.Records {
		if rec.Significant {
			significant++
		}
	}
	rate := float64(significant) / float64(len(run.Records))
	assert.InDelta(t, s.Alpha, rate, 0.02)
}
