package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"funnelpower/adapters/excel"
	"funnelpower/adapters/filestore"
	"funnelpower/adapters/sqldb"
	"funnelpower/app"
	"funnelpower/internal/config"
	"funnelpower/internal/errors"
	"funnelpower/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProgressCSV(t *testing.T) string {
	t.Helper()
	generator := testkit.DefaultFunnelConfig()
	generator.UnitCount = 200
	table := testkit.MustGenerate(generator)

	path := filepath.Join(t.TempDir(), "progress.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, excel.WriteCSV(f, excel.ProgressSheet(table)))
	return path
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Analysis: config.AnalysisConfig{NPermutations: 10, Seed: 3, Workers: 2},
		Data:     config.DataConfig{ProgressFile: writeProgressCSV(t)},
		Cache:    config.CacheConfig{Backend: config.CacheBackendFile, Path: filepath.Join(t.TempDir(), "runs.json")},
		LogLevel: "INFO",
	}
}

func TestNew_FileBackends(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.DB)
	assert.IsType(t, &excel.DataReader{}, c.Source)
	assert.IsType(t, &filestore.RunStore{}, c.Store)

	result, err := c.Service.RunPowerAnalysis(ctx, app.Query{Breakdown: []string{"region"}, Steps: []string{"cart"}})
	require.NoError(t, err)
	assert.Equal(t, 10, result.Run.Iterations)
	// three regions and the overall segment
	assert.Len(t, result.Summary.Rows, 4)
}

func TestNew_SQLCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Cache.Backend = config.CacheBackendSQL
	cfg.Database = config.DatabaseConfig{Driver: sqldb.DriverSQLite, URL: ":memory:"}

	var calls int
	c, err := New(ctx, cfg, nil, WithProgress(func(done, total int) { calls++ }))
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.DB)
	assert.IsType(t, &sqldb.RunStore{}, c.Store)

	_, err = c.Service.RunPowerAnalysis(ctx, app.Query{Steps: []string{"cart"}})
	require.NoError(t, err)
	assert.Equal(t, 10, calls)

	run, err := c.Store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, run.Iterations)
}

const euFunnel = `
categories:
  region: geo_region
  utm_source: utm_source
filters:
  region: [European Union]
`

func TestNew_FunnelFileFiltersProgress(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Data.FunnelFile = filepath.Join(t.TempDir(), "funnel.yaml")
	require.NoError(t, os.WriteFile(cfg.Data.FunnelFile, []byte(euFunnel), 0o644))

	c, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	table, err := c.Source.LoadProgress(ctx)
	require.NoError(t, err)
	require.Greater(t, table.Len(), 0)
	regions, ok := table.Dimension("region")
	require.True(t, ok)
	for _, region := range regions {
		assert.Equal(t, "European Union", region)
	}

	result, err := c.Service.RunABTest(ctx, app.Query{Steps: []string{"cart"}})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"region": {"European Union"}}, result.Settings.Filters)
	require.Len(t, result.Records, 1)
	assert.Equal(t, table.Len(), result.Records[0].Control.Denominator+result.Records[0].Treatment.Denominator)
}

func TestNew_RequiresAProgressSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.ProgressFile = ""

	_, err := New(context.Background(), cfg, nil)
	assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))
}
