package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"funnelpower/adapters/filestore"
	"funnelpower/adapters/rng"
	"funnelpower/domain/experiment"
	"funnelpower/internal/cache"
	"funnelpower/internal/errors"
	"funnelpower/internal/permutation"
	"funnelpower/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type staticSource struct {
	table *experiment.ProgressTable
	loads int
}

func (s *staticSource) LoadProgress(ctx context.Context) (*experiment.ProgressTable, error) {
	s.loads++
	return s.table, nil
}

type countingEngine struct {
	engine *permutation.Engine
	runs   int
}

func (c *countingEngine) Run(ctx context.Context, table *experiment.ProgressTable, settings experiment.Settings) (experiment.PermutationRun, error) {
	c.runs++
	return c.engine.Run(ctx, table, settings)
}

func newTestService(t *testing.T) (*Service, *countingEngine) {
	t.Helper()
	config := testkit.DefaultFunnelConfig()
	config.UnitCount = 400
	config.TreatmentLift = 0.1
	source := &staticSource{table: testkit.MustGenerate(config)}

	engine := &countingEngine{engine: permutation.NewEngine(rng.NewMathRandAdapter())}
	store := filestore.NewRunStore(filepath.Join(t.TempDir(), "permutations.json"))
	defaults, err := experiment.NewSettings(experiment.Settings{NPermutations: 40, Seed: 7, Workers: 2})
	require.NoError(t, err)

	return NewService(source, cache.NewResultCache(store, engine, nil, nil), defaults, nil), engine
}

func TestService_RunABTest(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.RunABTest(context.Background(), Query{Breakdown: []string{"region"}, Steps: []string{"cart", "payment"}})
	require.NoError(t, err)

	// 3 regions plus the overall segment, two steps each
	require.Len(t, result.Records, 8)
	last := result.Records[len(result.Records)-1]
	assert.True(t, last.Key.Segment.IsAll())
	assert.Equal(t, "payment", last.Key.Step)
	assert.Equal(t, []string{"region", "utm_source"}, result.Settings.Categories)
}

func TestService_RunABTest_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RunABTest(context.Background(), Query{Breakdown: []string{"country"}})
	assert.True(t, errors.HasCode(err, errors.CodeValidationError))

	_, err = svc.RunABTest(context.Background(), Query{Steps: []string{"basket"}})
	assert.True(t, errors.HasCode(err, errors.CodeValidationError))
}

func TestService_RunPowerAnalysisUsesCache(t *testing.T) {
	svc, engine := newTestService(t)
	ctx := context.Background()
	q := Query{Steps: []string{"cart"}}

	first, err := svc.RunPowerAnalysis(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 40, first.Run.Iterations)
	require.Len(t, first.Summary.Rows, 1)
	assert.Equal(t, "cart", first.Summary.Rows[0].Key.Step)

	second, err := svc.RunPowerAnalysis(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Equal(t, 1, engine.runs)

	// a different permutation count invalidates the stored run
	_, err = svc.RunPowerAnalysis(ctx, Query{Steps: []string{"cart"}, NPermutations: 20})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.runs)
}

func TestService_DescribeAndCurve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	q := Query{Steps: []string{"cart"}}

	desc, err := svc.Describe(ctx, q)
	require.NoError(t, err)
	require.Len(t, desc.Rows, 1)
	assert.Equal(t, 40, desc.Rows[0].PValue.Count)

	curves, err := svc.Curve(ctx, q, 50)
	require.NoError(t, err)
	require.Len(t, curves, 1)
	assert.Len(t, curves[0].Points, 50)
}

func TestService_Export(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()
	q := Query{Steps: []string{"cart"}}

	xlsx := filepath.Join(dir, "results.xlsx")
	require.NoError(t, svc.Export(ctx, q, xlsx))
	f, err := excelize.OpenFile(xlsx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Observed", "Power", "Description"}, f.GetSheetList())
	require.NoError(t, f.Close())

	html := filepath.Join(dir, "report", "report.html")
	require.NoError(t, svc.Export(ctx, q, html))
	page, err := os.ReadFile(html)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(page), "<table>"))

	err = svc.Export(ctx, q, filepath.Join(dir, "results.pdf"))
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}
