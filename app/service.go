package app

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"funnelpower/adapters/excel"
	"funnelpower/domain/experiment"
	"funnelpower/internal/aggregation"
	"funnelpower/internal/cache"
	"funnelpower/internal/errors"
	"funnelpower/internal/logging"
	"funnelpower/internal/power"
	"funnelpower/internal/report"
	"funnelpower/internal/ttest"
	"funnelpower/ports"

	"go.uber.org/zap"
)

// Query selects what one analysis looks at. Zero fields fall back to the service
// defaults.
type Query struct {
	Breakdown     []string            `json:"breakdown,omitempty"`
	Steps         []string            `json:"steps,omitempty"`
	Filters       map[string][]string `json:"filters,omitempty"`
	Alpha         float64             `json:"alpha,omitempty"`
	Beta          float64             `json:"beta,omitempty"`
	NPermutations int                 `json:"n_permutations,omitempty"`
	Seed          int64               `json:"seed,omitempty"`
}

// ABTestResult is the observed comparison of the two groups
type ABTestResult struct {
	Settings experiment.Settings
	Records  []experiment.TTestRecord
}

// PowerResult is the permutation run behind a power analysis and its summary
type PowerResult struct {
	Settings experiment.Settings
	Run      experiment.PermutationRun
	Summary  experiment.PowerSummary
}

// Service runs observed A/B tests and permutation power analyses over one progress
// source.
type Service struct {
	source   ports.ProgressSource
	cache    *cache.ResultCache
	defaults experiment.Settings
	logger   *zap.Logger
}

// NewService creates the analysis service. defaults supplies alpha, beta, the number of
// permutations, seed, workers, variance convention, the funnel vocabulary and the
// default breakdown, steps and filters.
func NewService(source ports.ProgressSource, results *cache.ResultCache, defaults experiment.Settings, logger *zap.Logger) *Service {
	return &Service{
		source:   source,
		cache:    results,
		defaults: defaults,
		logger:   logging.OrNop(logger),
	}
}

// Settings resolves a query against the service defaults. The breakdown dimensions
// available are the dimensions of the progress table.
func (s *Service) Settings(table *experiment.ProgressTable, q Query) (experiment.Settings, error) {
	settings := s.defaults
	if q.Breakdown != nil {
		settings.Breakdown = q.Breakdown
	}
	if q.Steps != nil {
		settings.Steps = q.Steps
	}
	if q.Filters != nil {
		settings.Filters = q.Filters
	}
	if q.Alpha != 0 {
		settings.Alpha = q.Alpha
	}
	if q.Beta != 0 {
		settings.Beta = q.Beta
	}
	if q.NPermutations != 0 {
		settings.NPermutations = q.NPermutations
	}
	if q.Seed != 0 {
		settings.Seed = q.Seed
	}
	settings.Categories = table.Dimensions()
	return experiment.NewSettings(settings)
}

func (s *Service) load(ctx context.Context, q Query) (*experiment.ProgressTable, experiment.Settings, error) {
	table, err := s.source.LoadProgress(ctx)
	if err != nil {
		return nil, experiment.Settings{}, errors.Wrap(err, "failed to load progress table")
	}
	settings, err := s.Settings(table, q)
	if err != nil {
		return nil, experiment.Settings{}, err
	}
	return table, settings, nil
}

// RunABTest compares the observed groups: the table is filtered, aggregated by
// breakdown and step, and each row is tested.
func (s *Service) RunABTest(ctx context.Context, q Query) (*ABTestResult, error) {
	table, settings, err := s.load(ctx, q)
	if err != nil {
		return nil, err
	}
	filtered, err := table.Filter(settings.Filters)
	if err != nil {
		return nil, err
	}
	pivot, err := aggregation.Aggregate(filtered, settings.Breakdown, settings.Steps)
	if err != nil {
		return nil, err
	}
	records := ttest.ComputeTable(pivot, settings.Alpha, settings.Variance)

	significant := 0
	for _, r := range records {
		if r.Significant {
			significant++
		}
	}
	s.logger.Info("a/b test computed",
		zap.Int("units", filtered.Len()),
		zap.Int("rows", len(records)),
		zap.Int("significant", significant))
	return &ABTestResult{Settings: settings, Records: records}, nil
}

// RunPowerAnalysis returns the permutation run for the query, from the cache when a
// valid one is stored, and its power summary. An interrupted run still yields the
// summary of the iterations completed, alongside the INTERRUPTED error.
func (s *Service) RunPowerAnalysis(ctx context.Context, q Query) (*PowerResult, error) {
	table, settings, err := s.load(ctx, q)
	if err != nil {
		return nil, err
	}
	run, err := s.cache.LoadOrCompute(ctx, settings, table)
	if err != nil && !errors.HasCode(err, errors.CodeInterrupted) {
		return nil, err
	}
	result := &PowerResult{
		Settings: settings,
		Run:      run,
		Summary:  power.Summarize(run, settings.Beta),
	}
	return result, err
}

// Describe returns the descriptive statistics of the permutation run of the query.
func (s *Service) Describe(ctx context.Context, q Query) (experiment.Description, error) {
	result, err := s.RunPowerAnalysis(ctx, q)
	if result == nil {
		return experiment.Description{}, err
	}
	return power.Describe(result.Run), err
}

// Curve returns the power curves of the permutation run of the query.
func (s *Service) Curve(ctx context.Context, q Query, points int) ([]experiment.PowerCurve, error) {
	result, err := s.RunPowerAnalysis(ctx, q)
	if result == nil {
		return nil, err
	}
	return power.Curve(result.Run, result.Settings.Alpha, points), err
}

// Report gathers the observed test, power summary and run description of the query.
func (s *Service) Report(ctx context.Context, q Query) (report.Report, error) {
	observed, err := s.RunABTest(ctx, q)
	if err != nil {
		return report.Report{}, err
	}
	result, err := s.RunPowerAnalysis(ctx, q)
	if err != nil {
		return report.Report{}, err
	}
	description := power.Describe(result.Run)
	return report.Report{
		Title:       "A/B test report",
		GeneratedAt: time.Now().UTC(),
		Settings:    result.Settings,
		Observed:    observed.Records,
		Power:       &result.Summary,
		Description: &description,
		RunID:       result.Run.ID,
		Iterations:  result.Run.Iterations,
	}, nil
}

// Sheets lays out the results of the query as exportable tables.
func (s *Service) Sheets(ctx context.Context, q Query) ([]excel.Sheet, error) {
	r, err := s.Report(ctx, q)
	if err != nil {
		return nil, err
	}
	return []excel.Sheet{
		excel.ObservedSheet(r.Observed),
		excel.PowerSheet(*r.Power),
		excel.DescriptionSheet(*r.Description),
	}, nil
}

// Export writes the results of the query to path: a workbook with one sheet per table
// for .xlsx, the rendered report for .html and .md.
func (s *Service) Export(ctx context.Context, q Query, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		sheets, err := s.Sheets(ctx, q)
		if err != nil {
			return err
		}
		if err := excel.WriteXLSX(path, sheets...); err != nil {
			return errors.Wrap(err, "failed to export results")
		}
	case ".html", ".md":
		r, err := s.Report(ctx, q)
		if err != nil {
			return err
		}
		if err := writeReport(path, r); err != nil {
			return errors.Wrap(err, "failed to export report")
		}
	default:
		return errors.InvalidInput("export path must end in .xlsx, .html or .md: " + path)
	}
	s.logger.Info("results exported", zap.String("path", path))
	return nil
}
