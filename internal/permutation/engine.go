package permutation

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/aggregation"
	"funnelpower/internal/errors"
	"funnelpower/internal/logging"
	"funnelpower/internal/metrics"
	"funnelpower/internal/ttest"
	"funnelpower/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc receives the number of finished iterations after each one completes.
// Calls are serialized.
type ProgressFunc func(done, total int)

// Engine builds the empirical null distribution of the two-sample test by randomly
// re-assigning group labels and re-running aggregation and test on every iteration.
type Engine struct {
	rng      ports.RNGPort
	logger   *zap.Logger
	metrics  *metrics.Metrics
	progress ProgressFunc
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithMetrics reports iteration and run counts to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProgress registers a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// NewEngine creates a permutation engine drawing its random streams from rng
func NewEngine(rng ports.RNGPort, opts ...Option) *Engine {
	e := &Engine{
		rng:    rng,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs settings.NPermutations label permutations of the table after applying
// settings.Filters. Every iteration contributes exactly one record per (segment, step)
// row, tagged with its 1-based iteration index.
//
// A zero settings.Seed draws a time-based seed; the seed actually used is recorded in
// the returned run's settings so the run can be reproduced.
//
// When ctx is cancelled the completed iterations are returned in a run marked
// incomplete, together with an INTERRUPTED error. An iteration failure fails the run.
func (e *Engine) Run(ctx context.Context, table *experiment.ProgressTable, settings experiment.Settings) (experiment.PermutationRun, error) {
	if err := settings.Validate(); err != nil {
		return experiment.PermutationRun{}, err
	}
	filtered, err := table.Filter(settings.Filters)
	if err != nil {
		return experiment.PermutationRun{}, err
	}
	view, err := aggregation.Compile(filtered, settings.Breakdown, settings.Steps)
	if err != nil {
		return experiment.PermutationRun{}, err
	}

	if settings.Seed == 0 {
		settings.Seed = e.now().UnixNano()
	}
	n := settings.NPermutations
	seeds, err := e.splitSeeds(ctx, settings.Seed, n)
	if err != nil {
		return experiment.PermutationRun{}, errors.Wrap(err, "failed to split permutation seeds")
	}

	workers := settings.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	start := e.now()
	e.logger.Info("permutation run started",
		zap.Int("iterations", n),
		zap.Int("units", filtered.Len()),
		zap.Int("rows_per_iteration", view.RowsPerTable()),
		zap.Strings("breakdown", view.Breakdown()),
		zap.Strings("steps", view.Steps()),
		zap.Int("workers", workers),
		zap.Int64("seed", settings.Seed))

	results := make([][]experiment.PermutationRecord, n)
	tracker := newTracker(n, e.progress, e.logger, e.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
dispatch:
	for i := 0; i < n; i++ {
		select {
		case <-gctx.Done():
			break dispatch
		default:
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			records, err := e.iterate(gctx, view, filtered.Len(), i+1, seeds[i], settings)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i+1, err)
			}
			results[i] = records
			tracker.done()
			return nil
		})
	}
	runErr := g.Wait()

	run := experiment.PermutationRun{
		ID:        uuid.NewString(),
		Settings:  settings,
		CreatedAt: e.now().UTC(),
	}
	for _, records := range results {
		if records == nil {
			continue
		}
		run.Iterations++
		run.Records = append(run.Records, records...)
	}
	elapsed := e.now().Sub(start)

	switch {
	case ctx.Err() != nil && run.Iterations < n:
		e.logger.Warn("permutation run interrupted",
			zap.Int("completed", run.Iterations),
			zap.Int("iterations", n),
			zap.Duration("elapsed", elapsed))
		e.observe("interrupted", elapsed)
		return run, errors.Interrupted(ctx.Err())
	case runErr != nil:
		e.logger.Error("permutation run failed", zap.Error(runErr))
		e.observe("failed", elapsed)
		return experiment.PermutationRun{}, errors.Wrap(runErr, "permutation run failed")
	}

	run.Complete = true
	e.logger.Info("permutation run finished",
		zap.String("run_id", run.ID),
		zap.Int("records", len(run.Records)),
		zap.Duration("elapsed", elapsed))
	e.observe("complete", elapsed)
	return run, nil
}

// iterate draws one label vector and tests the relabelled table.
func (e *Engine) iterate(ctx context.Context, view *aggregation.View, units, iteration int, seed int64, settings experiment.Settings) ([]experiment.PermutationRecord, error) {
	rng, err := e.rng.SeededStream(ctx, "permutation", seed)
	if err != nil {
		return nil, err
	}
	labels := make([]experiment.Assignment, units)
	for j := range labels {
		labels[j] = experiment.Assignment(rng.Intn(2))
	}

	pivot, err := view.Aggregate(labels)
	if err != nil {
		return nil, err
	}
	tests := ttest.ComputeTable(pivot, settings.Alpha, settings.Variance)
	if len(tests) != view.RowsPerTable() {
		return nil, errors.InternalError(fmt.Sprintf("expected %d rows, aggregated %d", view.RowsPerTable(), len(tests)))
	}

	records := make([]experiment.PermutationRecord, len(tests))
	for k, rec := range tests {
		records[k] = experiment.PermutationRecord{Iteration: iteration, TTestRecord: rec}
	}
	return records, nil
}

// splitSeeds draws one seed per iteration from the base seed before any work is
// dispatched, so iteration i always sees the same stream regardless of scheduling.
func (e *Engine) splitSeeds(ctx context.Context, base int64, n int) ([]int64, error) {
	gen, err := e.rng.SeededStream(ctx, "permutation-seeds", base)
	if err != nil {
		return nil, err
	}
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = gen.Int63()
	}
	return seeds, nil
}

func (e *Engine) observe(status string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RunsTotal.WithLabelValues(status).Inc()
	e.metrics.RunDuration.Observe(elapsed.Seconds())
}

// tracker serializes progress reporting across workers.
type tracker struct {
	mu       sync.Mutex
	finished int
	total    int
	every    int
	callback ProgressFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func newTracker(total int, callback ProgressFunc, logger *zap.Logger, m *metrics.Metrics) *tracker {
	every := total / 10
	if every < 1 {
		every = 1
	}
	return &tracker{total: total, every: every, callback: callback, logger: logger, metrics: m}
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finished++
	if t.metrics != nil {
		t.metrics.PermutationsTotal.Inc()
	}
	if t.callback != nil {
		t.callback(t.finished, t.total)
	}
	if t.finished%t.every == 0 || t.finished == t.total {
		t.logger.Debug("permutation progress",
			zap.Int("done", t.finished),
			zap.Int("total", t.total),
			zap.Float64("percent", 100*float64(t.finished)/float64(t.total)))
	}
}
