package cache

import (
	"context"
	stderrors "errors"
	"fmt"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/logging"
	"funnelpower/internal/metrics"
	"funnelpower/ports"

	"go.uber.org/zap"
)

// Runner computes a fresh permutation run.
type Runner interface {
	Run(ctx context.Context, table *experiment.ProgressTable, settings experiment.Settings) (experiment.PermutationRun, error)
}

// ResultCache wraps a Runner with a persisted permutation run. A stored run is reused
// only when it was computed under the same configuration key and passes the record
// count check; anything else is discarded and recomputed.
type ResultCache struct {
	store   ports.RunStore
	runner  Runner
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewResultCache creates a result cache; logger and m may be nil
func NewResultCache(store ports.RunStore, runner Runner, logger *zap.Logger, m *metrics.Metrics) *ResultCache {
	return &ResultCache{store: store, runner: runner, logger: logging.OrNop(logger), metrics: m}
}

// LoadOrCompute returns the stored run when it is valid for settings, otherwise runs
// the permutation engine and persists the fresh run. Incomplete (interrupted) runs are
// returned with their error and never persisted.
func (c *ResultCache) LoadOrCompute(ctx context.Context, settings experiment.Settings, table *experiment.ProgressTable) (experiment.PermutationRun, error) {
	stored, err := c.store.Load(ctx)
	switch {
	case err == nil:
		if verr := Validate(stored, settings); verr != nil {
			c.invalidate(ctx, verr)
		} else {
			c.count("hit")
			c.logger.Info("using cached permutation run",
				zap.String("run_id", stored.ID),
				zap.Int("iterations", stored.Iterations),
				zap.Int("records", len(stored.Records)))
			return stored, nil
		}
	case errors.HasCode(err, errors.CodeNotFound):
		c.count("miss")
		c.logger.Info("no cached permutation run")
	case errors.HasCode(err, errors.CodeSchemaError):
		c.invalidate(ctx, err)
	default:
		return experiment.PermutationRun{}, errors.Wrap(err, "failed to load cached permutation run")
	}

	run, err := c.runner.Run(ctx, table, settings)
	if err != nil {
		return run, err
	}
	if err := c.store.Save(ctx, run); err != nil {
		return run, errors.Wrap(err, "failed to persist permutation run")
	}
	c.logger.Info("persisted permutation run", zap.String("run_id", run.ID))
	return run, nil
}

// Validate checks a stored run against the requested settings: equal configuration
// keys, a complete run, and a record count that is an exact multiple of the number of
// permutations.
func Validate(run experiment.PermutationRun, settings experiment.Settings) error {
	if diff := run.Settings.CacheKey().Diff(settings.CacheKey()); len(diff) > 0 {
		return &KeyMismatchError{Keys: diff, Stored: run.Settings.CacheKey(), Requested: settings.CacheKey()}
	}
	if !run.Complete {
		return errors.SchemaError(fmt.Sprintf("cached run %s is incomplete", run.ID))
	}
	n := settings.NPermutations
	if n <= 0 || len(run.Records)%n != 0 {
		return errors.SchemaError(fmt.Sprintf(
			"cached run has %d records, not a multiple of %d permutations", len(run.Records), n))
	}
	if run.Iterations != n {
		return errors.SchemaError(fmt.Sprintf("cached run has %d iterations, expected %d", run.Iterations, n))
	}
	return nil
}

// KeyMismatchError lists the configuration keys that differ between a stored run and
// the requested settings.
type KeyMismatchError struct {
	Keys      []string
	Stored    experiment.CacheKey
	Requested experiment.CacheKey
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("cached run configuration differs on %v", e.Keys)
}

func (c *ResultCache) invalidate(ctx context.Context, reason error) {
	var mismatch *KeyMismatchError
	if stderrors.As(reason, &mismatch) {
		c.count("stale")
		c.logger.Warn("cached permutation run does not match the configuration",
			zap.Strings("differing_keys", mismatch.Keys),
			zap.Stringer("stored", mismatch.Stored),
			zap.Stringer("requested", mismatch.Requested))
	} else {
		c.count("corrupt")
		c.logger.Warn("discarding invalid cached permutation run", zap.Error(reason))
	}
	if err := c.store.Delete(ctx); err != nil {
		c.logger.Error("failed to delete stale permutation run", zap.Error(err))
	}
}

func (c *ResultCache) count(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
