package container

import (
	"context"
	"fmt"

	"funnelpower/adapters/excel"
	"funnelpower/adapters/filestore"
	"funnelpower/adapters/rng"
	"funnelpower/adapters/sqldb"
	"funnelpower/app"
	"funnelpower/domain/experiment"
	"funnelpower/internal/cache"
	"funnelpower/internal/config"
	"funnelpower/internal/errors"
	"funnelpower/internal/logging"
	"funnelpower/internal/metrics"
	"funnelpower/internal/migration"
	"funnelpower/internal/permutation"
	"funnelpower/internal/query"
	"funnelpower/ports"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Funnel config.Funnel

	// Infrastructure
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	DB      *sqlx.DB

	// Data access
	Source ports.ProgressSource
	Store  ports.RunStore

	// Analysis
	Engine  *permutation.Engine
	Cache   *cache.ResultCache
	Service *app.Service
}

// Option customizes the container before its components are built
type Option func(*options)

type options struct {
	progress permutation.ProgressFunc
}

// WithProgress reports permutation progress to fn
func WithProgress(fn permutation.ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// New creates a new dependency injection container. A database is opened, and
// migrated, when the cache lives in SQL or when progress tables are derived from raw
// events (no PROGRESS_FILE).
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{
		Config:  cfg,
		Logger:  logging.OrNop(logger),
		Metrics: metrics.New(),
	}

	funnel, err := config.LoadFunnel(cfg.Data.FunnelFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load funnel definition")
	}
	c.Funnel = funnel

	if cfg.Cache.Backend == config.CacheBackendSQL || cfg.Data.ProgressFile == "" {
		if err := c.initDatabase(ctx); err != nil {
			return nil, err
		}
	}

	c.initSource()
	c.initStore()

	engineOpts := []permutation.Option{
		permutation.WithLogger(c.Logger),
		permutation.WithMetrics(c.Metrics),
	}
	if o.progress != nil {
		engineOpts = append(engineOpts, permutation.WithProgress(o.progress))
	}
	c.Engine = permutation.NewEngine(rng.NewMathRandAdapter(), engineOpts...)
	c.Cache = cache.NewResultCache(c.Store, c.Engine, c.Logger, c.Metrics)
	c.Service = app.NewService(c.Source, c.Cache, funnel.Defaults(cfg.Analysis), c.Logger)

	c.Logger.Info("container initialized",
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("database", c.DB != nil),
		zap.Strings("funnel", funnel.StepNames()))
	return c, nil
}

// initDatabase connects to the configured database and applies the schema
func (c *Container) initDatabase(ctx context.Context) error {
	if c.Config.Database.URL == "" {
		return errors.ConfigInvalid("either PROGRESS_FILE or DATABASE_URL is required")
	}
	db, err := sqldb.Open(ctx, c.Config.Database.Driver, c.Config.Database.URL)
	if err != nil {
		return err
	}
	if err := migration.NewRunner().Run(ctx, db); err != nil {
		db.Close()
		return errors.Wrap(err, "database migration failed")
	}
	c.DB = db
	return nil
}

// initSource reads progress from the configured file, or from the events table
func (c *Container) initSource() {
	if file := c.Config.Data.ProgressFile; file != "" {
		if c.Config.Data.FunnelFile == "" {
			c.Source = excel.NewDataReader(file, nil, c.Logger)
			return
		}
		c.Source = fileSource{
			reader: excel.NewDataReader(file, c.Funnel.StepNames(), c.Logger),
			spec:   c.Funnel.QuerySpec(),
		}
		return
	}
	c.Source = sqldb.NewProgressRepository(c.DB, c.Funnel.QuerySpec(), c.Logger)
}

// fileSource applies the funnel's filters to a progress file, as the database query
// does in SQL.
type fileSource struct {
	reader *excel.DataReader
	spec   query.Spec
}

func (s fileSource) LoadProgress(ctx context.Context) (*experiment.ProgressTable, error) {
	table, err := s.reader.LoadProgress(ctx)
	if err != nil {
		return nil, err
	}
	return s.spec.Apply(table)
}

func (c *Container) initStore() {
	if c.Config.Cache.Backend == config.CacheBackendSQL {
		c.Store = sqldb.NewRunStore(c.DB, "default")
		return
	}
	c.Store = filestore.NewRunStore(c.Config.Cache.Path)
}

// Close releases the database connection, if any
func (c *Container) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
