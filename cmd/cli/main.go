package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"funnelpower/app"
	"funnelpower/internal/config"
	"funnelpower/internal/container"
	"funnelpower/internal/logging"
	"funnelpower/internal/permutation"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// queryFlags are the analysis selection flags shared by every analysis command
type queryFlags struct {
	breakdown    []string
	steps        []string
	filters      []string
	permutations int
	seed         int64
	alpha        float64
	beta         float64
	jsonOutput   bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.breakdown, "breakdown", nil, "Breakdown dimensions, comma separated")
	cmd.Flags().StringSliceVar(&f.steps, "steps", nil, "Funnel steps to analyze (default: all)")
	cmd.Flags().StringArrayVar(&f.filters, "filter", nil, "Filter as dimension=value[,value...]; repeatable")
	cmd.Flags().IntVar(&f.permutations, "permutations", 0, "Number of permutations (default: N_PERMUTATIONS)")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "Random seed; 0 draws one from the clock")
	cmd.Flags().Float64Var(&f.alpha, "alpha", 0, "Significance level (default: ANALYSIS_ALPHA)")
	cmd.Flags().Float64Var(&f.beta, "beta", 0, "Type II error rate (default: ANALYSIS_BETA)")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Print JSON instead of a table")
}

func (f *queryFlags) query() (app.Query, error) {
	q := app.Query{
		Breakdown:     f.breakdown,
		Steps:         f.steps,
		NPermutations: f.permutations,
		Seed:          f.seed,
		Alpha:         f.alpha,
		Beta:          f.beta,
	}
	filters, err := parseFilters(f.filters)
	if err != nil {
		return app.Query{}, err
	}
	q.Filters = filters
	return q, nil
}

func parseFilters(values []string) (map[string][]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	filters := make(map[string][]string, len(values))
	for _, v := range values {
		name, list, ok := strings.Cut(v, "=")
		if !ok || name == "" || list == "" {
			return nil, fmt.Errorf("invalid filter %q, expected dimension=value[,value...]", v)
		}
		filters[name] = append(filters[name], strings.Split(list, ",")...)
	}
	return filters, nil
}

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "funnelpower",
		Short:         "Funnel A/B tests with permutation power analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newABTestCmd(),
		newPowerCmd(),
		newDescribeCmd(),
		newCurveCmd(),
		newExportCmd(),
		newSimulateCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the application container. withProgress
// prints permutation progress to stderr.
func setup(ctx context.Context, withProgress bool) (*container.Container, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		return nil, nil, err
	}

	var opts []container.Option
	if withProgress {
		opts = append(opts, container.WithProgress(progressPrinter()))
	}
	c, err := container.New(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close container", zap.Error(err))
		}
		logger.Sync()
	}
	return c, cleanup, nil
}

// progressPrinter rewrites one stderr line each whole percent
func progressPrinter() permutation.ProgressFunc {
	last := -1
	return func(done, total int) {
		pct := 100 * done / total
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(os.Stderr, "\rpermutations %d/%d (%d%%)", done, total, pct)
		if done == total {
			fmt.Fprintln(os.Stderr)
		}
	}
}
