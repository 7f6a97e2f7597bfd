package main

import (
	"context"
	"log"
	"os"
	"time"

	"funnelpower/adapters/filestore"
	"funnelpower/adapters/sqldb"
	"funnelpower/internal/errors"
	"funnelpower/internal/migration"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type migrateOptions struct {
	driver     string
	url        string
	importPath string
	name       string
	timeout    time.Duration
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

// newRootCmd applies the database schema and, optionally, imports a permutation run
// cached on disk into the permutation_runs table.
func newRootCmd() *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the funnelpower database schema",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runMigrate(ctx, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.driver, "driver", envOr("DATABASE_DRIVER", sqldb.DriverPostgres), "Database driver: postgres or sqlite")
	flags.StringVar(&opts.url, "url", os.Getenv("DATABASE_URL"), "Database URL")
	flags.StringVar(&opts.importPath, "import", "", "Permutation run file to import (e.g. data/permutations.json)")
	flags.StringVar(&opts.name, "name", "default", "Name the imported run is stored under")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Overall timeout")
	return cmd
}

func runMigrate(ctx context.Context, opts *migrateOptions) error {
	db, err := sqldb.Open(ctx, opts.driver, opts.url)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer db.Close()

	runner := migration.NewRunner()
	if err := runner.Run(ctx, db); err != nil {
		return errors.Wrap(err, "migration failed")
	}
	log.Printf("Schema at version %s", runner.Version())

	if opts.importPath == "" {
		return nil
	}
	run, err := filestore.NewRunStore(opts.importPath).Load(ctx)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return errors.Wrap(err, "nothing to import")
		}
		return errors.Wrapf(err, "failed to read %s", opts.importPath)
	}
	if err := sqldb.NewRunStore(db, opts.name).Save(ctx, run); err != nil {
		return errors.Wrap(err, "failed to import run")
	}
	log.Printf("Imported run %s (%d iterations, %d records) as %q", run.ID, run.Iterations, len(run.Records), opts.name)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
