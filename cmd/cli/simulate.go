package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"funnelpower/adapters/excel"
	"funnelpower/internal/testkit"

	"github.com/spf13/cobra"
)

func newSimulateCmd() *cobra.Command {
	var (
		units int
		lift  float64
		share float64
		seed  int64
	)
	cmd := &cobra.Command{
		Use:   "simulate [path]",
		Short: "Generate a synthetic progress table",
		Long: `Generate a seeded user-progress table for the example checkout funnel, split by
region and utm_source, and write it as .csv or .xlsx. A zero lift gives an A/A test.

Example: funnelpower simulate data/progress.csv --units 10000 --lift 0.02`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := testkit.DefaultFunnelConfig()
			config.UnitCount = units
			config.TreatmentLift = lift
			config.TreatmentShare = share
			config.Seed = seed

			table, err := testkit.NewFunnelGenerator(config).Generate()
			if err != nil {
				return err
			}

			path := args[0]
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			sheet := excel.ProgressSheet(table)
			switch strings.ToLower(filepath.Ext(path)) {
			case ".xlsx":
				err = excel.WriteXLSX(path, sheet)
			case ".csv":
				err = writeCSVFile(path, sheet)
			default:
				return fmt.Errorf("simulate writes .csv or .xlsx, got %s", path)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d units written to %s\n", table.Len(), path)
			return nil
		},
	}
	cmd.Flags().IntVar(&units, "units", 10_000, "Number of units")
	cmd.Flags().Float64Var(&lift, "lift", 0, "Added to every step rate of the treatment group")
	cmd.Flags().Float64Var(&share, "treatment-share", 0.5, "Share of units assigned to treatment")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")
	return cmd
}

func writeCSVFile(path string, sheet excel.Sheet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := excel.WriteCSV(f, sheet); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
