package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/power"
	"funnelpower/internal/wire"

	"github.com/spf13/cobra"
)

func newABTestCmd() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "abtest",
		Short: "Compare the observed groups step by step",
		Long: `Aggregate the progress table by breakdown and funnel step and run a Welch t-test
on the conversion rates of the two groups.

Example: funnelpower abtest --breakdown region --steps cart,payment`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			c, cleanup, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := c.Service.RunABTest(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, wire.FromTTests(result.Records))
			}
			return printTTests(out, result.Records)
		},
	}
	flags.register(cmd)
	return cmd
}

func newPowerCmd() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Estimate the reliably detected effect by permutation",
		Long: `Shuffle the group labels N times, test every permutation and summarize, per row, the
mean minimum detectable effect plus the (1 - beta) quantile of the permutation
differences. Runs are cached and reused while the configuration is unchanged.

Example: funnelpower power --breakdown utm_source --permutations 10000 --seed 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			c, cleanup, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := c.Service.RunPowerAnalysis(cmd.Context(), q)
			if err != nil && !errors.HasCode(err, errors.CodeInterrupted) {
				return err
			}
			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(os.Stderr, "interrupted after %d of %d permutations; partial results:\n",
					result.Run.Iterations, result.Settings.NPermutations)
			}
			if flags.jsonOutput {
				if jerr := printJSON(out, wire.FromPowerSummary(result.Summary)); jerr != nil {
					return jerr
				}
				return err
			}
			fmt.Fprintf(out, "run %s: %d permutations, seed %d\n\n", result.Run.ID, result.Run.Iterations, result.Run.Settings.Seed)
			if perr := printPower(out, result.Summary); perr != nil {
				return perr
			}
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newDescribeCmd() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Describe the permutation distribution of each row",
		Long: `Report the false positive rate, the spread of the differences and the p-value
distribution of the permutation run, with a chi-square test of p-value uniformity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			c, cleanup, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			desc, err := c.Service.Describe(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, wire.FromDescription(desc))
			}
			return printDescription(out, desc)
		},
	}
	flags.register(cmd)
	return cmd
}

func newCurveCmd() *cobra.Command {
	var flags queryFlags
	var points int
	cmd := &cobra.Command{
		Use:   "curve",
		Short: "Print the empirical power curve of each row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			c, cleanup, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			curves, err := c.Service.Curve(cmd.Context(), q, points)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, wire.FromCurves(curves))
			}
			return printCurves(out, curves)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&points, "points", power.DefaultCurvePoints, "Points per curve")
	return cmd
}

func newExportCmd() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "export [path]",
		Short: "Write the results to a workbook or report",
		Long: `Write the observed test, power summary and run description to path. The extension
selects the format: .xlsx (one sheet per table), .html or .md (report).

Example: funnelpower export results.xlsx --breakdown region`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			c, cleanup, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.Service.Export(cmd.Context(), q, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "results written to %s\n", args[0])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTTests(w io.Writer, records []experiment.TTestRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tSTEP\tCONTROL\tTREATMENT\tDIFFERENCE\tP-VALUE\tMDE\tSIGNIFICANT")
	for _, r := range records {
		mark := ""
		if r.Significant {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s (%d/%d)\t%s (%d/%d)\t%s\t%s\t%s\t%s\n",
			r.Key.Segment, r.Key.Step,
			pct(r.Control.Rate), r.Control.Numerator, r.Control.Denominator,
			pct(r.Treatment.Rate), r.Treatment.Numerator, r.Treatment.Denominator,
			pct(r.Difference), num(r.PValue), pct(r.MDE), mark)
	}
	return tw.Flush()
}

func printPower(w io.Writer, summary experiment.PowerSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tSTEP\tMEAN MDE\tQUANTILE DIFFERENCE\tRELIABLY DETECTED EFFECT")
	for _, r := range summary.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Key.Segment, r.Key.Step, pct(r.MeanMDE), pct(r.QuantileDifference), pct(r.ReliablyDetectedEffect))
	}
	return tw.Flush()
}

func printDescription(w io.Writer, desc experiment.Description) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tSTEP\tFPR\tDIFF STD\tP MEAN\tP MEDIAN\tUNIFORMITY P")
	for _, r := range desc.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Key.Segment, r.Key.Step, pct(r.FalsePositiveRate), pct(r.DifferenceStd),
			num(r.PValue.Mean), num(r.PValue.Median), num(r.UniformityPValue))
	}
	return tw.Flush()
}

func printCurves(w io.Writer, curves []experiment.PowerCurve) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tSTEP\tEFFECT\tPOWER")
	for _, c := range curves {
		for _, p := range c.Points {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Key.Segment, c.Key.Step, pct(p.Effect), pct(p.Power))
		}
	}
	return tw.Flush()
}

func pct(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", 100*v)
}

func num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}
