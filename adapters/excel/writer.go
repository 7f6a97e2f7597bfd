package excel

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"funnelpower/domain/experiment"

	"github.com/xuri/excelize/v2"
)

// Sheet is one exported table.
type Sheet struct {
	Name    string
	Headers []string
	Rows    [][]interface{}
}

// ProgressSheet lays out a progress table in the layout DataReader reads back.
func ProgressSheet(table *experiment.ProgressTable) Sheet {
	headers := []string{"unit_id", "variant"}
	headers = append(headers, table.Dimensions()...)
	for _, step := range table.Steps() {
		headers = append(headers, experiment.ReachColumn(step))
	}

	sheet := Sheet{Name: DefaultSheet, Headers: headers, Rows: make([][]interface{}, table.Len())}
	for i := 0; i < table.Len(); i++ {
		row := table.Row(i)
		cells := make([]interface{}, 0, len(headers))
		cells = append(cells, row.UnitID, row.Group.String())
		for _, dim := range table.Dimensions() {
			cells = append(cells, row.Dimensions[dim])
		}
		for _, step := range table.Steps() {
			cells = append(cells, row.Reached[step])
		}
		sheet.Rows[i] = cells
	}
	return sheet
}

// ObservedSheet lays out observed test records, one row per (segment, step).
func ObservedSheet(records []experiment.TTestRecord) Sheet {
	sheet := Sheet{
		Name: "Observed",
		Headers: []string{
			"segment", "step",
			"control_numerator", "control_denominator", "control_rate",
			"treatment_numerator", "treatment_denominator", "treatment_rate",
			"difference", "stdev", "t_score", "degrees_of_freedom", "p_value", "mde", "significant",
		},
	}
	for _, r := range records {
		sheet.Rows = append(sheet.Rows, []interface{}{
			r.Key.Segment.String(), r.Key.Step,
			r.Control.Numerator, r.Control.Denominator, cellFloat(r.Control.Rate),
			r.Treatment.Numerator, r.Treatment.Denominator, cellFloat(r.Treatment.Rate),
			cellFloat(r.Difference), cellFloat(r.Stdev), cellFloat(r.TScore), r.DegreesOfFreedom,
			cellFloat(r.PValue), cellFloat(r.MDE), r.Significant,
		})
	}
	return sheet
}

// PowerSheet lays out a power summary.
func PowerSheet(summary experiment.PowerSummary) Sheet {
	sheet := Sheet{
		Name:    "Power",
		Headers: []string{"segment", "step", "mean_mde", "quantile_difference", "reliably_detected_effect"},
	}
	for _, r := range summary.Rows {
		sheet.Rows = append(sheet.Rows, []interface{}{
			r.Key.Segment.String(), r.Key.Step,
			cellFloat(r.MeanMDE), cellFloat(r.QuantileDifference), cellFloat(r.ReliablyDetectedEffect),
		})
	}
	return sheet
}

// DescriptionSheet lays out the descriptive statistics of a run.
func DescriptionSheet(desc experiment.Description) Sheet {
	sheet := Sheet{
		Name: "Description",
		Headers: []string{
			"segment", "step", "false_positive_rate", "difference_std",
			"p_count", "p_mean", "p_std", "p_min", "p_25", "p_50", "p_75", "p_max",
			"uniformity_chi2", "uniformity_p_value",
		},
	}
	for _, r := range desc.Rows {
		p := r.PValue
		sheet.Rows = append(sheet.Rows, []interface{}{
			r.Key.Segment.String(), r.Key.Step, cellFloat(r.FalsePositiveRate), cellFloat(r.DifferenceStd),
			p.Count, cellFloat(p.Mean), cellFloat(p.Std), cellFloat(p.Min), cellFloat(p.Q25),
			cellFloat(p.Median), cellFloat(p.Q75), cellFloat(p.Max),
			cellFloat(r.UniformityChi2), cellFloat(r.UniformityPValue),
		})
	}
	return sheet
}

// WriteXLSX saves the sheets into one workbook, in order.
func WriteXLSX(path string, sheets ...Sheet) error {
	if len(sheets) == 0 {
		return fmt.Errorf("no sheets to write")
	}
	f := excelize.NewFile()
	defer f.Close()

	for i, sheet := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet.Name); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sheet.Name); err != nil {
			return err
		}

		for c, h := range sheet.Headers {
			cell, _ := excelize.CoordinatesToCellName(c+1, 1)
			if err := f.SetCellValue(sheet.Name, cell, h); err != nil {
				return err
			}
		}
		for r, row := range sheet.Rows {
			for c, v := range row {
				cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
				if err := f.SetCellValue(sheet.Name, cell, v); err != nil {
					return err
				}
			}
		}
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

// WriteCSV writes one sheet as CSV.
func WriteCSV(w io.Writer, sheet Sheet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(sheet.Headers); err != nil {
		return err
	}
	record := make([]string, len(sheet.Headers))
	for _, row := range sheet.Rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, cellString(v))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// cellFloat leaves undefined statistics as empty cells.
func cellFloat(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return v
}

func cellString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
