package excel

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// DefaultSheet is the worksheet progress tables are read from.
const DefaultSheet = "Sheet1"

// Column names recognized for the unit id and the group label, in priority order.
var (
	unitColumns  = []string{"unit_id", "user_id", "user_domain_id", "id"}
	groupColumns = []string{"variant", "group", "assignment"}
)

// SheetRow is one data row keyed by header.
type SheetRow map[string]string

// SheetData is the header and rows of the progress sheet.
type SheetData struct {
	Headers []string
	Rows    []SheetRow
}

// DataReader reads user-progress tables from Excel or CSV files. The file needs a
// unit id column, a group column and one reach_<step> column per funnel step; every
// other column is a breakdown dimension.
type DataReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	steps    []string
	logger   *zap.Logger
}

// NewDataReader creates a new data reader that handles both Excel and CSV files. When
// steps is empty the funnel order is the order of the reach columns in the header.
func NewDataReader(filePath string, steps []string, logger *zap.Logger) *DataReader {
	ext := strings.ToLower(filepath.Ext(filePath))
	fileType := "xlsx"
	if ext == ".csv" {
		fileType = "csv"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataReader{filePath: filePath, fileType: fileType, steps: steps, logger: logger}
}

// LoadProgress implements ports.ProgressSource
func (r *DataReader) LoadProgress(ctx context.Context) (*experiment.ProgressTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := r.ReadData()
	if err != nil {
		return nil, err
	}
	return r.ToProgressTable(data)
}

// ReadData reads data from Excel or CSV files into SheetData
func (r *DataReader) ReadData() (*SheetData, error) {
	r.logger.Debug("reading progress file", zap.String("type", r.fileType), zap.String("path", r.filePath))

	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, errors.NotFound(fmt.Sprintf("%s file %s", strings.ToUpper(r.fileType), r.filePath))
	}

	switch r.fileType {
	case "csv":
		return r.readCSVData()
	case "xlsx":
		return r.readExcelData()
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unsupported file type: %s", r.fileType))
	}
}

// readExcelData reads Excel data from Sheet1 into SheetData
func (r *DataReader) readExcelData() (*SheetData, error) {
	startTime := time.Now()
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(DefaultSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", DefaultSheet, err)
	}
	r.logger.Info("excel progress file read",
		zap.String("path", r.filePath),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(startTime)))

	if len(rows) < 2 {
		return nil, errors.SchemaError("Excel file must have at least a header row and one data row")
	}
	return r.processRows(rows), nil
}

// readCSVData reads CSV data into SheetData
func (r *DataReader) readCSVData() (*SheetData, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	readStart := time.Now()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.WithCode(errors.CodeSchemaError, fmt.Errorf("failed to read CSV file: %w", err))
	}
	r.logger.Info("csv progress file read",
		zap.String("path", r.filePath),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(readStart)))

	if len(rows) < 2 {
		return nil, errors.SchemaError("CSV file must have at least a header row and one data row")
	}
	return r.processRows(rows), nil
}

// processRows converts raw string rows into SheetData
func (r *DataReader) processRows(rows [][]string) *SheetData {
	headerRow := rows[0]
	headers := make([]string, len(headerRow))
	for i, header := range headerRow {
		headers[i] = strings.TrimSpace(header)
	}

	dataRows := make([]SheetRow, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rowData := make(SheetRow, len(headers))
		for j, cell := range row {
			if j < len(headers) {
				rowData[headers[j]] = strings.TrimSpace(cell)
			}
		}
		dataRows = append(dataRows, rowData)
	}
	return &SheetData{Headers: headers, Rows: dataRows}
}

// ToProgressTable interprets the raw rows as a user-progress table
func (r *DataReader) ToProgressTable(data *SheetData) (*experiment.ProgressTable, error) {
	layout, err := detectLayout(data.Headers, r.steps)
	if err != nil {
		return nil, err
	}

	rows := make([]experiment.UserProgressRow, len(data.Rows))
	for i, raw := range data.Rows {
		group, ok := experiment.ParseAssignment(raw[layout.group])
		if !ok {
			return nil, errors.SchemaError(fmt.Sprintf("row %d: unknown group label %q", i+2, raw[layout.group]))
		}
		row := experiment.UserProgressRow{
			UnitID:     raw[layout.unit],
			Group:      group,
			Dimensions: make(map[string]string, len(layout.dimensions)),
			Reached:    make(map[string]bool, len(layout.steps)),
		}
		for _, dim := range layout.dimensions {
			row.Dimensions[dim] = raw[dim]
		}
		for _, step := range layout.steps {
			reached, err := parseFlag(raw[experiment.ReachColumn(step)])
			if err != nil {
				return nil, errors.SchemaError(fmt.Sprintf("row %d, %s: %v", i+2, experiment.ReachColumn(step), err))
			}
			row.Reached[step] = reached
		}
		rows[i] = row
	}
	return experiment.NewProgressTable(rows, layout.steps)
}

type layout struct {
	unit       string
	group      string
	steps      []string
	dimensions []string
}

func detectLayout(headers []string, steps []string) (layout, error) {
	var l layout
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[strings.ToLower(h)] = true
	}
	if l.unit = firstHeader(headers, unitColumns); l.unit == "" {
		return l, errors.SchemaError(fmt.Sprintf("no unit id column (one of %v)", unitColumns))
	}
	if l.group = firstHeader(headers, groupColumns); l.group == "" {
		return l, errors.SchemaError(fmt.Sprintf("no group column (one of %v)", groupColumns))
	}

	var headerSteps []string
	for _, h := range headers {
		switch {
		case h == l.unit || h == l.group:
		case strings.HasPrefix(h, "reach_"):
			headerSteps = append(headerSteps, strings.TrimPrefix(h, "reach_"))
		default:
			l.dimensions = append(l.dimensions, h)
		}
	}

	if len(steps) == 0 {
		l.steps = headerSteps
	} else {
		for _, step := range steps {
			if !present[strings.ToLower(experiment.ReachColumn(step))] {
				return l, errors.SchemaError(fmt.Sprintf("missing column %s", experiment.ReachColumn(step)))
			}
		}
		l.steps = steps
	}
	if len(l.steps) == 0 {
		return l, errors.SchemaError("no reach_<step> columns")
	}
	return l, nil
}

func firstHeader(headers, candidates []string) string {
	for _, c := range candidates {
		for _, h := range headers {
			if strings.EqualFold(h, c) {
				return h
			}
		}
	}
	return ""
}

func parseFlag(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	switch strings.ToLower(s) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, fmt.Errorf("not a reached flag: %q", s)
	}
	return n != 0, nil
}
