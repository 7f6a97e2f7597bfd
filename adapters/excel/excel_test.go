package excel

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const progressCSV = `user_id,variant,region,reach_home,reach_cart
u1,control,EU,1,1
u2,Control,US,true,false
u3,treatment,EU,1,
u4,B,US,0,0
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDataReader_CSV(t *testing.T) {
	path := writeFile(t, "progress.csv", progressCSV)

	table, err := NewDataReader(path, nil, nil).LoadProgress(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, table.Len())
	assert.Equal(t, []string{"home", "cart"}, table.Steps())
	assert.Equal(t, []string{"region"}, table.Dimensions())
	assert.Equal(t, []experiment.Assignment{
		experiment.Control, experiment.Control, experiment.Treatment, experiment.Treatment,
	}, table.Labels())

	cart, _ := table.Reached("cart")
	assert.Equal(t, []bool{true, false, false, false}, cart)
}

func TestDataReader_ExplicitStepsMustExist(t *testing.T) {
	path := writeFile(t, "progress.csv", progressCSV)

	_, err := NewDataReader(path, []string{"home", "payment"}, nil).LoadProgress(context.Background())
	assert.True(t, errors.HasCode(err, errors.CodeSchemaError))
}

func TestDataReader_SchemaErrors(t *testing.T) {
	cases := map[string]string{
		"no group column": "user_id,region,reach_home\nu1,EU,1\n",
		"unknown label":   "user_id,variant,reach_home\nu1,holdout,1\n",
		"bad flag":        "user_id,variant,reach_home\nu1,control,maybe\n",
		"duplicate unit":  "user_id,variant,reach_home\nu1,control,1\nu1,treatment,0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "progress.csv", content)
			_, err := NewDataReader(path, nil, nil).LoadProgress(context.Background())
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeSchemaError), err.Error())
		})
	}
}

func TestDataReader_MissingFile(t *testing.T) {
	_, err := NewDataReader(filepath.Join(t.TempDir(), "nope.csv"), nil, nil).LoadProgress(context.Background())
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestXLSX_ProgressRoundTrip(t *testing.T) {
	config := testkit.DefaultFunnelConfig()
	config.UnitCount = 50
	table := testkit.MustGenerate(config)

	path := filepath.Join(t.TempDir(), "progress.xlsx")
	require.NoError(t, WriteXLSX(path, ProgressSheet(table)))

	back, err := NewDataReader(path, table.Steps(), nil).LoadProgress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, table.Rows(), back.Rows())
}

func TestWriteXLSX_ResultSheets(t *testing.T) {
	records := []experiment.TTestRecord{{
		Key:        experiment.RowKey{Segment: experiment.Segment{"EU"}, Step: "cart"},
		Control:    experiment.GroupStats{Numerator: 1, Denominator: 2, Rate: 0.5},
		Treatment:  experiment.GroupStats{Rate: math.NaN()},
		Difference: math.NaN(),
		PValue:     math.NaN(),
	}}
	summary := experiment.PowerSummary{Beta: 0.2, Rows: []experiment.PowerRow{{
		Key: experiment.RowKey{Step: "cart"}, MeanMDE: 0.1, QuantileDifference: 0.02, ReliablyDetectedEffect: 0.12,
	}}}

	path := filepath.Join(t.TempDir(), "results.xlsx")
	require.NoError(t, WriteXLSX(path, ObservedSheet(records), PowerSheet(summary)))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Observed", "Power"}, f.GetSheetList())

	rows, err := f.GetRows("Observed")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "EU", rows[1][0])
	assert.Equal(t, "0.5", rows[1][4])
}

func TestWriteCSV(t *testing.T) {
	summary := experiment.PowerSummary{Rows: []experiment.PowerRow{{
		Key: experiment.RowKey{Segment: experiment.Segment{"All"}, Step: "cart"}, MeanMDE: 0.25, QuantileDifference: math.NaN(),
	}}}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, PowerSheet(summary)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "segment,step,mean_mde,quantile_difference,reliably_detected_effect", lines[0])
	assert.Equal(t, "All,cart,0.25,,0", lines[1])
}
