package experiment

import (
	"math"
	"testing"

	"funnelpower/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() []UserProgressRow {
	return []UserProgressRow{
		{UnitID: "u1", Group: Control, Dimensions: map[string]string{"region": "EU"}, Reached: map[string]bool{"home": true, "cart": true}},
		{UnitID: "u2", Group: Treatment, Dimensions: map[string]string{"region": "US"}, Reached: map[string]bool{"home": true}},
		{UnitID: "u3", Group: Treatment, Dimensions: map[string]string{"region": "EU", "device": "mobile"}},
	}
}

func TestNewProgressTable(t *testing.T) {
	table, err := NewProgressTable(sampleRows(), []string{"home", "cart"})
	require.NoError(t, err)

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []string{"device", "region"}, table.Dimensions())
	assert.Equal(t, []Assignment{Control, Treatment, Treatment}, table.Labels())

	device, ok := table.Dimension("device")
	require.True(t, ok)
	assert.Equal(t, []string{"", "", "mobile"}, device)

	cart, ok := table.Reached("cart")
	require.True(t, ok)
	assert.Equal(t, []bool{true, false, false}, cart)

	row := table.Row(0)
	assert.Equal(t, "u1", row.UnitID)
	assert.Equal(t, map[string]string{"device": "", "region": "EU"}, row.Dimensions)
	assert.Equal(t, map[string]bool{"home": true, "cart": true}, row.Reached)
}

func TestNewProgressTable_Errors(t *testing.T) {
	cases := map[string]struct {
		rows  []UserProgressRow
		steps []string
	}{
		"no steps":       {sampleRows(), nil},
		"duplicate step": {sampleRows(), []string{"home", "home"}},
		"empty unit id":  {[]UserProgressRow{{Group: Control}}, []string{"home"}},
		"duplicate unit": {[]UserProgressRow{{UnitID: "a"}, {UnitID: "a", Group: Treatment}}, []string{"home"}},
		"unknown group":  {[]UserProgressRow{{UnitID: "a", Group: Assignment(7)}}, []string{"home"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewProgressTable(tc.rows, tc.steps)
			assert.True(t, errors.HasCode(err, errors.CodeSchemaError))
		})
	}
}

func TestProgressTable_Filter(t *testing.T) {
	table, err := NewProgressTable(sampleRows(), []string{"home", "cart"})
	require.NoError(t, err)

	eu, err := table.Filter(map[string][]string{"region": {"EU"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, eu.UnitIDs())
	assert.Equal(t, 3, table.Len())

	none, err := table.Filter(map[string][]string{"region": {"APAC"}})
	require.NoError(t, err)
	assert.Equal(t, 0, none.Len())

	same, err := table.Filter(nil)
	require.NoError(t, err)
	assert.Same(t, table, same)

	_, err = table.Filter(map[string][]string{"country": {"FR"}})
	assert.True(t, errors.HasCode(err, errors.CodeSchemaError))
}

func TestParseAssignment(t *testing.T) {
	for label, want := range map[string]Assignment{"control": Control, " A ": Control, "Treatment": Treatment, "b": Treatment} {
		got, ok := ParseAssignment(label)
		assert.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}
	_, ok := ParseAssignment("holdout")
	assert.False(t, ok)
}

func TestSegment(t *testing.T) {
	all := AllSegment(2)
	assert.True(t, all.IsAll())
	assert.Equal(t, "All/All", all.String())
	assert.False(t, Segment{"All", "EU"}.IsAll())
	assert.False(t, Segment{}.IsAll())
	assert.Equal(t, "-", Segment{}.String())
}

func TestAggregationCellRate(t *testing.T) {
	assert.Equal(t, 0.25, AggregationCell{Numerator: 1, Denominator: 4}.Rate())
	assert.True(t, math.IsNaN(AggregationCell{}.Rate()))
}

func TestPermutationRun_GroupByKey(t *testing.T) {
	cart := RowKey{Step: "cart"}
	home := RowKey{Step: "home"}
	run := PermutationRun{Iterations: 2, Records: []PermutationRecord{
		{Iteration: 1, TTestRecord: TTestRecord{Key: home}},
		{Iteration: 1, TTestRecord: TTestRecord{Key: cart}},
		{Iteration: 2, TTestRecord: TTestRecord{Key: home}},
		{Iteration: 2, TTestRecord: TTestRecord{Key: cart}},
	}}
	keys, groups := run.GroupByKey()
	assert.Equal(t, []RowKey{home, cart}, keys)
	assert.Len(t, groups[cart.Key()], 2)
	assert.Equal(t, 2, run.RowsPerIteration())
}
