package aggregation

import (
	"fmt"
	"slices"
	"strings"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
)

// CellKey addresses one aggregation cell.
type CellKey struct {
	Segment string
	Step    string
	Group   experiment.Assignment
}

// Cells is the keyed aggregation of a labelled progress table.
type Cells map[CellKey]experiment.AggregationCell

// View is a progress table compiled for repeated aggregation under different label
// vectors: segment membership and step columns are resolved once.
type View struct {
	breakdown  []string
	steps      []string
	segments   []experiment.Segment
	rowSegment []int
	reached    [][]bool
	n          int
}

// Compile resolves the breakdown dimensions and steps against the table. An empty steps
// list selects every step of the table. A breakdown column holding the reserved "All"
// value is a SCHEMA_ERROR, since it would collide with the overall segment.
func Compile(table *experiment.ProgressTable, breakdown, steps []string) (*View, error) {
	dims := slices.Clone(breakdown)
	slices.Sort(dims)
	dimCols := make([][]string, len(dims))
	for i, dim := range dims {
		col, ok := table.Dimension(dim)
		if !ok {
			return nil, errors.SchemaError(fmt.Sprintf("breakdown dimension %q is not a column of the progress table", dim))
		}
		if slices.Contains(col, experiment.AllValue) {
			return nil, errors.SchemaError(fmt.Sprintf("breakdown dimension %q uses the reserved value %q", dim, experiment.AllValue))
		}
		dimCols[i] = col
	}

	selected, err := resolveSteps(table, steps)
	if err != nil {
		return nil, err
	}

	v := &View{
		breakdown:  dims,
		steps:      selected,
		rowSegment: make([]int, table.Len()),
		reached:    make([][]bool, len(selected)),
		n:          table.Len(),
	}
	for j, step := range selected {
		v.reached[j], _ = table.Reached(step)
	}

	// Segment indices follow lexical order of the breakdown tuples.
	index := make(map[string]experiment.Segment)
	tuples := make([]string, table.Len())
	for i := 0; i < table.Len(); i++ {
		seg := make(experiment.Segment, len(dims))
		for d := range dims {
			seg[d] = dimCols[d][i]
		}
		key := seg.Key()
		tuples[i] = key
		if _, ok := index[key]; !ok {
			index[key] = seg
		}
	}
	if len(dims) == 0 {
		index[experiment.Segment(nil).Key()] = nil
	}
	for _, seg := range index {
		v.segments = append(v.segments, seg)
	}
	slices.SortFunc(v.segments, func(a, b experiment.Segment) int {
		return slices.Compare(a, b)
	})
	position := make(map[string]int, len(v.segments))
	for i, seg := range v.segments {
		position[seg.Key()] = i
	}
	for i, key := range tuples {
		v.rowSegment[i] = position[key]
	}
	return v, nil
}

// Breakdown returns the sorted breakdown dimensions of the view.
func (v *View) Breakdown() []string {
	return v.breakdown
}

// Steps returns the selected steps in funnel order.
func (v *View) Steps() []string {
	return v.steps
}

// RowsPerTable returns the number of pivot rows every aggregation of this view produces.
func (v *View) RowsPerTable() int {
	segments := len(v.segments)
	if len(v.breakdown) > 0 {
		segments++
	}
	return segments * len(v.steps)
}

// Cells counts, for every (segment, step, group), the units that reached the step and
// the units in the group. With a breakdown, the overall segment is included under the
// reserved "All" value.
func (v *View) Cells(labels []experiment.Assignment) (Cells, error) {
	if len(labels) != v.n {
		return nil, errors.SchemaError(fmt.Sprintf("label vector has %d entries for %d units", len(labels), v.n))
	}

	nSeg := len(v.segments)
	nSteps := len(v.steps)
	den := make([][2]int, nSeg)
	num := make([][2][]int, nSeg)
	for s := range num {
		num[s][0] = make([]int, nSteps)
		num[s][1] = make([]int, nSteps)
	}

	for i, label := range labels {
		if label != experiment.Control && label != experiment.Treatment {
			return nil, errors.SchemaError(fmt.Sprintf("unit %d has unknown group %v", i, label))
		}
		s := v.rowSegment[i]
		den[s][label]++
		counts := num[s][label]
		for j, col := range v.reached {
			if col[i] {
				counts[j]++
			}
		}
	}

	cells := make(Cells, (nSeg+1)*nSteps*2)
	var allDen [2]int
	allNum := [2][]int{make([]int, nSteps), make([]int, nSteps)}
	for s, seg := range v.segments {
		segKey := seg.Key()
		for _, g := range experiment.Assignments {
			allDen[g] += den[s][g]
			for j, step := range v.steps {
				allNum[g][j] += num[s][g][j]
				cells[CellKey{Segment: segKey, Step: step, Group: g}] = experiment.AggregationCell{
					Numerator:   num[s][g][j],
					Denominator: den[s][g],
				}
			}
		}
	}
	if len(v.breakdown) > 0 {
		allKey := experiment.AllSegment(len(v.breakdown)).Key()
		for _, g := range experiment.Assignments {
			for j, step := range v.steps {
				cells[CellKey{Segment: allKey, Step: step, Group: g}] = experiment.AggregationCell{
					Numerator:   allNum[g][j],
					Denominator: allDen[g],
				}
			}
		}
	}
	return cells, nil
}

// Aggregate counts the cells under the given labels and pivots them.
func (v *View) Aggregate(labels []experiment.Assignment) (experiment.PivotTable, error) {
	cells, err := v.Cells(labels)
	if err != nil {
		return experiment.PivotTable{}, err
	}
	return v.Pivot(cells), nil
}

// Pivot joins the Control and Treatment cells of every (segment, step) into one row.
// Cells missing from the map count as empty.
func (v *View) Pivot(cells Cells) experiment.PivotTable {
	segments := v.segments
	if len(v.breakdown) > 0 {
		segments = append(slices.Clone(segments), experiment.AllSegment(len(v.breakdown)))
	}

	control, treatment := split(cells)
	table := experiment.PivotTable{
		Breakdown: v.breakdown,
		Rows:      make([]experiment.PivotRow, 0, len(segments)*len(v.steps)),
	}
	for _, seg := range segments {
		segKey := seg.Key()
		for _, step := range v.steps {
			k := rowCell{segment: segKey, step: step}
			table.Rows = append(table.Rows, experiment.PivotRow{
				Key:       experiment.RowKey{Segment: seg, Step: step},
				Control:   experiment.NewGroupStats(control[k]),
				Treatment: experiment.NewGroupStats(treatment[k]),
			})
		}
	}
	return table
}

// Aggregate compiles the table and aggregates it under its observed labels.
func Aggregate(table *experiment.ProgressTable, breakdown, steps []string) (experiment.PivotTable, error) {
	view, err := Compile(table, breakdown, steps)
	if err != nil {
		return experiment.PivotTable{}, err
	}
	return view.Aggregate(table.Labels())
}

type rowCell struct {
	segment string
	step    string
}

func split(cells Cells) (map[rowCell]experiment.AggregationCell, map[rowCell]experiment.AggregationCell) {
	control := make(map[rowCell]experiment.AggregationCell, len(cells)/2)
	treatment := make(map[rowCell]experiment.AggregationCell, len(cells)/2)
	for k, cell := range cells {
		rc := rowCell{segment: k.Segment, step: k.Step}
		if k.Group == experiment.Treatment {
			treatment[rc] = cell
		} else {
			control[rc] = cell
		}
	}
	return control, treatment
}

// resolveSteps maps requested step names onto table columns in funnel order. A name may
// be given bare ("cart") or as its reach metric ("reach_cart").
func resolveSteps(table *experiment.ProgressTable, steps []string) ([]string, error) {
	if len(steps) == 0 {
		return slices.Clone(table.Steps()), nil
	}
	wanted := make(map[string]bool, len(steps))
	for _, name := range steps {
		step := name
		if _, ok := table.Reached(step); !ok {
			step = strings.TrimPrefix(name, "reach_")
			if _, ok := table.Reached(step); !ok {
				return nil, errors.SchemaError(fmt.Sprintf("step %q is not a reached-step column of the progress table", name))
			}
		}
		wanted[step] = true
	}
	var selected []string
	for _, step := range table.Steps() {
		if wanted[step] {
			selected = append(selected, step)
		}
	}
	return selected, nil
}
