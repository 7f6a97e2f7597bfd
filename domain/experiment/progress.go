package experiment

import (
	"fmt"
	"slices"
	"sort"

	"funnelpower/internal/errors"
)

// UserProgressRow is one unit of analysis with its group, breakdown values and the funnel
// steps it reached.
type UserProgressRow struct {
	UnitID     string
	Group      Assignment
	Dimensions map[string]string
	Reached    map[string]bool
}

// ProgressTable is a column-oriented, read-only user-progress table. Columns returned by
// its accessors are shared and must not be modified.
type ProgressTable struct {
	unitIDs    []string
	labels     []Assignment
	dimNames   []string
	dimensions map[string][]string
	steps      []string
	reached    map[string][]bool
}

// NewProgressTable builds a table from rows. steps fixes the funnel order of the step
// columns; a step missing from a row's Reached map counts as not reached. Every dimension
// seen on any row becomes a column, with "" where a row has no value.
func NewProgressTable(rows []UserProgressRow, steps []string) (*ProgressTable, error) {
	if len(steps) == 0 {
		return nil, errors.SchemaError("progress table needs at least one funnel step")
	}
	if dup := firstDuplicate(steps); dup != "" {
		return nil, errors.SchemaError(fmt.Sprintf("funnel step %q listed twice", dup))
	}

	dimSet := make(map[string]bool)
	for _, row := range rows {
		for name := range row.Dimensions {
			dimSet[name] = true
		}
	}
	dimNames := make([]string, 0, len(dimSet))
	for name := range dimSet {
		dimNames = append(dimNames, name)
	}
	sort.Strings(dimNames)

	t := &ProgressTable{
		unitIDs:    make([]string, len(rows)),
		labels:     make([]Assignment, len(rows)),
		dimNames:   dimNames,
		dimensions: make(map[string][]string, len(dimNames)),
		steps:      slices.Clone(steps),
		reached:    make(map[string][]bool, len(steps)),
	}
	for _, name := range dimNames {
		t.dimensions[name] = make([]string, len(rows))
	}
	for _, step := range steps {
		t.reached[step] = make([]bool, len(rows))
	}

	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		if row.UnitID == "" {
			return nil, errors.SchemaError(fmt.Sprintf("row %d has an empty unit id", i))
		}
		if seen[row.UnitID] {
			return nil, errors.SchemaError(fmt.Sprintf("unit %q appears more than once", row.UnitID))
		}
		seen[row.UnitID] = true
		if row.Group != Control && row.Group != Treatment {
			return nil, errors.SchemaError(fmt.Sprintf("unit %q has unknown group %v", row.UnitID, row.Group))
		}

		t.unitIDs[i] = row.UnitID
		t.labels[i] = row.Group
		for name, value := range row.Dimensions {
			t.dimensions[name][i] = value
		}
		for _, step := range steps {
			t.reached[step][i] = row.Reached[step]
		}
	}
	return t, nil
}

// Len returns the number of units.
func (t *ProgressTable) Len() int {
	return len(t.unitIDs)
}

// UnitIDs returns the unit id column.
func (t *ProgressTable) UnitIDs() []string {
	return t.unitIDs
}

// Labels returns a copy of the observed group labels.
func (t *ProgressTable) Labels() []Assignment {
	return slices.Clone(t.labels)
}

// Steps returns the step columns in funnel order.
func (t *ProgressTable) Steps() []string {
	return t.steps
}

// Dimensions returns the sorted breakdown dimension names.
func (t *ProgressTable) Dimensions() []string {
	return t.dimNames
}

// HasDimension reports whether the table carries the named dimension.
func (t *ProgressTable) HasDimension(name string) bool {
	_, ok := t.dimensions[name]
	return ok
}

// Dimension returns the value column of a dimension.
func (t *ProgressTable) Dimension(name string) ([]string, bool) {
	col, ok := t.dimensions[name]
	return col, ok
}

// Reached returns the reached column of a step.
func (t *ProgressTable) Reached(step string) ([]bool, bool) {
	col, ok := t.reached[step]
	return col, ok
}

// Row materializes row i.
func (t *ProgressTable) Row(i int) UserProgressRow {
	row := UserProgressRow{
		UnitID:     t.unitIDs[i],
		Group:      t.labels[i],
		Dimensions: make(map[string]string, len(t.dimNames)),
		Reached:    make(map[string]bool, len(t.steps)),
	}
	for _, name := range t.dimNames {
		row.Dimensions[name] = t.dimensions[name][i]
	}
	for _, step := range t.steps {
		row.Reached[step] = t.reached[step][i]
	}
	return row
}

// Rows materializes the whole table.
func (t *ProgressTable) Rows() []UserProgressRow {
	rows := make([]UserProgressRow, t.Len())
	for i := range rows {
		rows[i] = t.Row(i)
	}
	return rows
}

// Filter keeps the units whose value of every filtered dimension is in the allowed set.
// Filtering on a dimension the table does not carry is a schema error.
func (t *ProgressTable) Filter(filters map[string][]string) (*ProgressTable, error) {
	if len(filters) == 0 {
		return t, nil
	}
	allowed := make(map[string]map[string]bool, len(filters))
	for name, values := range filters {
		if !t.HasDimension(name) {
			return nil, errors.SchemaError(fmt.Sprintf("filter dimension %q is not a column of the progress table", name))
		}
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		allowed[name] = set
	}

	var keep []int
	for i := range t.unitIDs {
		ok := true
		for name, set := range allowed {
			if !set[t.dimensions[name][i]] {
				ok = false
				break
			}
		}
		if ok {
			keep = append(keep, i)
		}
	}

	out := &ProgressTable{
		unitIDs:    make([]string, len(keep)),
		labels:     make([]Assignment, len(keep)),
		dimNames:   t.dimNames,
		dimensions: make(map[string][]string, len(t.dimNames)),
		steps:      t.steps,
		reached:    make(map[string][]bool, len(t.steps)),
	}
	for _, name := range t.dimNames {
		out.dimensions[name] = make([]string, len(keep))
	}
	for _, step := range t.steps {
		out.reached[step] = make([]bool, len(keep))
	}
	for j, i := range keep {
		out.unitIDs[j] = t.unitIDs[i]
		out.labels[j] = t.labels[i]
		for _, name := range t.dimNames {
			out.dimensions[name][j] = t.dimensions[name][i]
		}
		for _, step := range t.steps {
			out.reached[step][j] = t.reached[step][i]
		}
	}
	return out, nil
}

func firstDuplicate(values []string) string {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			return v
		}
		seen[v] = true
	}
	return ""
}
