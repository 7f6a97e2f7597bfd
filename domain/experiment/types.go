package experiment

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Assignment is one of the two experiment arms.
type Assignment uint8

const (
	Control Assignment = iota
	Treatment
)

// Assignments lists both arms in canonical order.
var Assignments = [2]Assignment{Control, Treatment}

func (a Assignment) String() string {
	switch a {
	case Control:
		return "Control"
	case Treatment:
		return "Treatment"
	default:
		return fmt.Sprintf("Assignment(%d)", uint8(a))
	}
}

// ParseAssignment accepts the group labels used in progress tables.
func ParseAssignment(label string) (Assignment, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "control", "a":
		return Control, true
	case "treatment", "b":
		return Treatment, true
	default:
		return 0, false
	}
}

// AllValue is the reserved breakdown value of the overall aggregate.
const AllValue = "All"

// Segment is a breakdown tuple; values are aligned with the sorted breakdown dimensions
// of the run that produced it. An empty Segment means no breakdown.
type Segment []string

// AllSegment returns the overall segment for n breakdown dimensions.
func AllSegment(n int) Segment {
	s := make(Segment, n)
	for i := range s {
		s[i] = AllValue
	}
	return s
}

// IsAll reports whether every value of the segment is the reserved overall value.
func (s Segment) IsAll() bool {
	if len(s) == 0 {
		return false
	}
	for _, v := range s {
		if v != AllValue {
			return false
		}
	}
	return true
}

// Key encodes the segment for use as a map key.
func (s Segment) Key() string {
	return strings.Join(s, "\x1f")
}

func (s Segment) String() string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, "/")
}

// RowKey identifies one (breakdown tuple, funnel step) row.
type RowKey struct {
	Segment Segment
	Step    string
}

// Key encodes the row key for use as a map key.
func (k RowKey) Key() string {
	return k.Segment.Key() + "\x1e" + k.Step
}

func (k RowKey) String() string {
	if len(k.Segment) == 0 {
		return k.Step
	}
	return k.Segment.String() + ":" + k.Step
}

// AggregationCell holds the counts of one (segment, step, group) cell.
// Invariant: Denominator >= Numerator >= 0.
type AggregationCell struct {
	Numerator   int
	Denominator int
}

// Rate is Numerator/Denominator, NaN when the cell is empty.
func (c AggregationCell) Rate() float64 {
	if c.Denominator == 0 {
		return math.NaN()
	}
	return float64(c.Numerator) / float64(c.Denominator)
}

// GroupStats is the per-group side of a pivot row.
type GroupStats struct {
	Numerator   int
	Denominator int
	Rate        float64
}

// NewGroupStats derives the rate from the cell counts.
func NewGroupStats(c AggregationCell) GroupStats {
	return GroupStats{Numerator: c.Numerator, Denominator: c.Denominator, Rate: c.Rate()}
}

// PivotRow places both groups of one row side by side.
type PivotRow struct {
	Key       RowKey
	Control   GroupStats
	Treatment GroupStats
}

// Group returns the stats of one arm.
func (r PivotRow) Group(a Assignment) GroupStats {
	if a == Treatment {
		return r.Treatment
	}
	return r.Control
}

// Swapped returns the row with the two arms exchanged.
func (r PivotRow) Swapped() PivotRow {
	return PivotRow{Key: r.Key, Control: r.Treatment, Treatment: r.Control}
}

// PivotTable is the ordered output of an aggregation: segments in lexical order with the
// overall segment last, steps in funnel order within each segment.
type PivotTable struct {
	Breakdown []string
	Rows      []PivotRow
}

// TTestRecord is the result of one two-sample test.
type TTestRecord struct {
	Key              RowKey
	Control          GroupStats
	Treatment        GroupStats
	Difference       float64
	Stdev            float64
	TScore           float64
	DegreesOfFreedom int
	PValue           float64
	MDE              float64
	Significant      bool
}

// PermutationRecord tags a test record with the iteration that produced it (1-based).
type PermutationRecord struct {
	Iteration int
	TTestRecord
}

// PermutationRun is the empirical distribution collected by the permutation engine.
type PermutationRun struct {
	ID         string
	Settings   Settings
	Iterations int
	Complete   bool
	Records    []PermutationRecord
	CreatedAt  time.Time
}

// RowsPerIteration returns the number of records each iteration contributes.
func (r PermutationRun) RowsPerIteration() int {
	if r.Iterations == 0 {
		return 0
	}
	return len(r.Records) / r.Iterations
}

// GroupByKey splits the records by row key, preserving first-seen key order.
func (r PermutationRun) GroupByKey() ([]RowKey, map[string][]PermutationRecord) {
	var keys []RowKey
	groups := make(map[string][]PermutationRecord)
	for _, rec := range r.Records {
		k := rec.Key.Key()
		if _, ok := groups[k]; !ok {
			keys = append(keys, rec.Key)
		}
		groups[k] = append(groups[k], rec)
	}
	return keys, groups
}
