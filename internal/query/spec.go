package query

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
)

// Default column names of the events table.
const (
	DefaultEventsTable   = "events"
	DefaultUnitColumn    = "user_domain_id"
	DefaultVariantColumn = "variant"
	DefaultStepColumn    = "page_url_path"
	DefaultTimeColumn    = "event_timestamp"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Step maps a funnel step to the value of the step column that marks it reached.
type Step struct {
	Name  string `yaml:"name" json:"name"`
	Match string `yaml:"match" json:"match"`
}

// Spec describes how a user-progress table is derived from raw events: one row per
// unit, its variant, one value per category and one reached flag per step. Category
// expressions are SQL taken from trusted configuration; everything the user selects
// (filter values, step matches, time window) is passed as a bound argument.
type Spec struct {
	EventsTable   string
	UnitColumn    string
	VariantColumn string
	StepColumn    string
	TimeColumn    string

	Steps []Step
	// Categories maps a category name to the SQL expression computing it per event.
	Categories map[string]string
	Breakdown  []string
	Filters    map[string][]string

	Since time.Time
	Until time.Time
}

func (s Spec) withDefaults() Spec {
	if s.EventsTable == "" {
		s.EventsTable = DefaultEventsTable
	}
	if s.UnitColumn == "" {
		s.UnitColumn = DefaultUnitColumn
	}
	if s.VariantColumn == "" {
		s.VariantColumn = DefaultVariantColumn
	}
	if s.StepColumn == "" {
		s.StepColumn = DefaultStepColumn
	}
	if s.TimeColumn == "" {
		s.TimeColumn = DefaultTimeColumn
	}
	return s
}

// StepNames returns the funnel steps in order.
func (s Spec) StepNames() []string {
	names := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		names[i] = st.Name
	}
	return names
}

// CategoryNames returns the sorted category names.
func (s Spec) CategoryNames() []string {
	return slices.Sorted(maps.Keys(s.Categories))
}

// Validate checks identifiers and that breakdown and filters only name known
// categories.
func (s Spec) Validate() error {
	s = s.withDefaults()
	for _, name := range []string{s.EventsTable, s.UnitColumn, s.VariantColumn, s.StepColumn, s.TimeColumn} {
		if !identifier.MatchString(name) {
			return errors.ValidationError(fmt.Sprintf("invalid identifier %q", name))
		}
	}
	if len(s.Steps) == 0 {
		return errors.ValidationError("query needs at least one funnel step")
	}
	for _, st := range s.Steps {
		if !identifier.MatchString(st.Name) {
			return errors.ValidationError(fmt.Sprintf("invalid step name %q", st.Name))
		}
	}
	for name, expr := range s.Categories {
		if !identifier.MatchString(name) {
			return errors.ValidationError(fmt.Sprintf("invalid category name %q", name))
		}
		if strings.TrimSpace(expr) == "" {
			return errors.ValidationError(fmt.Sprintf("category %q has no expression", name))
		}
	}
	for _, dim := range s.Breakdown {
		if _, ok := s.Categories[dim]; !ok {
			return errors.ValidationError(fmt.Sprintf("breakdown %q is not a known category", dim))
		}
	}
	for dim := range s.Filters {
		if _, ok := s.Categories[dim]; !ok {
			return errors.ValidationError(fmt.Sprintf("filter %q is not a known category", dim))
		}
	}
	if !s.Since.IsZero() && !s.Until.IsZero() && !s.Since.Before(s.Until) {
		return errors.ValidationError("time window is empty")
	}
	return nil
}

// Build renders the user-progress query with '?' placeholders; callers rebind them for
// their driver. Every category is selected so the resulting table can be filtered or
// broken down on any of them; a unit's category value is the minimum over its events.
// Filters apply to that per-unit value after grouping, so a unit is kept or dropped
// whole, exactly as Apply does in memory.
func (s Spec) Build() (string, []interface{}, error) {
	if err := s.Validate(); err != nil {
		return "", nil, err
	}
	s = s.withDefaults()
	categories := s.CategoryNames()
	var args []interface{}

	var inner []string
	inner = append(inner,
		fmt.Sprintf("%s AS unit_id", s.UnitColumn),
		fmt.Sprintf("%s AS variant", s.VariantColumn))
	for _, name := range categories {
		inner = append(inner, fmt.Sprintf("(%s) AS %s", strings.TrimSpace(s.Categories[name]), name))
	}
	for _, st := range s.Steps {
		inner = append(inner, fmt.Sprintf("CASE WHEN %s = ? THEN 1 ELSE 0 END AS %s", s.StepColumn, experiment.ReachColumn(st.Name)))
		args = append(args, st.Match)
	}

	var window []string
	if !s.Since.IsZero() {
		window = append(window, fmt.Sprintf("%s >= ?", s.TimeColumn))
		args = append(args, s.Since)
	}
	if !s.Until.IsZero() {
		window = append(window, fmt.Sprintf("%s < ?", s.TimeColumn))
		args = append(args, s.Until)
	}

	var b strings.Builder
	b.WriteString("WITH categorized AS (\n\tSELECT ")
	b.WriteString(strings.Join(inner, ",\n\t\t"))
	fmt.Fprintf(&b, "\n\tFROM %s", s.EventsTable)
	if len(window) > 0 {
		b.WriteString("\n\tWHERE ")
		b.WriteString(strings.Join(window, " AND "))
	}
	b.WriteString("\n)\nSELECT unit_id,\n\tMIN(variant) AS variant")
	for _, name := range categories {
		fmt.Fprintf(&b, ",\n\tMIN(%s) AS %s", name, name)
	}
	for _, st := range s.Steps {
		col := experiment.ReachColumn(st.Name)
		fmt.Fprintf(&b, ",\n\tMAX(%s) AS %s", col, col)
	}
	b.WriteString("\nFROM categorized")

	filterKeys := slices.Sorted(maps.Keys(s.Filters))
	var conds []string
	for _, dim := range filterKeys {
		values := s.Filters[dim]
		if len(values) == 0 {
			conds = append(conds, "1 = 0")
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		conds = append(conds, fmt.Sprintf("MIN(%s) IN (%s)", dim, placeholders))
		for _, v := range values {
			args = append(args, v)
		}
	}
	b.WriteString("\nGROUP BY unit_id")
	if len(conds) > 0 {
		b.WriteString("\nHAVING ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString("\nORDER BY unit_id")
	return b.String(), args, nil
}

// Apply runs the in-memory part of the query on an already materialized table: it
// checks the breakdown dimensions exist and applies the filters.
func (s Spec) Apply(table *experiment.ProgressTable) (*experiment.ProgressTable, error) {
	for _, dim := range s.Breakdown {
		if !table.HasDimension(dim) {
			return nil, errors.SchemaError(fmt.Sprintf("breakdown dimension %q is not a column of the progress table", dim))
		}
	}
	return table.Filter(s.Filters)
}
