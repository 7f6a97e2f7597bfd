package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/query"

	"gopkg.in/yaml.v3"
)

// Funnel is the YAML definition of an experiment: the funnel steps, how categories are
// computed from events, and which breakdown, filters and steps are analyzed.
type Funnel struct {
	Events     EventsConfig        `yaml:"events"`
	Steps      []query.Step        `yaml:"steps"`
	Categories map[string]string   `yaml:"categories"`
	Breakdown  []string            `yaml:"breakdown"`
	Filters    map[string][]string `yaml:"filters"`
	Analyzed   []string            `yaml:"analyzed_steps"`
	Since      *time.Time          `yaml:"since"`
	Until      *time.Time          `yaml:"until"`
}

// EventsConfig names the raw events table and its columns. Empty fields use the query
// package defaults.
type EventsConfig struct {
	Table         string `yaml:"table"`
	UnitColumn    string `yaml:"unit_column"`
	VariantColumn string `yaml:"variant_column"`
	StepColumn    string `yaml:"step_column"`
	TimeColumn    string `yaml:"time_column"`
}

const countryColumn = "geo_country"

// DefaultFunnel is the example checkout funnel, each step matched by its page path.
func DefaultFunnel() Funnel {
	steps := make([]query.Step, len(experiment.DefaultSteps))
	for i, name := range experiment.DefaultSteps {
		steps[i] = query.Step{Name: name, Match: "/" + name}
	}
	return Funnel{
		Steps: steps,
		Categories: map[string]string{
			"utm_source": "utm_source",
			"region": fmt.Sprintf(`CASE
  WHEN %[1]s IN ('US', 'CA', 'MX') THEN 'North America'
  WHEN %[1]s IN ('BE', 'BG', 'CZ', 'DK', 'DE', 'EE', 'IE', 'EL', 'ES', 'FR', 'HR', 'IT', 'CY', 'LV',
    'LT', 'LU', 'HU', 'MT', 'NL', 'AT', 'PL', 'PT', 'RO', 'SI', 'SK', 'FI', 'SE') THEN 'European Union'
  ELSE 'Rest of the World' END`, countryColumn),
		},
	}
}

// LoadFunnel reads a funnel definition. An empty path returns DefaultFunnel.
func LoadFunnel(path string) (Funnel, error) {
	if path == "" {
		return DefaultFunnel(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Funnel{}, errors.NotFound("funnel file " + path)
		}
		return Funnel{}, errors.Wrap(err, "failed to read funnel file")
	}
	return ParseFunnel(data)
}

// ParseFunnel decodes a YAML funnel definition. Unknown fields are rejected and a
// definition without steps inherits the default funnel steps.
func ParseFunnel(data []byte) (Funnel, error) {
	var f Funnel
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return Funnel{}, errors.ConfigInvalid(fmt.Sprintf("invalid funnel definition: %v", err))
	}
	if len(f.Steps) == 0 {
		f.Steps = DefaultFunnel().Steps
	}
	for i, st := range f.Steps {
		if st.Match == "" {
			f.Steps[i].Match = "/" + st.Name
		}
	}
	if err := f.QuerySpec().Validate(); err != nil {
		return Funnel{}, err
	}
	return f, nil
}

// StepNames returns the funnel steps in order.
func (f Funnel) StepNames() []string {
	return f.QuerySpec().StepNames()
}

// QuerySpec translates the funnel into the query that derives progress tables from
// raw events.
func (f Funnel) QuerySpec() query.Spec {
	spec := query.Spec{
		EventsTable:   f.Events.Table,
		UnitColumn:    f.Events.UnitColumn,
		VariantColumn: f.Events.VariantColumn,
		StepColumn:    f.Events.StepColumn,
		TimeColumn:    f.Events.TimeColumn,
		Steps:         f.Steps,
		Categories:    f.Categories,
		Breakdown:     f.Breakdown,
		Filters:       f.Filters,
	}
	if f.Since != nil {
		spec.Since = *f.Since
	}
	if f.Until != nil {
		spec.Until = *f.Until
	}
	return spec
}

// Defaults combines the analysis defaults with the funnel selection, without
// validation. Categories are left for the caller to fill from the progress table.
func (f Funnel) Defaults(analysis AnalysisConfig) experiment.Settings {
	s := analysis.Settings()
	s.Breakdown = f.Breakdown
	s.Filters = f.Filters
	s.Steps = f.Analyzed
	s.Vocabulary = f.StepNames()
	return s
}

// Settings combines the analysis defaults with the funnel selection into validated
// settings. categories lists the dimensions available for breakdown and filters; when
// empty the funnel's own categories are used.
func (f Funnel) Settings(analysis AnalysisConfig, categories []string) (experiment.Settings, error) {
	s := f.Defaults(analysis)
	s.Categories = categories
	if len(categories) == 0 {
		s.Categories = f.QuerySpec().CategoryNames()
	}
	return experiment.NewSettings(s)
}
