package testkit

import (
	"fmt"
	"math/rand"
	"sort"

	"funnelpower/domain/experiment"
)

// FunnelGeneratorConfig configures the synthetic user-progress generator
type FunnelGeneratorConfig struct {
	UnitCount int `json:"unit_count"`
	// Dimensions maps a breakdown dimension to the values units are spread over uniformly.
	Dimensions map[string][]string `json:"dimensions"`
	Steps      []string            `json:"steps"`
	// StepRates[j] is the probability of reaching step j given step j-1 was reached.
	StepRates []float64 `json:"step_rates"`
	// TreatmentLift is added to every step rate of Treatment units.
	TreatmentLift  float64 `json:"treatment_lift"`
	TreatmentShare float64 `json:"treatment_share"`
	Seed           int64   `json:"seed"`
}

// DefaultFunnelConfig returns an A/A checkout funnel: no lift between the groups
func DefaultFunnelConfig() FunnelGeneratorConfig {
	return FunnelGeneratorConfig{
		UnitCount: 2000,
		Dimensions: map[string][]string{
			"region":     {"European Union", "North America", "Rest of the World"},
			"utm_source": {"direct", "google", "newsletter"},
		},
		Steps:          experiment.DefaultSteps,
		StepRates:      []float64{1.0, 0.6, 0.5, 0.4, 0.7, 0.8},
		TreatmentLift:  0,
		TreatmentShare: 0.5,
		Seed:           42,
	}
}

// FunnelGenerator generates user-progress tables with a sequential funnel
type FunnelGenerator struct {
	config FunnelGeneratorConfig
	rng    *rand.Rand
}

// NewFunnelGenerator creates a new funnel generator
func NewFunnelGenerator(config FunnelGeneratorConfig) *FunnelGenerator {
	return &FunnelGenerator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// GenerateRows generates one progress row per unit
func (g *FunnelGenerator) GenerateRows() ([]experiment.UserProgressRow, error) {
	if len(g.config.StepRates) != len(g.config.Steps) {
		return nil, fmt.Errorf("%d step rates for %d steps", len(g.config.StepRates), len(g.config.Steps))
	}

	// Iterate dimensions in a fixed order so the same seed gives the same table.
	dims := make([]string, 0, len(g.config.Dimensions))
	for name := range g.config.Dimensions {
		dims = append(dims, name)
	}
	sort.Strings(dims)

	rows := make([]experiment.UserProgressRow, g.config.UnitCount)
	for i := range rows {
		group := experiment.Control
		lift := 0.0
		if g.rng.Float64() < g.config.TreatmentShare {
			group = experiment.Treatment
			lift = g.config.TreatmentLift
		}

		values := make(map[string]string, len(dims))
		for _, name := range dims {
			options := g.config.Dimensions[name]
			values[name] = options[g.rng.Intn(len(options))]
		}

		reached := make(map[string]bool, len(g.config.Steps))
		still := true
		for j, step := range g.config.Steps {
			still = still && g.rng.Float64() < g.config.StepRates[j]+lift
			reached[step] = still
		}

		rows[i] = experiment.UserProgressRow{
			UnitID:     fmt.Sprintf("user_%05d", i+1),
			Group:      group,
			Dimensions: values,
			Reached:    reached,
		}
	}
	return rows, nil
}

// Generate builds the progress table
func (g *FunnelGenerator) Generate() (*experiment.ProgressTable, error) {
	rows, err := g.GenerateRows()
	if err != nil {
		return nil, err
	}
	return experiment.NewProgressTable(rows, g.config.Steps)
}

// MustGenerate is Generate for test fixtures
func MustGenerate(config FunnelGeneratorConfig) *experiment.ProgressTable {
	table, err := NewFunnelGenerator(config).Generate()
	if err != nil {
		panic(err)
	}
	return table
}
