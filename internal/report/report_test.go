package report

import (
	"math"
	"strings"
	"testing"
	"time"

	"funnelpower/domain/experiment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() Report {
	key := experiment.RowKey{Segment: experiment.Segment{"All"}, Step: "cart"}
	return Report{
		Title:       "Checkout test",
		GeneratedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Settings: experiment.Settings{
			Alpha: 0.05, Beta: 0.2, NPermutations: 100,
			Breakdown: []string{"region"}, Variance: experiment.VarianceWelch,
		},
		Observed: []experiment.TTestRecord{{
			Key:         key,
			Control:     experiment.GroupStats{Numerator: 10, Denominator: 100, Rate: 0.1},
			Treatment:   experiment.GroupStats{Numerator: 15, Denominator: 100, Rate: 0.15},
			Difference:  0.05,
			PValue:      0.28,
			MDE:         math.NaN(),
			Significant: false,
		}},
		Power: &experiment.PowerSummary{Beta: 0.2, Rows: []experiment.PowerRow{{
			Key: key, MeanMDE: 0.08, QuantileDifference: 0.02, ReliablyDetectedEffect: 0.1,
		}}},
		RunID:      "run-1",
		Iterations: 100,
	}
}

func TestMarkdown(t *testing.T) {
	md, err := sampleReport().Markdown()
	require.NoError(t, err)
	out := string(md)

	assert.True(t, strings.HasPrefix(out, "# Checkout test\n"))
	assert.Contains(t, out, "| breakdown | region |")
	assert.Contains(t, out, "| All | cart | 10.00% (10/100) | 15.00% (15/100) | 5.00% | 0.28 | n/a | no |")
	assert.Contains(t, out, "probability 80.00% or more")
	assert.Contains(t, out, "| All | cart | 8.00% | 2.00% | 10.00% |")
	assert.NotContains(t, out, "Null distribution checks")
}

func TestMarkdown_OnlyObserved(t *testing.T) {
	r := sampleReport()
	r.Power = nil
	r.Title = ""

	md, err := r.Markdown()
	require.NoError(t, err)
	assert.Contains(t, string(md), "# A/B test report")
	assert.NotContains(t, string(md), "## Power")
}

func TestHTML(t *testing.T) {
	page, err := sampleReport().HTML()
	require.NoError(t, err)
	out := string(page)

	assert.Contains(t, out, "<title>Checkout test</title>")
	assert.Contains(t, out, "<table>")
	assert.Contains(t, out, "<td>cart</td>")
	assert.Contains(t, out, "</html>")
}
