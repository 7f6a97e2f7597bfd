package experiment

import (
	"testing"

	"funnelpower/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettings_Defaults(t *testing.T) {
	s, err := NewSettings(Settings{})
	require.NoError(t, err)
	assert.Equal(t, DefaultAlpha, s.Alpha)
	assert.Equal(t, DefaultBeta, s.Beta)
	assert.Equal(t, DefaultPermutations, s.NPermutations)
	assert.Equal(t, VarianceWelch, s.Variance)
	assert.Nil(t, s.Breakdown)
	assert.Nil(t, s.Filters)
}

func TestNewSettings_Normalizes(t *testing.T) {
	s, err := NewSettings(Settings{
		Categories: []string{"utm_source", " region", "region"},
		Breakdown:  []string{"utm_source", "region", "utm_source"},
		Filters:    map[string][]string{"region": {"US", "EU", "US"}},
		Steps:      []string{"payment", "cart"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "utm_source"}, s.Categories)
	assert.Equal(t, []string{"region", "utm_source"}, s.Breakdown)
	assert.Equal(t, map[string][]string{"region": {"EU", "US"}}, s.Filters)
	assert.Equal(t, []string{"cart", "payment"}, s.Steps)
}

func TestNewSettings_Invalid(t *testing.T) {
	cases := map[string]Settings{
		"alpha above one":      {Alpha: 1.2},
		"negative beta":        {Beta: -0.1},
		"negative iterations":  {NPermutations: -1},
		"negative workers":     {Workers: -2},
		"unknown variance":     {Variance: "pooled"},
		"breakdown not a cat":  {Breakdown: []string{"device"}, Categories: []string{"region"}},
		"filter not a cat":     {Filters: map[string][]string{"device": {"mobile"}}, Categories: []string{"region"}},
		"step not in funnel":   {Steps: []string{"checkout"}},
		"breakdown, no cats":   {Breakdown: []string{"region"}},
		"metric of other step": {Steps: []string{"delay_checkout"}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewSettings(in)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeValidationError), err.Error())
		})
	}
}

func TestNewSettings_MetricVocabulary(t *testing.T) {
	_, err := NewSettings(Settings{Steps: []string{"reach", "delay_cart", "abandonment_payment"}})
	assert.NoError(t, err)

	_, err = NewSettings(Settings{Steps: []string{"signup"}, Vocabulary: []string{"landing", "signup"}})
	assert.NoError(t, err)
}

func TestCacheKey_Diff(t *testing.T) {
	base, err := NewSettings(Settings{
		NPermutations: 100,
		Categories:    []string{"region", "utm_source"},
		Breakdown:     []string{"region"},
		Seed:          1,
	})
	require.NoError(t, err)

	same := base
	same.Seed = 2
	same.Workers = 8
	assert.Empty(t, base.CacheKey().Diff(same.CacheKey()))

	other := base
	other.NPermutations = 200
	other.Breakdown = []string{"utm_source"}
	other.Filters = map[string][]string{"region": {"EU"}}
	assert.Equal(t, []string{"n_permutations", "breakdown", "filters"}, base.CacheKey().Diff(other.CacheKey()))
}
