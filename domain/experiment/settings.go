package experiment

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"funnelpower/internal/errors"
)

// Statistical defaults
const (
	DefaultAlpha        = 0.05
	DefaultBeta         = 0.2
	DefaultPermutations = 10_000
)

// VarianceConvention selects how the per-group variance terms of the Welch test are formed.
type VarianceConvention string

const (
	// VarianceWelch uses each group's own rate and size for its own variance term.
	VarianceWelch VarianceConvention = "welch"
	// VarianceCrossed attributes to each group the variance computed from the other group's
	// rate and size. Kept for parity with historical result tables.
	VarianceCrossed VarianceConvention = "crossed"
)

// Settings is the immutable configuration of one analysis run. Build it with NewSettings;
// components receive it by value and never modify it.
type Settings struct {
	Alpha         float64             `json:"alpha"`
	Beta          float64             `json:"beta"`
	NPermutations int                 `json:"n_permutations"`
	Breakdown     []string            `json:"breakdown,omitempty"`
	Steps         []string            `json:"steps,omitempty"`
	Filters       map[string][]string `json:"filters,omitempty"`
	Categories    []string            `json:"categories,omitempty"`
	Vocabulary    []string            `json:"vocabulary,omitempty"`
	Variance      VarianceConvention  `json:"variance"`
	Seed          int64               `json:"seed"`
	Workers       int                 `json:"workers,omitempty"`
}

// NewSettings fills defaults, normalizes set-like fields and validates the result.
func NewSettings(s Settings) (Settings, error) {
	if s.Alpha == 0 {
		s.Alpha = DefaultAlpha
	}
	if s.Beta == 0 {
		s.Beta = DefaultBeta
	}
	if s.NPermutations == 0 {
		s.NPermutations = DefaultPermutations
	}
	if s.Variance == "" {
		s.Variance = VarianceWelch
	}
	s.Breakdown = normalizeSet(s.Breakdown)
	s.Steps = normalizeSet(s.Steps)
	s.Categories = normalizeSet(s.Categories)
	s.Vocabulary = slices.Clone(s.Vocabulary)
	if len(s.Filters) == 0 {
		s.Filters = nil
	} else {
		filters := make(map[string][]string, len(s.Filters))
		for k, v := range s.Filters {
			filters[k] = normalizeSet(v)
		}
		s.Filters = filters
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the consistency of the settings against the known categories and
// funnel vocabulary.
func (s Settings) Validate() error {
	if !(s.Alpha > 0 && s.Alpha < 1) {
		return errors.ValidationError(fmt.Sprintf("alpha must be in (0, 1), got %v", s.Alpha))
	}
	if !(s.Beta > 0 && s.Beta < 1) {
		return errors.ValidationError(fmt.Sprintf("beta must be in (0, 1), got %v", s.Beta))
	}
	if s.NPermutations <= 0 {
		return errors.ValidationError(fmt.Sprintf("n_permutations must be positive, got %d", s.NPermutations))
	}
	if s.Workers < 0 {
		return errors.ValidationError(fmt.Sprintf("workers must not be negative, got %d", s.Workers))
	}
	switch s.Variance {
	case VarianceWelch, VarianceCrossed:
	default:
		return errors.ValidationError(fmt.Sprintf("unknown variance convention %q", s.Variance))
	}

	if missing := missingFrom(s.Breakdown, s.Categories); len(missing) > 0 {
		return errors.ValidationError(fmt.Sprintf(
			"the breakdown %v must be a subset of the categories %v (unknown: %v)",
			s.Breakdown, s.Categories, missing))
	}
	filterKeys := slices.Sorted(maps.Keys(s.Filters))
	if missing := missingFrom(filterKeys, s.Categories); len(missing) > 0 {
		return errors.ValidationError(fmt.Sprintf(
			"the filters %v must be a subset of the categories %v (unknown: %v)",
			filterKeys, s.Categories, missing))
	}
	if missing := missingFrom(s.Steps, StepVocabulary(s.Vocabulary)); len(missing) > 0 {
		return errors.ValidationError(fmt.Sprintf("metrics %v not in the funnel vocabulary", missing))
	}
	return nil
}

// CacheKey is the part of the settings a stored permutation run must match.
type CacheKey struct {
	NPermutations int                 `json:"n_permutations"`
	Alpha         float64             `json:"alpha"`
	Variance      VarianceConvention  `json:"variance"`
	Breakdown     []string            `json:"breakdown,omitempty"`
	Categories    []string            `json:"categories,omitempty"`
	Filters       map[string][]string `json:"filters,omitempty"`
	Steps         []string            `json:"steps,omitempty"`
}

// CacheKey extracts the configuration keys a cached run is validated against.
func (s Settings) CacheKey() CacheKey {
	return CacheKey{
		NPermutations: s.NPermutations,
		Alpha:         s.Alpha,
		Variance:      s.Variance,
		Breakdown:     s.Breakdown,
		Categories:    s.Categories,
		Filters:       s.Filters,
		Steps:         s.Steps,
	}
}

// Diff lists the names of the keys whose values differ between k and other.
func (k CacheKey) Diff(other CacheKey) []string {
	var diff []string
	if k.NPermutations != other.NPermutations {
		diff = append(diff, "n_permutations")
	}
	if k.Alpha != other.Alpha {
		diff = append(diff, "alpha")
	}
	if k.Variance != other.Variance {
		diff = append(diff, "variance")
	}
	if !slices.Equal(k.Breakdown, other.Breakdown) {
		diff = append(diff, "breakdown")
	}
	if !slices.Equal(k.Categories, other.Categories) {
		diff = append(diff, "categories")
	}
	if !maps.EqualFunc(k.Filters, other.Filters, slices.Equal[[]string]) {
		diff = append(diff, "filters")
	}
	if !slices.Equal(k.Steps, other.Steps) {
		diff = append(diff, "steps")
	}
	return diff
}

func (k CacheKey) String() string {
	return fmt.Sprintf("n=%d alpha=%g variance=%s breakdown=[%s] steps=[%s] filters=%v",
		k.NPermutations, k.Alpha, k.Variance,
		strings.Join(k.Breakdown, ","), strings.Join(k.Steps, ","), k.Filters)
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func missingFrom(values, known []string) []string {
	var missing []string
	for _, v := range values {
		if !slices.Contains(known, v) {
			missing = append(missing, v)
		}
	}
	return missing
}
