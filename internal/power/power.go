package power

import (
	"math"
	"sort"

	"funnelpower/domain/experiment"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// UniformityBins is the number of equal-width p-value bins of the uniformity check.
const UniformityBins = 10

// DefaultCurvePoints is the resolution of power curves.
const DefaultCurvePoints = 120

// Summarize reduces a permutation run to one power row per (segment, step) key, in the
// order the keys first appear in the run. NaN statistics are skipped; a key whose values
// are all NaN gets NaN summaries.
func Summarize(run experiment.PermutationRun, beta float64) experiment.PowerSummary {
	keys, groups := run.GroupByKey()
	summary := experiment.PowerSummary{Beta: beta, Rows: make([]experiment.PowerRow, 0, len(keys))}
	for _, key := range keys {
		records := groups[key.Key()]
		meanMDE := mean(column(records, mdeOf))
		quantile := Quantile(column(records, differenceOf), 1-beta)
		summary.Rows = append(summary.Rows, experiment.PowerRow{
			Key:                    key,
			MeanMDE:                meanMDE,
			QuantileDifference:     quantile,
			ReliablyDetectedEffect: quantile + meanMDE,
		})
	}
	return summary
}

// Describe computes the sanity statistics of a run per key: the empirical false
// positive rate, the spread of the differences and the distribution of the p-values.
func Describe(run experiment.PermutationRun) experiment.Description {
	keys, groups := run.GroupByKey()
	desc := experiment.Description{Rows: make([]experiment.RowDescription, 0, len(keys))}
	for _, key := range keys {
		records := groups[key.Key()]

		significant := 0
		for _, rec := range records {
			if rec.Significant {
				significant++
			}
		}

		pValues := column(records, pValueOf)
		chi2, chi2P := Uniformity(pValues, UniformityBins)
		desc.Rows = append(desc.Rows, experiment.RowDescription{
			Key:               key,
			FalsePositiveRate: float64(significant) / float64(len(records)),
			DifferenceStd:     sampleStd(column(records, differenceOf)),
			PValue:            SummarizePValues(pValues),
			UniformityChi2:    chi2,
			UniformityPValue:  chi2P,
		})
	}
	return desc
}

// SummarizePValues returns count, mean, sample standard deviation and the five-number
// summary of the finite values.
func SummarizePValues(values []float64) experiment.PValueSummary {
	if len(values) == 0 {
		nan := math.NaN()
		return experiment.PValueSummary{Mean: nan, Std: nan, Min: nan, Q25: nan, Median: nan, Q75: nan, Max: nan}
	}
	data := stats.Float64Data(values)
	lo, _ := data.Min()
	hi, _ := data.Max()
	return experiment.PValueSummary{
		Count:  len(values),
		Mean:   mean(values),
		Std:    sampleStd(values),
		Min:    lo,
		Q25:    Quantile(values, 0.25),
		Median: Quantile(values, 0.5),
		Q75:    Quantile(values, 0.75),
		Max:    hi,
	}
}

// Uniformity is the chi-square goodness of fit of values in [0, 1] against the uniform
// distribution over the given number of equal-width bins. It returns the statistic and
// its p-value; both are NaN without data.
func Uniformity(values []float64, bins int) (float64, float64) {
	if len(values) == 0 || bins < 2 {
		return math.NaN(), math.NaN()
	}
	observed := make([]float64, bins)
	for _, v := range values {
		b := int(v * float64(bins))
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		observed[b]++
	}
	expected := make([]float64, bins)
	for i := range expected {
		expected[i] = float64(len(values)) / float64(bins)
	}
	chi2 := stat.ChiSquare(observed, expected)
	dist := distuv.ChiSquared{K: float64(bins - 1)}
	return chi2, dist.Survival(chi2)
}

// Curve returns the empirical power curve of every key: for an alternative effect e, the
// share of permutations whose difference shifted by the mean MDE stays at or below e.
// Edge is the (1 - alpha/2) quantile of the differences.
func Curve(run experiment.PermutationRun, alpha float64, points int) []experiment.PowerCurve {
	if points < 2 {
		points = DefaultCurvePoints
	}
	keys, groups := run.GroupByKey()
	curves := make([]experiment.PowerCurve, 0, len(keys))
	for _, key := range keys {
		records := groups[key.Key()]
		diffs := column(records, differenceOf)
		meanMDE := mean(column(records, mdeOf))
		curve := experiment.PowerCurve{
			Key:     key,
			MeanMDE: meanMDE,
			Edge:    Quantile(diffs, 1-alpha/2),
		}
		if len(diffs) == 0 || math.IsNaN(meanMDE) {
			curves = append(curves, curve)
			continue
		}

		shifted := make([]float64, len(diffs))
		for i, d := range diffs {
			shifted[i] = d + meanMDE
		}
		sort.Float64s(shifted)
		lo, hi := shifted[0], shifted[len(shifted)-1]
		step := (hi - lo) / float64(points-1)
		curve.Points = make([]experiment.CurvePoint, points)
		for i := range curve.Points {
			effect := lo + float64(i)*step
			if i == points-1 {
				effect = hi
			}
			below := sort.Search(len(shifted), func(j int) bool { return shifted[j] > effect })
			curve.Points[i] = experiment.CurvePoint{
				Effect: effect,
				Power:  float64(below) / float64(len(shifted)),
			}
		}
		curves = append(curves, curve)
	}
	return curves
}

// Quantile returns the q-quantile of the finite values by linear interpolation between
// closest ranks (position q·(n-1) in the sorted data). NaN without data.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 || math.IsNaN(q) {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := q * float64(len(sorted)-1)
	if index <= 0 {
		return sorted[0]
	}
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func mean(values []float64) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return math.NaN()
	}
	return m
}

func sampleStd(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	s, err := stats.StandardDeviationSample(values)
	if err != nil {
		return math.NaN()
	}
	return s
}

func mdeOf(r experiment.PermutationRecord) float64        { return r.MDE }
func differenceOf(r experiment.PermutationRecord) float64 { return r.Difference }
func pValueOf(r experiment.PermutationRecord) float64     { return r.PValue }

// column extracts the finite values of one statistic.
func column(records []experiment.PermutationRecord, get func(experiment.PermutationRecord) float64) []float64 {
	out := make([]float64, 0, len(records))
	for _, rec := range records {
		v := get(rec)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}
