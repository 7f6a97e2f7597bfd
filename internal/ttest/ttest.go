package ttest

import (
	"math"

	"funnelpower/domain/experiment"

	"gonum.org/v1/gonum/stat/distuv"
)

// Compute runs Welch's unequal-variance t-test on one pivot row, comparing the Treatment
// rate against the Control rate. Degenerate rows (empty groups, zero variance) yield NaN
// statistics and a false significance flag rather than an error.
func Compute(row experiment.PivotRow, alpha float64, convention experiment.VarianceConvention) experiment.TTestRecord {
	c, t := row.Control, row.Treatment
	nC, nT := float64(c.Denominator), float64(t.Denominator)

	varC := proportionVariance(c.Rate, nC)
	varT := proportionVariance(t.Rate, nT)
	if convention == experiment.VarianceCrossed {
		varC, varT = proportionVariance(t.Rate, nT), proportionVariance(c.Rate, nC)
	}

	stdev := math.Sqrt(varC + varT)
	difference := t.Rate - c.Rate
	tScore := difference / stdev
	df := DegreesOfFreedom(varC, varT, nC, nT)

	pValue := PValue(tScore, df)
	mde := stdev * Quantile(1-alpha/2, df)

	return experiment.TTestRecord{
		Key:              row.Key,
		Control:          c,
		Treatment:        t,
		Difference:       difference,
		Stdev:            stdev,
		TScore:           tScore,
		DegreesOfFreedom: df,
		PValue:           pValue,
		MDE:              mde,
		Significant:      pValue < alpha,
	}
}

// ComputeTable tests every row of a pivot table.
func ComputeTable(table experiment.PivotTable, alpha float64, convention experiment.VarianceConvention) []experiment.TTestRecord {
	records := make([]experiment.TTestRecord, len(table.Rows))
	for i, row := range table.Rows {
		records[i] = Compute(row, alpha, convention)
	}
	return records
}

// DegreesOfFreedom is the Welch–Satterthwaite approximation truncated to an integer.
// Undefined or infinite values are reported as 0.
func DegreesOfFreedom(varA, varB, nA, nB float64) int {
	df := (varA + varB) * (varA + varB) / (varA*varA/(nA-1) + varB*varB/(nB-1))
	if math.IsNaN(df) || math.IsInf(df, 0) || df < 0 {
		return 0
	}
	return int(df)
}

// PValue is the two-sided p-value of a t-score: 2·P(T > |t|). It is NaN when the score is
// undefined or df is 0.
func PValue(tScore float64, df int) float64 {
	if df <= 0 || math.IsNaN(tScore) {
		return math.NaN()
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	return 2 * dist.Survival(math.Abs(tScore))
}

// Quantile is the inverse CDF of the Student-t distribution with df degrees of freedom.
func Quantile(p float64, df int) float64 {
	if df <= 0 {
		return math.NaN()
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	return dist.Quantile(p)
}

func proportionVariance(rate, n float64) float64 {
	return rate * (1 - rate) / n
}
