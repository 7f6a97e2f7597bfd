package experiment

// PowerRow is the power summary of one (breakdown tuple, step) row.
type PowerRow struct {
	Key                    RowKey
	MeanMDE                float64
	QuantileDifference     float64
	ReliablyDetectedEffect float64
}

// PowerSummary reduces a permutation run to one PowerRow per row key.
type PowerSummary struct {
	Beta float64
	Rows []PowerRow
}

// Lookup returns the row of a key.
func (s PowerSummary) Lookup(key RowKey) (PowerRow, bool) {
	for _, row := range s.Rows {
		if row.Key.Key() == key.Key() {
			return row, true
		}
	}
	return PowerRow{}, false
}

// PValueSummary is the five-number summary of the p-value distribution, with count,
// mean and sample standard deviation. NaN p-values are not counted.
type PValueSummary struct {
	Count  int
	Mean   float64
	Std    float64
	Min    float64
	Q25    float64
	Median float64
	Q75    float64
	Max    float64
}

// RowDescription is the descriptive statistics of one row key of a permutation run.
type RowDescription struct {
	Key               RowKey
	FalsePositiveRate float64
	DifferenceStd     float64
	PValue            PValueSummary
	// Chi-square goodness of fit of the p-values against the uniform distribution.
	UniformityChi2   float64
	UniformityPValue float64
}

// Description holds the descriptive statistics of a run, one entry per row key.
type Description struct {
	Rows []RowDescription
}

// CurvePoint is one point of a power curve: the share of permutations that would detect
// an alternative of the given effect size.
type CurvePoint struct {
	Effect float64
	Power  float64
}

// PowerCurve is the empirical power curve of one row key.
type PowerCurve struct {
	Key     RowKey
	MeanMDE float64
	// Edge is the (1 - alpha/2) quantile of the permutation differences.
	Edge   float64
	Points []CurvePoint
}
