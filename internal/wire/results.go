package wire

import "funnelpower/domain/experiment"

// PowerRow is the serialized form of a power summary row.
type PowerRow struct {
	Segment                []string `json:"segment,omitempty"`
	Step                   string   `json:"step"`
	MeanMDE                Float    `json:"mean_mde"`
	QuantileDifference     Float    `json:"quantile_difference"`
	ReliablyDetectedEffect Float    `json:"reliably_detected_effect"`
}

// PowerSummary is the serialized power summary.
type PowerSummary struct {
	Beta float64    `json:"beta"`
	Rows []PowerRow `json:"rows"`
}

// PValueSummary is the serialized p-value distribution summary.
type PValueSummary struct {
	Count  int   `json:"count"`
	Mean   Float `json:"mean"`
	Std    Float `json:"std"`
	Min    Float `json:"min"`
	Q25    Float `json:"q25"`
	Median Float `json:"median"`
	Q75    Float `json:"q75"`
	Max    Float `json:"max"`
}

// RowDescription is the serialized description of one key.
type RowDescription struct {
	Segment           []string      `json:"segment,omitempty"`
	Step              string        `json:"step"`
	FalsePositiveRate Float         `json:"false_positive_rate"`
	DifferenceStd     Float         `json:"difference_std"`
	PValue            PValueSummary `json:"p_value"`
	UniformityChi2    Float         `json:"uniformity_chi2"`
	UniformityPValue  Float         `json:"uniformity_p_value"`
}

// CurvePoint is one serialized power curve point.
type CurvePoint struct {
	Effect Float `json:"effect"`
	Power  Float `json:"power"`
}

// PowerCurve is the serialized power curve of one key.
type PowerCurve struct {
	Segment []string     `json:"segment,omitempty"`
	Step    string       `json:"step"`
	MeanMDE Float        `json:"mean_mde"`
	Edge    Float        `json:"edge"`
	Points  []CurvePoint `json:"points"`
}

// FromTTests converts a list of test records.
func FromTTests(records []experiment.TTestRecord) []TTest {
	out := make([]TTest, len(records))
	for i, r := range records {
		out[i] = FromTTest(r)
	}
	return out
}

// FromPowerSummary converts a power summary.
func FromPowerSummary(s experiment.PowerSummary) PowerSummary {
	out := PowerSummary{Beta: s.Beta, Rows: make([]PowerRow, len(s.Rows))}
	for i, r := range s.Rows {
		out.Rows[i] = PowerRow{
			Segment:                r.Key.Segment,
			Step:                   r.Key.Step,
			MeanMDE:                Float(r.MeanMDE),
			QuantileDifference:     Float(r.QuantileDifference),
			ReliablyDetectedEffect: Float(r.ReliablyDetectedEffect),
		}
	}
	return out
}

// FromDescription converts a run description.
func FromDescription(d experiment.Description) []RowDescription {
	out := make([]RowDescription, len(d.Rows))
	for i, r := range d.Rows {
		out[i] = RowDescription{
			Segment:           r.Key.Segment,
			Step:              r.Key.Step,
			FalsePositiveRate: Float(r.FalsePositiveRate),
			DifferenceStd:     Float(r.DifferenceStd),
			PValue: PValueSummary{
				Count:  r.PValue.Count,
				Mean:   Float(r.PValue.Mean),
				Std:    Float(r.PValue.Std),
				Min:    Float(r.PValue.Min),
				Q25:    Float(r.PValue.Q25),
				Median: Float(r.PValue.Median),
				Q75:    Float(r.PValue.Q75),
				Max:    Float(r.PValue.Max),
			},
			UniformityChi2:   Float(r.UniformityChi2),
			UniformityPValue: Float(r.UniformityPValue),
		}
	}
	return out
}

// FromCurves converts power curves.
func FromCurves(curves []experiment.PowerCurve) []PowerCurve {
	out := make([]PowerCurve, len(curves))
	for i, c := range curves {
		points := make([]CurvePoint, len(c.Points))
		for j, p := range c.Points {
			points[j] = CurvePoint{Effect: Float(p.Effect), Power: Float(p.Power)}
		}
		out[i] = PowerCurve{
			Segment: c.Key.Segment,
			Step:    c.Key.Step,
			MeanMDE: Float(c.MeanMDE),
			Edge:    Float(c.Edge),
			Points:  points,
		}
	}
	return out
}
