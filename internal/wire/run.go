package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
)

// RunFormatVersion is bumped whenever the persisted layout of a run changes.
const RunFormatVersion = 1

// Group is one arm of a test record.
type Group struct {
	Numerator   int   `json:"numerator"`
	Denominator int   `json:"denominator"`
	Rate        Float `json:"rate"`
}

// TTest is the serialized form of a test record.
type TTest struct {
	Segment          []string `json:"segment,omitempty"`
	Step             string   `json:"step"`
	Control          Group    `json:"control"`
	Treatment        Group    `json:"treatment"`
	Difference       Float    `json:"difference"`
	Stdev            Float    `json:"stdev"`
	TScore           Float    `json:"t_score"`
	DegreesOfFreedom int      `json:"degrees_of_freedom"`
	PValue           Float    `json:"p_value"`
	MDE              Float    `json:"mde"`
	Significant      bool     `json:"significant"`
}

// Record is one permutation record.
type Record struct {
	Iteration int `json:"iteration"`
	TTest
}

// Run is the persisted document of a permutation run: the run itself plus the
// configuration key it was computed under.
type Run struct {
	Version    int                 `json:"version"`
	ID         string              `json:"id"`
	Key        experiment.CacheKey `json:"key"`
	Settings   experiment.Settings `json:"settings"`
	Iterations int                 `json:"iterations"`
	Complete   bool                `json:"complete"`
	CreatedAt  time.Time           `json:"created_at"`
	Records    []Record            `json:"records"`
}

// FromGroup converts group stats.
func FromGroup(g experiment.GroupStats) Group {
	return Group{Numerator: g.Numerator, Denominator: g.Denominator, Rate: Float(g.Rate)}
}

// ToGroup converts back to group stats.
func (g Group) ToGroup() experiment.GroupStats {
	return experiment.GroupStats{Numerator: g.Numerator, Denominator: g.Denominator, Rate: float64(g.Rate)}
}

// FromTTest converts a test record.
func FromTTest(r experiment.TTestRecord) TTest {
	return TTest{
		Segment:          r.Key.Segment,
		Step:             r.Key.Step,
		Control:          FromGroup(r.Control),
		Treatment:        FromGroup(r.Treatment),
		Difference:       Float(r.Difference),
		Stdev:            Float(r.Stdev),
		TScore:           Float(r.TScore),
		DegreesOfFreedom: r.DegreesOfFreedom,
		PValue:           Float(r.PValue),
		MDE:              Float(r.MDE),
		Significant:      r.Significant,
	}
}

// ToTTest converts back to a test record.
func (t TTest) ToTTest() experiment.TTestRecord {
	return experiment.TTestRecord{
		Key:              experiment.RowKey{Segment: experiment.Segment(t.Segment), Step: t.Step},
		Control:          t.Control.ToGroup(),
		Treatment:        t.Treatment.ToGroup(),
		Difference:       float64(t.Difference),
		Stdev:            float64(t.Stdev),
		TScore:           float64(t.TScore),
		DegreesOfFreedom: t.DegreesOfFreedom,
		PValue:           float64(t.PValue),
		MDE:              float64(t.MDE),
		Significant:      t.Significant,
	}
}

// FromRun builds the persisted document of a run.
func FromRun(run experiment.PermutationRun) Run {
	doc := Run{
		Version:    RunFormatVersion,
		ID:         run.ID,
		Key:        run.Settings.CacheKey(),
		Settings:   run.Settings,
		Iterations: run.Iterations,
		Complete:   run.Complete,
		CreatedAt:  run.CreatedAt,
		Records:    make([]Record, len(run.Records)),
	}
	for i, rec := range run.Records {
		doc.Records[i] = Record{Iteration: rec.Iteration, TTest: FromTTest(rec.TTestRecord)}
	}
	return doc
}

// ToRun rebuilds the run.
func (d Run) ToRun() experiment.PermutationRun {
	run := experiment.PermutationRun{
		ID:         d.ID,
		Settings:   d.Settings,
		Iterations: d.Iterations,
		Complete:   d.Complete,
		CreatedAt:  d.CreatedAt,
		Records:    make([]experiment.PermutationRecord, len(d.Records)),
	}
	for i, rec := range d.Records {
		run.Records[i] = experiment.PermutationRecord{Iteration: rec.Iteration, TTestRecord: rec.ToTTest()}
	}
	return run
}

// EncodeRun writes the JSON document of a run.
func EncodeRun(w io.Writer, run experiment.PermutationRun) error {
	if err := json.NewEncoder(w).Encode(FromRun(run)); err != nil {
		return fmt.Errorf("failed to encode permutation run: %w", err)
	}
	return nil
}

// DecodeRun reads a run document. Malformed or unknown-version documents are schema
// errors.
func DecodeRun(r io.Reader) (Run, error) {
	var doc Run
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Run{}, errors.WithCode(errors.CodeSchemaError, fmt.Errorf("failed to decode permutation run: %w", err))
	}
	if doc.Version != RunFormatVersion {
		return Run{}, errors.SchemaError(fmt.Sprintf("unsupported permutation run format version %d", doc.Version))
	}
	return doc, nil
}
