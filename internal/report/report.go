package report

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"funnelpower/domain/experiment"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

// Report gathers the results of one analysis for rendering.
type Report struct {
	Title       string
	GeneratedAt time.Time
	Settings    experiment.Settings
	Observed    []experiment.TTestRecord
	Power       *experiment.PowerSummary
	Description *experiment.Description
	RunID       string
	Iterations  int
}

var funcs = template.FuncMap{
	"pct":     pct,
	"num":     num,
	"segment": func(s experiment.Segment) string { return s.String() },
	"join":    strings.Join,
	"power":   func(beta float64) float64 { return 1 - beta },
	"yesno": func(b bool) string {
		if b {
			return "**yes**"
		}
		return "no"
	},
}

var markdownTemplate = template.Must(template.New("report").Funcs(funcs).Parse(`# {{.Title}}

Generated {{.GeneratedAt.Format "2006-01-02 15:04 MST"}}.

| Setting | Value |
|---|---|
| alpha | {{num .Settings.Alpha}} |
| beta | {{num .Settings.Beta}} |
| permutations | {{.Settings.NPermutations}} |
| breakdown | {{if .Settings.Breakdown}}{{join .Settings.Breakdown ", "}}{{else}}none{{end}} |
| steps | {{if .Settings.Steps}}{{join .Settings.Steps ", "}}{{else}}all{{end}} |
| variance | {{.Settings.Variance}} |
{{- if .Observed}}

## Observed difference

| Segment | Step | Control | Treatment | Difference | p-value | MDE | Significant |
|---|---|---|---|---|---|---|---|
{{- range .Observed}}
| {{segment .Key.Segment}} | {{.Key.Step}} | {{pct .Control.Rate}} ({{.Control.Numerator}}/{{.Control.Denominator}}) | {{pct .Treatment.Rate}} ({{.Treatment.Numerator}}/{{.Treatment.Denominator}}) | {{pct .Difference}} | {{num .PValue}} | {{pct .MDE}} | {{yesno .Significant}} |
{{- end}}
{{- end}}
{{- if .Power}}

## Power

Run {{.RunID}} over {{.Iterations}} permutations. A difference of at least the reliably
detected effect is found with probability {{pct (power .Power.Beta)}} or more.

| Segment | Step | Mean MDE | Quantile difference | Reliably detected effect |
|---|---|---|---|---|
{{- range .Power.Rows}}
| {{segment .Key.Segment}} | {{.Key.Step}} | {{pct .MeanMDE}} | {{pct .QuantileDifference}} | {{pct .ReliablyDetectedEffect}} |
{{- end}}
{{- end}}
{{- if .Description}}

## Null distribution checks

| Segment | Step | False positive rate | Difference std | p mean | p median | Uniformity p |
|---|---|---|---|---|---|---|
{{- range .Description.Rows}}
| {{segment .Key.Segment}} | {{.Key.Step}} | {{pct .FalsePositiveRate}} | {{pct .DifferenceStd}} | {{num .PValue.Mean}} | {{num .PValue.Median}} | {{num .UniformityPValue}} |
{{- end}}
{{- end}}
`))

// Markdown renders the report as Markdown.
func (r Report) Markdown() ([]byte, error) {
	if r.Title == "" {
		r.Title = "A/B test report"
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	var buf bytes.Buffer
	if err := markdownTemplate.Execute(&buf, r); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

// HTML renders the report as a complete HTML page.
func (r Report) HTML() ([]byte, error) {
	md, err := r.Markdown()
	if err != nil {
		return nil, err
	}
	title := r.Title
	if title == "" {
		title = "A/B test report"
	}

	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	renderer := html.NewRenderer(html.RendererOptions{
		Title: title,
		Flags: html.CommonFlags | html.CompletePage | html.HrefTargetBlank,
	})
	return markdown.ToHTML(md, p, renderer), nil
}

func pct(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", 100*v)
}

func num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.4g", v)
}
