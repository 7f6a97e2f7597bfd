package experiment

// DefaultSteps is the example checkout funnel, in funnel order.
var DefaultSteps = []string{
	"home",
	"product_a",
	"product_b",
	"cart",
	"payment",
	"confirmation",
}

// PerformanceMetrics are the per-step metric families a step name can be qualified with
// (for example "delay_cart").
var PerformanceMetrics = []string{
	"reach",
	"delay",
	"abandonment",
}

// StepVocabulary returns every step or metric name accepted in Settings.Steps for the
// given funnel. An empty funnel falls back to DefaultSteps.
func StepVocabulary(funnel []string) []string {
	if len(funnel) == 0 {
		funnel = DefaultSteps
	}
	vocab := make([]string, 0, len(funnel)*(len(PerformanceMetrics)+1)+len(PerformanceMetrics))
	vocab = append(vocab, funnel...)
	vocab = append(vocab, PerformanceMetrics...)
	for _, metric := range PerformanceMetrics {
		for _, step := range funnel {
			vocab = append(vocab, metric+"_"+step)
		}
	}
	return vocab
}

// ReachColumn is the progress-table column name holding the reached flag of a step.
func ReachColumn(step string) string {
	return "reach_" + step
}
