package confidence

import (
	"fmt"
	"math"

	"framewitness/internal/signals"
	"framewitness/internal/status"
)

// Cross-validation outcomes.
const (
	CrossValidationConsistent   = "consistent"
	CrossValidationAnomalies    = "anomalies_detected"
	CrossValidationInsufficient = "insufficient_data"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityStrong Severity = "strong"
	SeverityMild   Severity = "mild"
)

// Anomaly is a disagreement between two signals that are expected to agree.
type Anomaly struct {
	Severity    Severity `json:"severity"`
	Signals     []string `json:"signals"`
	Description string   `json:"description"`
}

// correlatedPairs lists the signal pairs expected to agree.
var correlatedPairs = [][2]signals.Type{
	{signals.TypeDepth, signals.TypeMoire},
	{signals.TypeDepth, signals.TypeTexture},
	{signals.TypeTexture, signals.TypeArtifact},
}

// CrossValidate compares correlated signals and device and server results
// of the same type. It returns the anomalies found and how many comparisons
// were possible.
func CrossValidate(results []signals.Result, primary map[signals.Type]signals.Result, p Policy) ([]Anomaly, int) {
	anomalies := []Anomaly{}
	comparisons := 0

	for _, pair := range correlatedPairs {
		a, okA := primary[pair[0]]
		b, okB := primary[pair[1]]
		if !okA || !okB || !a.Available() || !b.Available() {
			continue
		}
		comparisons++
		if an, ok := compare(string(a.Type), string(b.Type), a, b, p); ok {
			anomalies = append(anomalies, an)
		}
	}

	for _, t := range signals.Types {
		dev, okD := bySource(results, t, signals.SourceDevice)
		srv, okS := bySource(results, t, signals.SourceServer)
		if !okD || !okS {
			continue
		}
		comparisons++
		if an, ok := compare(string(t)+"@device", string(t)+"@server", dev, srv, p); ok {
			anomalies = append(anomalies, an)
		}
	}
	return anomalies, comparisons
}

func bySource(results []signals.Result, t signals.Type, src signals.Source) (signals.Result, bool) {
	for _, r := range results {
		if r.Type == t && r.Source == src && r.Available() {
			return r, true
		}
	}
	return signals.Result{}, false
}

func compare(nameA, nameB string, a, b signals.Result, p Policy) (Anomaly, bool) {
	names := []string{nameA, nameB}
	switch {
	case a.Status != b.Status:
		if a.Confidence >= p.StrongAnomalyConfidence && b.Confidence >= p.StrongAnomalyConfidence {
			return Anomaly{
				Severity: SeverityStrong,
				Signals:  names,
				Description: fmt.Sprintf("%s reports %s (%.2f) while %s reports %s (%.2f)",
					nameA, a.Status, a.Confidence, nameB, b.Status, b.Confidence),
			}, true
		}
	case a.Status == status.Pass:
		if gap := math.Abs(a.Confidence - b.Confidence); gap > p.MildAnomalyGap {
			return Anomaly{
				Severity:    SeverityMild,
				Signals:     names,
				Description: fmt.Sprintf("%s and %s both pass but confidence differs by %.2f", nameA, nameB, gap),
			}, true
		}
	}
	return Anomaly{}, false
}
