// Package confidence turns verification and signal results into one
// auditable verdict.
//
// Aggregate is a pure function: the level comes from a fixed decision table
// evaluated top-down, and the numeric score is reported beside it, never
// instead of it. Disagreements between signals are surfaced as anomalies.
package confidence

import (
	"fmt"
	"math"

	"framewitness/internal/signals"
	"framewitness/internal/status"
	"framewitness/internal/verify"
)

// Level is the discrete verdict.
type Level string

const (
	High       Level = "high"
	Medium     Level = "medium"
	Low        Level = "low"
	Suspicious Level = "suspicious"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case High, Medium, Low, Suspicious:
		return true
	}
	return false
}

// downgrade moves one tier down, stopping at Low.
func (l Level) downgrade() Level {
	switch l {
	case High:
		return Medium
	case Medium:
		return Low
	}
	return l
}

// AlgorithmVersion identifies the decision table and score weights.
const AlgorithmVersion = "confidence/1"

// Component names used for score weights and the breakdown.
const (
	ComponentHardware  = "hardware"
	ComponentHashChain = "hash_chain"
)

// componentOrder fixes iteration order for determinism.
var componentOrder = []string{
	ComponentHardware,
	ComponentHashChain,
	string(signals.TypeDepth),
	string(signals.TypeMoire),
	string(signals.TypeTexture),
	string(signals.TypeArtifact),
}

// Policy holds the thresholds and weights of the aggregator.
type Policy struct {
	DepthConsistencyHigh    float64
	DepthStabilityHigh      float64
	StrongAnomalyConfidence float64
	MildAnomalyGap          float64
	Weights                 map[string]float64
}

// DefaultPolicy returns the calibrated defaults.
func DefaultPolicy() Policy {
	return Policy{
		DepthConsistencyHigh:    0.80,
		DepthStabilityHigh:      0.90,
		StrongAnomalyConfidence: 0.6,
		MildAnomalyGap:          0.5,
		Weights: map[string]float64{
			ComponentHardware:            0.20,
			ComponentHashChain:           0.20,
			string(signals.TypeDepth):    0.30,
			string(signals.TypeMoire):    0.10,
			string(signals.TypeTexture):  0.10,
			string(signals.TypeArtifact): 0.10,
		},
	}
}

// HardwareCheck is the outcome of checking the device's key attestation.
type HardwareCheck struct {
	Status status.Status `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Input is everything the aggregator looks at.
type Input struct {
	Hardware HardwareCheck
	// Chain is nil when verification could not run; ChainReason says why.
	Chain       *verify.Result
	ChainReason string
	// Signals may hold a device and a server result for the same type.
	Signals   []signals.Result
	IsPartial bool
}

// Component is one line of the per-signal breakdown.
type Component struct {
	Name       string        `json:"name"`
	Status     status.Status `json:"status"`
	Confidence float64       `json:"confidence"`
	Weight     float64       `json:"weight"`
	Source     string        `json:"source,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Available reports whether the component contributes to the score.
func (c Component) Available() bool {
	return c.Status != status.Unavailable
}

// AggregatedConfidence is the aggregator's output.
type AggregatedConfidence struct {
	OverallScore          float64     `json:"overall_score"`
	Level                 Level       `json:"level"`
	PerSignalBreakdown    []Component `json:"per_signal_breakdown"`
	CrossValidationStatus string      `json:"cross_validation_status"`
	Comparisons           int         `json:"comparisons"`
	Anomalies             []Anomaly   `json:"anomalies"`
	// Reasons records which rules decided the level, in evaluation order.
	Reasons []string `json:"reasons"`
}

// Aggregate computes the verdict for in under p.
func Aggregate(in Input, p Policy) AggregatedConfidence {
	primary := PrimarySignals(in.Signals)
	breakdown := buildBreakdown(in, primary, p)
	anomalies, comparisons := CrossValidate(in.Signals, primary, p)

	out := AggregatedConfidence{
		OverallScore:       score(breakdown),
		PerSignalBreakdown: breakdown,
		Comparisons:        comparisons,
		Anomalies:          anomalies,
	}
	switch {
	case len(anomalies) > 0:
		out.CrossValidationStatus = CrossValidationAnomalies
	case comparisons == 0:
		out.CrossValidationStatus = CrossValidationInsufficient
	default:
		out.CrossValidationStatus = CrossValidationConsistent
	}
	out.Level, out.Reasons = decide(in, primary, anomalies, p)
	return out
}

// decide applies the decision table. The first matching tier wins; a strong
// anomaly then lowers High or Medium by exactly one tier and any anomaly at
// all keeps a capture out of High.
func decide(in Input, primary map[signals.Type]signals.Result, anomalies []Anomaly, p Policy) (Level, []string) {
	var reasons []string
	chain := in.Chain
	depth, hasDepth := primary[signals.TypeDepth]

	// Suspicious: explicit failures dominate everything else.
	if in.Hardware.Status == status.Fail {
		reasons = append(reasons, "hardware attestation failed")
	}
	if chain != nil && !chain.ChainIntact {
		reasons = append(reasons, "hash chain is broken")
	}
	if hasDepth && depth.Available() {
		realScene, known := depth.Bool(signals.MetaRealScene)
		if depth.Status == status.Fail || (known && !realScene) {
			reasons = append(reasons, "depth analysis reports no real scene")
		}
	}
	if len(reasons) > 0 {
		return Suspicious, reasons
	}

	hardwarePass := in.Hardware.Status == status.Pass
	chainTrusted := chain != nil && chain.ChainIntact && chain.AttestationValid
	chainPass := chainTrusted && chain.Status == status.Pass && chain.FrameCountChecked
	chainUsable := chainTrusted && chain.Status.Passed()

	// Signals that were never reported are not counted: the deployment did
	// not run them. A reported signal that could not reach a verdict is.
	unavailable := 0
	secondaryDegraded := false
	for _, t := range signals.Types {
		r, ok := primary[t]
		if !ok || r.Reason == signals.ReasonDisabled || r.Reason == signals.ReasonNotReported {
			continue
		}
		if !r.Available() {
			unavailable++
		}
		if t != signals.TypeDepth && r.Status != status.Pass {
			secondaryDegraded = true
		}
	}

	depthStrong := false
	if hasDepth && depth.Status == status.Pass {
		consistency, _ := depth.Float(signals.MetaConsistency)
		stability, _ := depth.Float(signals.MetaStability)
		realScene, _ := depth.Bool(signals.MetaRealScene)
		depthStrong = realScene && consistency >= p.DepthConsistencyHigh && stability >= p.DepthStabilityHigh
	}

	level := Low
	switch {
	case hardwarePass && chainPass && depthStrong && !secondaryDegraded && !in.IsPartial:
		level = High
		reasons = append(reasons, "hardware, chain and depth checks pass with strong metrics")
	case hardwarePass && chainUsable && unavailable <= 1:
		level = Medium
		switch {
		case in.IsPartial || chain.Status == status.Partial:
			reasons = append(reasons, fmt.Sprintf("partial capture verified through frame %d", chain.VerifiedFrames))
		case !depthStrong && hasDepth && depth.Available():
			reasons = append(reasons, "depth metrics below strong thresholds")
		case unavailable == 1:
			reasons = append(reasons, "one signal unavailable")
		case !chain.FrameCountChecked:
			reasons = append(reasons, "declared frame count was not cross-checked")
		default:
			reasons = append(reasons, "secondary signal degraded")
		}
	default:
		reasons = append(reasons, lowReason(in, chainUsable, unavailable))
	}

	strong := false
	for _, a := range anomalies {
		if a.Severity == SeverityStrong {
			strong = true
			break
		}
	}
	switch {
	case strong && level != Low:
		level = level.downgrade()
		reasons = append(reasons, "strong cross-validation anomaly lowers the level one tier")
	case level == High && len(anomalies) > 0:
		level = Medium
		reasons = append(reasons, "cross-validation anomaly prevents high confidence")
	}
	return level, reasons
}

func lowReason(in Input, chainUsable bool, unavailable int) string {
	switch {
	case in.Hardware.Status != status.Pass:
		return "hardware attestation unavailable"
	case in.Chain == nil:
		return "chain verification unavailable"
	case !in.Chain.AttestationValid:
		return "capture is not validly attested"
	case !chainUsable:
		return "chain verification did not pass"
	}
	return fmt.Sprintf("%d signals unavailable", unavailable)
}

// PrimarySignals picks one result per type, preferring the server's own
// analysis over a device-reported one.
func PrimarySignals(results []signals.Result) map[signals.Type]signals.Result {
	out := make(map[signals.Type]signals.Result, len(results))
	for _, r := range results {
		cur, ok := out[r.Type]
		switch {
		case !ok:
			out[r.Type] = r
		case !cur.Available() && r.Available():
			out[r.Type] = r
		case cur.Available() == r.Available() && cur.Source != signals.SourceServer && r.Source == signals.SourceServer:
			out[r.Type] = r
		}
	}
	return out
}

func buildBreakdown(in Input, primary map[signals.Type]signals.Result, p Policy) []Component {
	out := make([]Component, 0, len(componentOrder))
	for _, name := range componentOrder {
		c := Component{Name: name, Weight: p.Weights[name]}
		switch name {
		case ComponentHardware:
			c.Status = in.Hardware.Status
			c.Reason = in.Hardware.Reason
			if c.Status == "" {
				c.Status = status.Unavailable
			}
			if c.Status == status.Pass {
				c.Confidence = 1
			}
		case ComponentHashChain:
			c.Status, c.Confidence, c.Reason = chainComponent(in)
			if in.Chain != nil {
				c.Source = in.Chain.AnalysisSource
			}
		default:
			r, ok := primary[signals.Type(name)]
			if !ok {
				c.Status = status.Unavailable
				c.Reason = signals.ReasonNotReported
				break
			}
			c.Status = r.Status
			c.Source = string(r.Source)
			c.Reason = r.Reason
			if r.Available() {
				c.Confidence = authenticity(r)
			}
		}
		out = append(out, c)
	}
	return out
}

func chainComponent(in Input) (status.Status, float64, string) {
	c := in.Chain
	switch {
	case c == nil:
		reason := in.ChainReason
		if reason == "" {
			reason = "not_verified"
		}
		return status.Unavailable, 0, reason
	case c.Status == status.Fail || !c.ChainIntact:
		return status.Fail, 0, ""
	case !c.AttestationValid:
		return c.Status, 0.5, "unattested"
	case c.Status == status.Partial && c.TotalFrames > 0:
		return c.Status, 0.5 + 0.5*float64(c.VerifiedFrames)/float64(c.TotalFrames), ""
	}
	return c.Status, 1, ""
}

// authenticity maps a detector result to the probability the capture is
// authentic: a confident pass is near 1, a confident fail near 0.
func authenticity(r signals.Result) float64 {
	conf := math.Max(0, math.Min(1, r.Confidence))
	if r.Status == status.Fail {
		return 1 - conf
	}
	return conf
}

// score is the weighted mean over available components with weights
// renormalized to the available set.
func score(breakdown []Component) float64 {
	var sum, weights float64
	for _, c := range breakdown {
		if !c.Available() || c.Weight <= 0 {
			continue
		}
		sum += c.Weight * c.Confidence
		weights += c.Weight
	}
	if weights == 0 {
		return 0
	}
	return math.Round(sum/weights*10000) / 10000
}
