// Package signals implements the independent authenticity detectors run
// over sampled keyframes of a capture, and the runner that executes them
// concurrently under a time budget.
//
// A detector never fails the capture. Missing input, an exceeded budget or
// a panic all turn into an Unavailable result carrying a reason.
package signals

import (
	"context"
	"encoding/json"
	"math"

	"framewitness/internal/status"
)

// Type names a signal.
type Type string

const (
	TypeDepth    Type = "depth"
	TypeMoire    Type = "moire"
	TypeTexture  Type = "texture"
	TypeArtifact Type = "artifact"
)

// Types lists every detector in its canonical order.
var Types = []Type{TypeDepth, TypeMoire, TypeTexture, TypeArtifact}

// Source records where a result was computed.
type Source string

const (
	SourceDevice Source = "device"
	SourceServer Source = "server"
)

// Unavailable reasons shared by detectors and the runner.
const (
	ReasonNoDepthData    = "no_depth_data"
	ReasonNoLumaData     = "no_luma_data"
	ReasonFrameTooSmall  = "frame_too_small"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonDetectorPanic  = "detector_panic"
	ReasonDisabled       = "disabled"
	ReasonNotReported    = "not_reported"
	ReasonDecodeFailed   = "decode_failed"
	ReasonNoKeyframes    = "no_keyframes"
	ReasonCancelled      = "cancelled"
)

// Metadata keys reported by the depth detector.
const (
	MetaConsistency = "consistency"
	MetaStability   = "stability"
	MetaRealScene   = "real_scene"
	MetaValidRatio  = "valid_ratio"
	MetaFrames      = "frames_analyzed"
)

// Keyframe is one sampled frame handed to detectors. Luma is row-major 8-bit
// luminance; Depth, when present, is row-major metres.
type Keyframe struct {
	Index       uint64    `json:"index"`
	TimestampMs int64     `json:"timestamp_ms"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Luma        []byte    `json:"-"`
	Depth       []float32 `json:"-"`
	DepthWidth  int       `json:"depth_width,omitempty"`
	DepthHeight int       `json:"depth_height,omitempty"`
}

// HasLuma reports whether the luma plane matches the declared size.
func (k Keyframe) HasLuma() bool {
	return k.Width > 0 && k.Height > 0 && len(k.Luma) == k.Width*k.Height
}

// HasDepth reports whether a depth map matching its declared size is present.
func (k Keyframe) HasDepth() bool {
	return k.DepthWidth > 0 && k.DepthHeight > 0 && len(k.Depth) == k.DepthWidth*k.DepthHeight
}

// Result is the outcome of one detector.
type Result struct {
	Type             Type           `json:"signal_type"`
	Status           status.Status  `json:"status"`
	Confidence       float64        `json:"confidence"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	AlgorithmVersion string         `json:"algorithm_version"`
	Source           Source         `json:"source"`
	Reason           string         `json:"reason,omitempty"`
	DurationMs       int64          `json:"duration_ms"`
}

// Unavailable builds a result for a detector that could not run.
func Unavailable(t Type, version, reason string) Result {
	return Result{
		Type:             t,
		Status:           status.Unavailable,
		AlgorithmVersion: version,
		Reason:           reason,
	}
}

// Available reports whether the detector produced a verdict.
func (r Result) Available() bool {
	return r.Status == status.Pass || r.Status == status.Fail
}

// Float reads a numeric metadata value. Values that went through JSON come
// back as float64 or json.Number; both are accepted.
func (r Result) Float(key string) (float64, bool) {
	switch v := r.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool reads a boolean metadata value.
func (r Result) Bool(key string) (bool, bool) {
	v, ok := r.Metadata[key].(bool)
	return v, ok
}

// Detector analyzes keyframes for one authenticity signal. Detect must be
// deterministic for a given input and should return promptly once ctx is
// done.
type Detector interface {
	Type() Type
	Version() string
	Detect(ctx context.Context, frames []Keyframe) Result
}

// verdict maps a score against a threshold into status and a confidence in
// [0.5, 1] describing how far the score sits from the threshold. higherPasses
// says which side of the threshold is authentic.
func verdict(score, threshold float64, higherPasses bool) (status.Status, float64) {
	score = clamp01(score)
	threshold = clamp01(threshold)

	passed := score >= threshold
	if !higherPasses {
		passed = score < threshold
	}

	var margin float64
	switch {
	case score >= threshold && threshold < 1:
		margin = (score - threshold) / (1 - threshold)
	case score < threshold && threshold > 0:
		margin = (threshold - score) / threshold
	}

	st := status.Fail
	if passed {
		st = status.Pass
	}
	return st, round4(0.5 + 0.5*clamp01(margin))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
