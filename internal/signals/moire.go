package signals

import (
	"context"
	"math"
)

const moireVersion = "moire/1"

// MoireDetector looks for the periodic interference a camera produces when
// it photographs a pixel grid. Luma rows are windowed and transformed; a
// single dominant peak in the upper part of the spectrum, well above the
// band's average, indicates a replayed screen.
type MoireDetector struct {
	// Threshold is the moire score at or above which the signal fails.
	Threshold float64
}

func (d *MoireDetector) Type() Type      { return TypeMoire }
func (d *MoireDetector) Version() string { return moireVersion }

const (
	moireRowSamples = 256
	moireRows       = 32
	// peak-to-band ratios mapped to score 0 and 1
	moireFloor   = 3.0
	moireCeiling = 12.0
)

func (d *MoireDetector) Detect(ctx context.Context, frames []Keyframe) Result {
	var (
		scores  []float64
		maxPeak float64
		sawLuma bool
	)
	for _, f := range frames {
		if ctx.Err() != nil {
			return Unavailable(TypeMoire, moireVersion, ReasonCancelled)
		}
		if !f.HasLuma() {
			continue
		}
		sawLuma = true
		if f.Width < 32 || f.Height < 8 {
			continue
		}
		peak := peakRatio(f)
		maxPeak = math.Max(maxPeak, peak)
		scores = append(scores, clamp01((peak-moireFloor)/(moireCeiling-moireFloor)))
	}
	switch {
	case !sawLuma:
		return Unavailable(TypeMoire, moireVersion, ReasonNoLumaData)
	case len(scores) == 0:
		return Unavailable(TypeMoire, moireVersion, ReasonFrameTooSmall)
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	score := sum / float64(len(scores))
	st, conf := verdict(score, d.Threshold, false)
	return Result{
		Type:             TypeMoire,
		Status:           st,
		Confidence:       conf,
		AlgorithmVersion: moireVersion,
		Metadata: map[string]any{
			"moire_score": round4(score),
			"peak_ratio":  round4(maxPeak),
			MetaFrames:    len(scores),
		},
	}
}

// peakRatio averages the magnitude spectra of evenly spaced rows and
// returns the strongest high band bin divided by the band mean.
func peakRatio(f Keyframe) float64 {
	n := min(f.Width, moireRowSamples)
	offset := (f.Width - n) / 2
	rows := min(f.Height, moireRows)

	window := make([]float64, n)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	half := n / 2
	cosT := make([]float64, n)
	sinT := make([]float64, n)
	for i := 0; i < n; i++ {
		cosT[i] = math.Cos(2 * math.Pi * float64(i) / float64(n))
		sinT[i] = math.Sin(2 * math.Pi * float64(i) / float64(n))
	}

	spectrum := make([]float64, half+1)
	samples := make([]float64, n)
	for r := 0; r < rows; r++ {
		y := r * f.Height / rows
		row := f.Luma[y*f.Width+offset : y*f.Width+offset+n]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(n)
		for i, v := range row {
			samples[i] = (float64(v) - mean) * window[i]
		}

		for k := 1; k <= half; k++ {
			var re, im float64
			for i, s := range samples {
				idx := (i * k) % n
				re += s * cosT[idx]
				im -= s * sinT[idx]
			}
			spectrum[k] += math.Hypot(re, im)
		}
	}

	lo := max(2, half/4)
	var peak, band float64
	for k := lo; k <= half; k++ {
		band += spectrum[k]
		peak = math.Max(peak, spectrum[k])
	}
	band /= float64(half - lo + 1)
	if band < 1e-9 {
		// a flat row has no spectrum at all, which is not moire
		return 0
	}
	return peak / band
}
