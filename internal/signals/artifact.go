package signals

import "context"

const artifactVersion = "artifact/1"

// ArtifactDetector measures 8x8 block-boundary discontinuities. Repeated
// lossy recompression and screenshots leave intensity steps aligned to the
// codec's block grid that natural captures from the sensor pipeline do not.
type ArtifactDetector struct {
	// Threshold is the blockiness score at or above which the signal fails.
	Threshold float64
}

func (d *ArtifactDetector) Type() Type      { return TypeArtifact }
func (d *ArtifactDetector) Version() string { return artifactVersion }

const (
	blockSize = 8
	// boundary-to-interior ratio mapped to score 1
	blockinessCeiling = 3.0
)

func (d *ArtifactDetector) Detect(ctx context.Context, frames []Keyframe) Result {
	var ratios []float64
	sawLuma := false
	for _, f := range frames {
		if ctx.Err() != nil {
			return Unavailable(TypeArtifact, artifactVersion, ReasonCancelled)
		}
		if !f.HasLuma() {
			continue
		}
		sawLuma = true
		if f.Width < 2*blockSize || f.Height < 2*blockSize {
			continue
		}
		ratios = append(ratios, blockiness(f))
	}
	switch {
	case !sawLuma:
		return Unavailable(TypeArtifact, artifactVersion, ReasonNoLumaData)
	case len(ratios) == 0:
		return Unavailable(TypeArtifact, artifactVersion, ReasonFrameTooSmall)
	}

	var sum float64
	for _, r := range ratios {
		sum += r
	}
	ratio := sum / float64(len(ratios))
	score := clamp01((ratio - 1) / (blockinessCeiling - 1))
	st, conf := verdict(score, d.Threshold, false)
	return Result{
		Type:             TypeArtifact,
		Status:           st,
		Confidence:       conf,
		AlgorithmVersion: artifactVersion,
		Metadata: map[string]any{
			"blockiness":     round4(ratio),
			"artifact_score": round4(score),
			MetaFrames:       len(ratios),
		},
	}
}

// blockiness compares mean absolute steps across block boundaries with those
// inside blocks, in both directions.
func blockiness(f Keyframe) float64 {
	var boundary, interior, nb, ni float64
	step := func(a, b byte) float64 {
		if a > b {
			return float64(a - b)
		}
		return float64(b - a)
	}

	for y := 0; y < f.Height; y++ {
		row := f.Luma[y*f.Width : (y+1)*f.Width]
		for x := 0; x < f.Width-1; x++ {
			if (x+1)%blockSize == 0 {
				boundary += step(row[x], row[x+1])
				nb++
			} else {
				interior += step(row[x], row[x+1])
				ni++
			}
		}
	}
	for y := 0; y < f.Height-1; y++ {
		onBoundary := (y+1)%blockSize == 0
		for x := 0; x < f.Width; x++ {
			d := step(f.Luma[y*f.Width+x], f.Luma[(y+1)*f.Width+x])
			if onBoundary {
				boundary += d
				nb++
			} else {
				interior += d
				ni++
			}
		}
	}
	if nb == 0 || ni == 0 {
		return 1
	}
	// one grey level of slack keeps perfectly flat interiors finite
	return (boundary / nb) / (interior/ni + 1)
}
