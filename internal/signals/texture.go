package signals

import (
	"context"
	"math"
)

const textureVersion = "texture/1"

// TextureDetector measures micro-texture richness with local binary
// patterns. Each interior pixel is coded by which of its eight neighbours
// are at least as bright; the normalized entropy of the code histogram is
// low for flat, re-rendered or heavily smoothed surfaces.
type TextureDetector struct {
	// MinEntropy is the normalized entropy below which the signal fails.
	MinEntropy float64
}

func (d *TextureDetector) Type() Type      { return TypeTexture }
func (d *TextureDetector) Version() string { return textureVersion }

// neighbour offsets, clockwise from top-left
var lbpOffsets = [8][2]int{{-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}}

func (d *TextureDetector) Detect(ctx context.Context, frames []Keyframe) Result {
	var entropies []float64
	sawLuma := false
	for _, f := range frames {
		if ctx.Err() != nil {
			return Unavailable(TypeTexture, textureVersion, ReasonCancelled)
		}
		if !f.HasLuma() {
			continue
		}
		sawLuma = true
		if f.Width < 3 || f.Height < 3 {
			continue
		}
		entropies = append(entropies, lbpEntropy(f))
	}
	switch {
	case !sawLuma:
		return Unavailable(TypeTexture, textureVersion, ReasonNoLumaData)
	case len(entropies) == 0:
		return Unavailable(TypeTexture, textureVersion, ReasonFrameTooSmall)
	}

	var sum float64
	for _, e := range entropies {
		sum += e
	}
	entropy := sum / float64(len(entropies))
	st, conf := verdict(entropy, d.MinEntropy, true)
	return Result{
		Type:             TypeTexture,
		Status:           st,
		Confidence:       conf,
		AlgorithmVersion: textureVersion,
		Metadata: map[string]any{
			"lbp_entropy": round4(entropy),
			MetaFrames:    len(entropies),
		},
	}
}

// lbpEntropy returns the LBP histogram entropy divided by its 8 bit maximum.
func lbpEntropy(f Keyframe) float64 {
	// large frames are sampled on a grid of centres
	step := max(1, min(f.Width, f.Height)/256)

	var hist [256]float64
	var total float64
	for y := 1; y < f.Height-1; y += step {
		for x := 1; x < f.Width-1; x += step {
			c := f.Luma[y*f.Width+x]
			var code byte
			for bit, off := range lbpOffsets {
				if f.Luma[(y+off[1])*f.Width+x+off[0]] >= c {
					code |= 1 << bit
				}
			}
			hist[code]++
			total++
		}
	}
	if total == 0 {
		return 0
	}

	var h float64
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := count / total
		h -= p * math.Log2(p)
	}
	return h / 8
}
