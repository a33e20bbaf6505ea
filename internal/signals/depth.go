package signals

import (
	"context"
	"math"

	"framewitness/internal/status"
)

const depthVersion = "depth/1"

// DepthDetector checks that the scene has real three dimensional structure.
// A photographed screen or print is close to a single plane, so the
// residual of a least squares plane fit, relative to the mean depth, is the
// per-frame evidence. Consistency averages it over keyframes; stability
// measures how much it varies between them.
type DepthDetector struct {
	// PlanarityScale is the relative residual that counts as fully
	// non-planar.
	PlanarityScale float64
	// MaxSamples bounds the fitted samples per axis.
	MaxSamples int
}

// NewDepthDetector returns a detector with the calibrated defaults.
func NewDepthDetector() *DepthDetector {
	return &DepthDetector{PlanarityScale: 0.03, MaxSamples: 64}
}

func (d *DepthDetector) Type() Type      { return TypeDepth }
func (d *DepthDetector) Version() string { return depthVersion }

type depthFrame struct {
	score      float64
	validRatio float64
}

func (d *DepthDetector) Detect(ctx context.Context, frames []Keyframe) Result {
	var analyzed []depthFrame
	for _, f := range frames {
		if ctx.Err() != nil {
			return Unavailable(TypeDepth, depthVersion, ReasonCancelled)
		}
		if !f.HasDepth() {
			continue
		}
		if df, ok := d.analyze(f); ok {
			analyzed = append(analyzed, df)
		}
	}
	if len(analyzed) == 0 {
		return Unavailable(TypeDepth, depthVersion, ReasonNoDepthData)
	}

	var sum, validSum float64
	for _, a := range analyzed {
		sum += a.score
		validSum += a.validRatio
	}
	n := float64(len(analyzed))
	consistency := sum / n
	validRatio := validSum / n

	var variance float64
	for _, a := range analyzed {
		variance += (a.score - consistency) * (a.score - consistency)
	}
	stability := 1 - clamp01(2*math.Sqrt(variance/n))

	realScene := consistency >= 0.5 && validRatio >= 0.5
	st, conf := verdict(consistency, 0.5, true)
	if validRatio < 0.5 {
		st, conf = verdict(validRatio, 0.5, true)
	}

	return Result{
		Type:             TypeDepth,
		Status:           st,
		Confidence:       conf,
		AlgorithmVersion: depthVersion,
		Metadata: map[string]any{
			MetaConsistency: round4(consistency),
			MetaStability:   round4(stability),
			MetaRealScene:   realScene && st == status.Pass,
			MetaValidRatio:  round4(validRatio),
			MetaFrames:      len(analyzed),
		},
	}
}

// analyze fits z = a*x + b*y + c over a sampled grid of valid depths.
func (d *DepthDetector) analyze(f Keyframe) (depthFrame, bool) {
	maxSamples := d.MaxSamples
	if maxSamples <= 0 {
		maxSamples = 64
	}
	stepX := max(1, f.DepthWidth/maxSamples)
	stepY := max(1, f.DepthHeight/maxSamples)

	var (
		n, total                float64
		sx, sy, sz              float64
		sxx, syy, sxy, sxz, syz float64
		xs, ys, zs              []float64
	)
	for y := 0; y < f.DepthHeight; y += stepY {
		for x := 0; x < f.DepthWidth; x += stepX {
			total++
			z := float64(f.Depth[y*f.DepthWidth+x])
			if math.IsNaN(z) || math.IsInf(z, 0) || z <= 0 {
				continue
			}
			// normalized coordinates keep the system well conditioned
			fx := float64(x) / float64(f.DepthWidth)
			fy := float64(y) / float64(f.DepthHeight)
			n++
			sx += fx
			sy += fy
			sz += z
			sxx += fx * fx
			syy += fy * fy
			sxy += fx * fy
			sxz += fx * z
			syz += fy * z
			xs = append(xs, fx)
			ys = append(ys, fy)
			zs = append(zs, z)
		}
	}
	if total == 0 || n/total < 0.1 || n < 3 {
		return depthFrame{}, false
	}

	a, b, c, ok := solve3(
		[3][3]float64{{sxx, sxy, sx}, {sxy, syy, sy}, {sx, sy, n}},
		[3]float64{sxz, syz, sz},
	)
	if !ok {
		// degenerate sample layout; fall back to a constant plane
		a, b, c = 0, 0, sz/n
	}

	var sq float64
	for i := range zs {
		r := zs[i] - (a*xs[i] + b*ys[i] + c)
		sq += r * r
	}
	rms := math.Sqrt(sq / n)
	mean := sz / n

	scale := d.PlanarityScale
	if scale <= 0 {
		scale = 0.03
	}
	return depthFrame{
		score:      clamp01(rms / mean / scale),
		validRatio: n / total,
	}, true
}

// solve3 solves m·v = r by Cramer's rule.
func solve3(m [3][3]float64, r [3]float64) (float64, float64, float64, bool) {
	det := det3(m)
	if math.Abs(det) < 1e-12 {
		return 0, 0, 0, false
	}
	var out [3]float64
	for col := 0; col < 3; col++ {
		mm := m
		for row := 0; row < 3; row++ {
			mm[row][col] = r[row]
		}
		out[col] = det3(mm) / det
	}
	return out[0], out[1], out[2], true
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}
