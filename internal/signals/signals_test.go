package signals

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/status"
)

const (
	testW = 128
	testH = 96
)

func noiseFrame(rng *rand.Rand, idx uint64) Keyframe {
	luma := make([]byte, testW*testH)
	rng.Read(luma)
	return Keyframe{Index: idx, Width: testW, Height: testH, Luma: luma}
}

func flatFrame(idx uint64) Keyframe {
	luma := make([]byte, testW*testH)
	for i := range luma {
		luma[i] = 120
	}
	return Keyframe{Index: idx, Width: testW, Height: testH, Luma: luma}
}

func stripeFrame(idx uint64) Keyframe {
	luma := make([]byte, testW*testH)
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			luma[y*testW+x] = byte(128 + 100*math.Sin(2*math.Pi*float64(x)/3))
		}
	}
	return Keyframe{Index: idx, Width: testW, Height: testH, Luma: luma}
}

func blockFrame(rng *rand.Rand, idx uint64) Keyframe {
	luma := make([]byte, testW*testH)
	for by := 0; by < testH; by += 8 {
		for bx := 0; bx < testW; bx += 8 {
			v := byte(rng.Intn(256))
			for y := by; y < by+8; y++ {
				for x := bx; x < bx+8; x++ {
					luma[y*testW+x] = v
				}
			}
		}
	}
	return Keyframe{Index: idx, Width: testW, Height: testH, Luma: luma}
}

func withDepth(kf Keyframe, fn func(x, y int) float32) Keyframe {
	const dw, dh = 64, 48
	kf.Depth = make([]float32, dw*dh)
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			kf.Depth[y*dw+x] = fn(x, y)
		}
	}
	kf.DepthWidth, kf.DepthHeight = dw, dh
	return kf
}

func sceneDepth(x, y int) float32 {
	return float32(1.5 + 0.4*math.Sin(float64(x)/4)*math.Cos(float64(y)/5))
}

func screenDepth(x, y int) float32 {
	return float32(0.6 + 0.002*float64(x) + 0.001*float64(y))
}

func TestDepthDetector(t *testing.T) {
	ctx := context.Background()
	d := NewDepthDetector()

	t.Run("real scene", func(t *testing.T) {
		frames := []Keyframe{withDepth(flatFrame(0), sceneDepth), withDepth(flatFrame(30), sceneDepth)}
		res := d.Detect(ctx, frames)
		assert.Equal(t, status.Pass, res.Status)
		consistency, _ := res.Float(MetaConsistency)
		stability, _ := res.Float(MetaStability)
		real, _ := res.Bool(MetaRealScene)
		assert.GreaterOrEqual(t, consistency, 0.8)
		assert.GreaterOrEqual(t, stability, 0.9)
		assert.True(t, real)
		assert.GreaterOrEqual(t, res.Confidence, 0.5)
	})

	t.Run("flat screen", func(t *testing.T) {
		res := d.Detect(ctx, []Keyframe{withDepth(flatFrame(0), screenDepth)})
		assert.Equal(t, status.Fail, res.Status)
		real, ok := res.Bool(MetaRealScene)
		require.True(t, ok)
		assert.False(t, real)
	})

	t.Run("no depth", func(t *testing.T) {
		res := d.Detect(ctx, []Keyframe{flatFrame(0)})
		assert.Equal(t, status.Unavailable, res.Status)
		assert.Equal(t, ReasonNoDepthData, res.Reason)
	})

	t.Run("mostly invalid depth", func(t *testing.T) {
		kf := withDepth(flatFrame(0), func(x, y int) float32 {
			if x%4 == 0 {
				return sceneDepth(x, y)
			}
			return float32(math.NaN())
		})
		res := d.Detect(ctx, []Keyframe{kf})
		assert.Equal(t, status.Fail, res.Status)
		ratio, _ := res.Float(MetaValidRatio)
		assert.InDelta(t, 0.25, ratio, 0.01)
	})
}

func TestMoireDetector(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	d := &MoireDetector{Threshold: 0.6}

	res := d.Detect(ctx, []Keyframe{stripeFrame(0)})
	assert.Equal(t, status.Fail, res.Status)
	assert.GreaterOrEqual(t, res.Confidence, 0.6)

	res = d.Detect(ctx, []Keyframe{noiseFrame(rng, 0), noiseFrame(rng, 1)})
	assert.Equal(t, status.Pass, res.Status)

	res = d.Detect(ctx, []Keyframe{{Width: 4, Height: 4, Luma: make([]byte, 16)}})
	assert.Equal(t, ReasonFrameTooSmall, res.Reason)

	res = d.Detect(ctx, nil)
	assert.Equal(t, ReasonNoLumaData, res.Reason)
}

func TestTextureDetector(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))
	d := &TextureDetector{MinEntropy: 0.35}

	res := d.Detect(ctx, []Keyframe{noiseFrame(rng, 0)})
	assert.Equal(t, status.Pass, res.Status)
	entropy, _ := res.Float("lbp_entropy")
	assert.Greater(t, entropy, 0.8)

	res = d.Detect(ctx, []Keyframe{flatFrame(0)})
	assert.Equal(t, status.Fail, res.Status)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestArtifactDetector(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	d := &ArtifactDetector{Threshold: 0.7}

	res := d.Detect(ctx, []Keyframe{blockFrame(rng, 0)})
	assert.Equal(t, status.Fail, res.Status)

	res = d.Detect(ctx, []Keyframe{noiseFrame(rng, 0)})
	assert.Equal(t, status.Pass, res.Status)
}

func TestDetectorsAreDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	frames := []Keyframe{withDepth(noiseFrame(rng, 0), sceneDepth), noiseFrame(rng, 30)}
	for _, d := range NewDetectors(nil, DefaultThresholds()) {
		a := d.Detect(context.Background(), frames)
		b := d.Detect(context.Background(), frames)
		assert.Equal(t, a, b, "detector %s", d.Type())
	}
}

type slowDetector struct{}

func (slowDetector) Type() Type      { return TypeTexture }
func (slowDetector) Version() string { return "slow/1" }
func (slowDetector) Detect(ctx context.Context, _ []Keyframe) Result {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return Result{Type: TypeTexture, Status: status.Pass, Confidence: 1}
}

type panickyDetector struct{}

func (panickyDetector) Type() Type      { return TypeArtifact }
func (panickyDetector) Version() string { return "panicky/1" }
func (panickyDetector) Detect(context.Context, []Keyframe) Result {
	var frames []Keyframe
	_ = frames[3]
	return Result{}
}

func testRunner(budget time.Duration, detectors ...Detector) *Runner {
	return NewRunner(budget, SourceServer, detectors,
		WithLogger(logging.Discard().Logger),
		WithMetrics(metrics.NewSet(metrics.NewRegistry("test", ""))))
}

func TestRunnerBudgetAndPanic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	r := testRunner(50*time.Millisecond, NewDepthDetector(), slowDetector{}, panickyDetector{})

	start := time.Now()
	results := r.Run(context.Background(), []Keyframe{noiseFrame(rng, 0)})
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, results, 3)
	assert.Equal(t, TypeDepth, results[0].Type)
	assert.Equal(t, ReasonNoDepthData, results[0].Reason)

	assert.Equal(t, status.Unavailable, results[1].Status)
	assert.Equal(t, ReasonBudgetExceeded, results[1].Reason)
	assert.Equal(t, "slow/1", results[1].AlgorithmVersion)

	assert.Equal(t, status.Unavailable, results[2].Status)
	assert.Equal(t, ReasonDetectorPanic, results[2].Reason)

	for _, res := range results {
		assert.Equal(t, SourceServer, res.Source)
	}
}

func TestRunnerAllDetectors(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	r := testRunner(5*time.Second, NewDetectors([]string{"artifact", "depth"}, DefaultThresholds())...)

	results := r.Run(context.Background(), []Keyframe{withDepth(noiseFrame(rng, 0), sceneDepth)})
	require.Len(t, results, 2)
	// canonical order regardless of configuration order
	assert.Equal(t, TypeDepth, results[0].Type)
	assert.Equal(t, TypeArtifact, results[1].Type)
	assert.Equal(t, status.Pass, results[0].Status)
}

func TestResultJSONMetadata(t *testing.T) {
	res := NewDepthDetector().Detect(context.Background(), []Keyframe{withDepth(flatFrame(0), sceneDepth)})
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var back Result
	require.NoError(t, json.Unmarshal(raw, &back))
	c1, _ := res.Float(MetaConsistency)
	c2, ok := back.Float(MetaConsistency)
	require.True(t, ok)
	assert.Equal(t, c1, c2)
	frames, ok := back.Float(MetaFrames)
	require.True(t, ok)
	assert.Equal(t, 1.0, frames)
}

func TestKeyframeCodecs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kf := noiseFrame(rng, 9)

	data, err := EncodeJPEG(kf, 95)
	require.NoError(t, err)
	back, err := DecodeJPEG(9, 300, data)
	require.NoError(t, err)
	assert.Equal(t, kf.Width, back.Width)
	assert.Equal(t, kf.Height, back.Height)
	assert.Equal(t, int64(300), back.TimestampMs)
	assert.True(t, back.HasLuma())

	depth := []float32{1.5, 2.25, float32(math.Inf(1)), 0}
	decoded, err := DecodeDepth(EncodeDepth(depth), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, depth, decoded)

	_, err = DecodeDepth([]byte{1, 2, 3}, 1, 1)
	assert.ErrorIs(t, err, ErrBadDepthMap)

	_, err = DecodeJPEG(0, 0, []byte("not a jpeg"))
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	s := &Sampler{Every: 30, Max: 2}
	var kept []uint64
	for i := uint64(0); i < 200; i++ {
		if s.Keep(i) {
			kept = append(kept, i)
		}
	}
	assert.Equal(t, []uint64{0, 30}, kept)
}

func TestVerdict(t *testing.T) {
	st, conf := verdict(0.9, 0.5, true)
	assert.Equal(t, status.Pass, st)
	assert.Equal(t, 0.9, conf)

	st, conf = verdict(0.0, 0.6, false)
	assert.Equal(t, status.Pass, st)
	assert.Equal(t, 1.0, conf)

	st, conf = verdict(0.6, 0.6, false)
	assert.Equal(t, status.Fail, st)
	assert.Equal(t, 0.5, conf)
}
