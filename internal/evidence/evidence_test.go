package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framewitness/internal/checkpoint"
	"framewitness/internal/confidence"
	"framewitness/internal/logging"
	"framewitness/internal/signals"
	"framewitness/internal/status"
	"framewitness/internal/verify"
)

var testStart = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testAssembler(ids ...string) *Assembler {
	n := 0
	clock := testStart
	opts := []Option{
		WithLogger(logging.Discard().Logger),
		WithClock(func() time.Time {
			clock = clock.Add(400 * time.Millisecond)
			return clock
		}),
		WithServerVersion("test"),
	}
	if len(ids) > 0 {
		opts = append(opts, WithIDFunc(func() string {
			id := ids[n%len(ids)]
			n++
			return id
		}))
	}
	return NewAssembler(opts...)
}

func passingChain() *verify.Result {
	return &verify.Result{
		Status:            status.Pass,
		ChainIntact:       true,
		AttestationValid:  true,
		VerifiedFrames:    450,
		TotalFrames:       450,
		FrameCountChecked: true,
		AnalysisSource:    verify.SourceServer,
		Mode:              verify.ModeFullMedia,
		Checkpoints: []verify.CheckpointResult{
			{Index: 0, FrameNumber: 150, HashMatches: true, Signed: true, SignatureValid: true, Counter: 1},
			{Index: 1, FrameNumber: 300, HashMatches: true, Signed: true, SignatureValid: true, Counter: 2},
		},
		MaxCounter: 3,
	}
}

func realDepth() signals.Result {
	return signals.Result{
		Type:       signals.TypeDepth,
		Status:     status.Pass,
		Confidence: 0.93,
		Metadata: map[string]any{
			signals.MetaConsistency: 0.88,
			signals.MetaStability:   0.95,
			signals.MetaRealScene:   true,
		},
		AlgorithmVersion: "depth/1",
		Source:           signals.SourceServer,
		DurationMs:       12,
	}
}

func highInput() Input {
	return Input{
		CaptureID:   "capture-1",
		DeviceID:    "device-1",
		Mode:        verify.ModeFullMedia,
		StartedAt:   testStart,
		Hardware:    confidence.HardwareCheck{Status: status.Pass},
		Attestation: &checkpoint.Attestation{Signature: []byte("sig"), Counter: 3, KeyID: "key-1", VerifiedFrameCount: 450},
		Chain:       passingChain(),
		Signals:     []signals.Result{realDepth()},
		MediaDigest: digest.FromString("frames"),
	}
}

func TestAssembleHighConfidence(t *testing.T) {
	ev, err := testAssembler("ev-1").Assemble(context.Background(), highInput())
	require.NoError(t, err)

	assert.Equal(t, "ev-1", ev.ID())
	assert.Equal(t, "capture-1", ev.CaptureID())
	assert.Equal(t, confidence.High, ev.Level())
	assert.Equal(t, status.Pass, ev.ChainStatus())
	assert.Equal(t, verify.ModeFullMedia, ev.Mode())
	assert.Equal(t, digest.FromString("frames"), ev.MediaDigest())

	rec := ev.Record()
	assert.Equal(t, SchemaVersion, rec.SchemaVersion)
	assert.Equal(t, "key-1", rec.HardwareAttestation.KeyID)
	assert.True(t, rec.HardwareAttestation.Attested)
	assert.Equal(t, status.Pass, rec.DepthAnalysis.Status)
	assert.Equal(t, uint64(450), rec.HashChain.VerifiedFrames)
	assert.Len(t, rec.HashChain.Checkpoints, 2)
	assert.Equal(t, testStart, rec.Processing.StartedAt)
	assert.Equal(t, int64(400), rec.Processing.DurationMs)
	assert.Equal(t, int64(5000), rec.Processing.BudgetMs)
	assert.Equal(t, []string{"hardware", "hash_chain", "depth"}, rec.Processing.ChecksPerformed)
	assert.Contains(t, rec.Processing.ChecksUnavailable, "moire: "+signals.ReasonNotReported)
	assert.Equal(t, "depth/1", rec.Processing.AlgorithmVersions["depth@server"])
	assert.Equal(t, "chain/1", rec.Processing.AlgorithmVersions["chain"])

	// every type is present, unreported ones marked as such
	require.Len(t, rec.Signals, len(signals.Types))
	for i, r := range rec.Signals {
		assert.Equal(t, signals.Types[i], r.Type)
	}

	var types []ClaimType
	for _, c := range rec.Claims {
		types = append(types, c.Type)
	}
	assert.Contains(t, types, ClaimChainIntegrity)
	assert.Contains(t, types, ClaimServerRecomputed)
	assert.Contains(t, types, ClaimHardwareAttested)
	assert.Contains(t, types, ClaimSceneDepth)
	assert.NotEmpty(t, rec.Limitations)
}

func TestAssembleWireShape(t *testing.T) {
	ev, err := testAssembler("ev-1").Assemble(context.Background(), highInput())
	require.NoError(t, err)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{
		"hardware_attestation", "hash_chain", "depth_analysis", "signals",
		"cross_validation", "confidence", "processing",
	} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, "high", m["confidence_level"])
	assert.Equal(t, true, m["hash_chain"].(map[string]any)["frame_count_checked"])
	assert.NoError(t, Validate(raw))

	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ev.Record(), back.Record())
	assert.Equal(t, ev.Digest(), back.Digest())
}

func TestAssembleComponentFailures(t *testing.T) {
	in := highInput()
	in.Chain = nil
	in.ChainErr = fmt.Errorf("fetch frames: %w", verify.ErrDownloadFailed)
	in.Signals = nil
	in.SignalsErr = context.DeadlineExceeded
	in.HardwareErr = Safely("hardware", func() error {
		var m map[string]int
		m["boom"]++
		return nil
	})

	ev, err := testAssembler().Assemble(context.Background(), in)
	require.NoError(t, err)
	rec := ev.Record()

	assert.Equal(t, status.Unavailable, rec.HardwareAttestation.Status)
	assert.Equal(t, ReasonComponentPanic, rec.HardwareAttestation.Reason)
	assert.Equal(t, status.Unavailable, rec.HashChain.Status)
	assert.Equal(t, ReasonDownloadFailed, rec.HashChain.Reason)
	for _, r := range rec.Signals {
		assert.Equal(t, status.Unavailable, r.Status)
		assert.Equal(t, ReasonBudgetExceeded, r.Reason)
	}
	// missing data lowers the level but is never read as fabrication
	assert.Equal(t, confidence.Low, ev.Level())
	assert.Empty(t, rec.Processing.ChecksPerformed)
}

func TestAssembleHashOnlyAndPartial(t *testing.T) {
	in := highInput()
	in.Mode = verify.ModeHashOnly
	in.Chain.AnalysisSource = verify.SourceDevice
	in.Chain.Status = status.Partial
	in.Chain.VerifiedFrames = 300
	in.Attestation.IsPartial = true
	idx := uint32(1)
	in.Attestation.CheckpointIndex = &idx
	in.Signals[0].Source = signals.SourceDevice

	ev, err := testAssembler().Assemble(context.Background(), in)
	require.NoError(t, err)
	rec := ev.Record()

	assert.NotEqual(t, confidence.High, ev.Level())
	assert.True(t, rec.HardwareAttestation.IsPartial)
	for _, c := range rec.Claims {
		assert.NotEqual(t, ClaimServerRecomputed, c.Type)
	}
	joined := fmt.Sprint(rec.Limitations)
	assert.Contains(t, joined, "Hash-only upload")
	assert.Contains(t, joined, "first 300 frames")
}

func TestReprocessingCreatesNewRecord(t *testing.T) {
	a := NewAssembler(WithLogger(logging.Discard().Logger))
	first, err := a.Assemble(context.Background(), highInput())
	require.NoError(t, err)

	in := highInput()
	in.Supersedes = first.ID()
	second, err := a.Assemble(context.Background(), in)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, first.ID(), second.Supersedes())
	assert.Empty(t, first.Supersedes())
}

func TestEvidenceIsImmutable(t *testing.T) {
	ev, err := testAssembler("ev-1").Assemble(context.Background(), highInput())
	require.NoError(t, err)
	before, err := ev.MarshalJSON()
	require.NoError(t, err)

	rec := ev.Record()
	rec.ConfidenceLevel = confidence.Suspicious
	rec.Signals[0].Metadata[signals.MetaRealScene] = false
	rec.HashChain.Checkpoints[0].HashMatches = false

	out, err := ev.MarshalJSON()
	require.NoError(t, err)
	out[0] = 'X'

	after, err := ev.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, confidence.High, ev.Level())
	assert.True(t, ev.Record().HashChain.Checkpoints[0].HashMatches)
}

func TestAssembleRequiresIDs(t *testing.T) {
	in := highInput()
	in.CaptureID = ""
	_, err := testAssembler().Assemble(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseRejects(t *testing.T) {
	ev, err := testAssembler("ev-1").Assemble(context.Background(), highInput())
	require.NoError(t, err)
	raw, err := ev.MarshalJSON()
	require.NoError(t, err)

	mutate := func(fn func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		fn(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"garbage", []byte("{not json"), ErrMalformedRecord},
		{"unknown level", mutate(func(m map[string]any) { m["confidence_level"] = "certain" }), ErrSchemaInvalid},
		{"missing processing", mutate(func(m map[string]any) { delete(m, "processing") }), ErrSchemaInvalid},
		{"wrong schema version", mutate(func(m map[string]any) { m["schema_version"] = "v0" }), ErrSchemaInvalid},
		{"unavailable without reason", mutate(func(m map[string]any) {
			hc := m["hash_chain"].(map[string]any)
			hc["status"] = "unavailable"
			delete(hc, "reason")
		}), ErrSchemaInvalid},
		{"score out of range", mutate(func(m map[string]any) {
			m["confidence"].(map[string]any)["overall_score"] = 1.5
		}), ErrSchemaInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", verify.ErrDownloadFailed), ReasonDownloadFailed},
		{fmt.Errorf("x: %w", verify.ErrDecompressFailed), ReasonDecompressFailed},
		{fmt.Errorf("x: %w", verify.ErrStructurallyInvalidChain), ReasonStructurallyInvalid},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), ReasonBudgetExceeded},
		{context.Canceled, ReasonCancelled},
		{fmt.Errorf("%w: detector", ErrComponentPanic), ReasonComponentPanic},
		{errors.New("disk on fire"), ReasonInternalError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ReasonFor(tc.err), "%v", tc.err)
	}
}

func TestSafely(t *testing.T) {
	assert.NoError(t, Safely("ok", func() error { return nil }))

	sentinel := errors.New("plain failure")
	assert.ErrorIs(t, Safely("err", func() error { return sentinel }), sentinel)

	err := Safely("detector", func() error { panic("index out of range") })
	require.ErrorIs(t, err, ErrComponentPanic)
	assert.Contains(t, err.Error(), "detector")
}

func TestSchemaIsEmbedded(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal(Schema(), &doc))
	assert.Contains(t, doc, "$defs")
}
