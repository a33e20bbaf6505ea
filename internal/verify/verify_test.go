package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framewitness/internal/chain"
	"framewitness/internal/checkpoint"
	"framewitness/internal/hardware"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/status"
)

var captureStart = time.UnixMilli(1700000000000)

const deviceID = "device-1"

// =============================================================================
// Helpers
// =============================================================================

type capture struct {
	frames [][]byte
	chain  *chain.HashChainData
	att    *checkpoint.Attestation
	dev    *hardware.SoftwareDevice
}

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte(fmt.Sprintf("frame-%04d", i))
	}
	return frames
}

func newDevice(t *testing.T) *hardware.SoftwareDevice {
	t.Helper()
	dev, err := hardware.GenerateSoftwareDevice()
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

// record builds the chain for n frames at 30fps with a checkpoint every 150
// frames, signing checkpoints with dev.
func record(t *testing.T, dev hardware.Device, n int) (*chain.Builder, [][]byte) {
	t.Helper()
	ctx := context.Background()
	frames := testFrames(n)
	b := chain.NewBuilder(deviceID, captureStart)
	for i, f := range frames {
		if i > 0 && i%150 == 0 {
			cp, err := b.MarkCheckpoint(time.Duration(i/150) * 5 * time.Second)
			require.NoError(t, err)
			sig, err := hardware.SignChainState(ctx, dev, chain.DomainCheckpoint, cp.Index, cp.FrameNumber, cp.ChainStateHash)
			require.NoError(t, err)
			require.NoError(t, b.AttachSignature(cp.Index, sig.Bytes, sig.Counter, sig.KeyID))
		}
		require.NoError(t, b.Append(f, uint64(i)))
	}
	return b, frames
}

func finalCapture(t *testing.T, dev hardware.Device, n int) capture {
	t.Helper()
	b, frames := record(t, dev, n)
	snap, err := b.Snapshot()
	require.NoError(t, err)
	sig, err := hardware.SignChainState(context.Background(), dev, chain.DomainFinal,
		uint32(len(snap.Checkpoints)), snap.FrameCount, snap.FinalHash)
	require.NoError(t, err)
	att := &checkpoint.Attestation{
		HashSigned:         snap.FinalHash,
		Signature:          sig.Bytes,
		VerifiedFrameCount: snap.FrameCount,
		VerifiedDurationMs: int64(n) * 1000 / 30,
		Counter:            sig.Counter,
		KeyID:              sig.KeyID,
	}
	sd, _ := dev.(*hardware.SoftwareDevice)
	return capture{frames: frames, chain: snap, att: att, dev: sd}
}

func partialCapture(t *testing.T, dev hardware.Device, n int) capture {
	t.Helper()
	b, frames := record(t, dev, n)
	snap, err := b.Snapshot()
	require.NoError(t, err)
	cp, ok := snap.LastCheckpoint()
	require.True(t, ok)
	sig, err := hardware.SignChainState(context.Background(), dev, chain.DomainPartial,
		cp.Index, cp.FrameNumber, cp.ChainStateHash)
	require.NoError(t, err)
	idx := cp.Index
	att := &checkpoint.Attestation{
		HashSigned:         cp.ChainStateHash,
		Signature:          sig.Bytes,
		IsPartial:          true,
		CheckpointIndex:    &idx,
		VerifiedFrameCount: cp.FrameNumber,
		VerifiedDurationMs: cp.TimestampMs,
		Counter:            sig.Counter,
		KeyID:              sig.KeyID,
	}
	sd, _ := dev.(*hardware.SoftwareDevice)
	return capture{frames: frames, chain: snap, att: att, dev: sd}
}

func (c capture) input() Input {
	return Input{
		DeviceID:    deviceID,
		CaptureID:   "capture-1",
		Chain:       c.chain,
		Attestation: c.att,
		PublicKey:   c.dev.Public(),
		Frames:      c.frames,
	}
}

func testVerifier() *ChainVerifier {
	return NewChainVerifier(
		WithLogger(logging.Discard().Logger),
		WithMetrics(metrics.NewSet(metrics.NewRegistry("test", ""))))
}

type memCounters struct {
	mu       sync.Mutex
	last     map[string]uint64
	captures map[string]uint64
}

func newMemCounters() *memCounters {
	return &memCounters{last: map[string]uint64{}, captures: map[string]uint64{}}
}

func (m *memCounters) LastCounter(_ context.Context, device string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[device], nil
}

func (m *memCounters) CaptureCounter(_ context.Context, device, captureID string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.captures[device+"/"+captureID]
	return v, ok, nil
}

func (m *memCounters) AdvanceCounter(_ context.Context, device, captureID string, counter uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counter <= m.last[device] {
		return ErrReplayDetected
	}
	m.last[device] = counter
	m.captures[device+"/"+captureID] = counter
	return nil
}

func verify(t *testing.T, in Input) *Result {
	t.Helper()
	res, err := testVerifier().Verify(context.Background(), in)
	require.NoError(t, err)
	return res
}

// =============================================================================
// Full media
// =============================================================================

func TestFullMediaRoundTrip(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	res := verify(t, c.input())

	assert.Equal(t, status.Pass, res.Status, res.Errors)
	assert.True(t, res.ChainIntact)
	assert.True(t, res.AttestationValid)
	assert.Equal(t, uint64(450), res.VerifiedFrames)
	assert.Equal(t, uint64(450), res.TotalFrames)
	assert.Nil(t, res.BrokenAtFrame)
	assert.Equal(t, ModeFullMedia, res.Mode)
	assert.Equal(t, SourceServer, res.AnalysisSource)
	require.Len(t, res.Checkpoints, 2)
	for _, cp := range res.Checkpoints {
		assert.True(t, cp.HashMatches)
		assert.True(t, cp.SignatureValid)
	}
	assert.Equal(t, uint64(3), res.MaxCounter)
	assert.NoError(t, res.Err())
}

func TestTamperBeforeFirstCheckpoint(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	c.frames[120] = []byte("replaced")

	res := verify(t, c.input())
	assert.Equal(t, status.Fail, res.Status)
	assert.False(t, res.ChainIntact)
	require.NotNil(t, res.BrokenAtFrame)
	assert.Equal(t, uint64(120), *res.BrokenAtFrame)
	assert.Equal(t, uint64(0), res.VerifiedFrames)
	assert.False(t, res.Checkpoints[0].HashMatches)
	assert.False(t, res.Checkpoints[1].HashMatches)
	assert.ErrorIs(t, res.Err(), ErrChainBroken)
}

func TestTamperLeavesEarlierCheckpoints(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	c.frames[200] = []byte("replaced")

	res := verify(t, c.input())
	assert.Equal(t, status.Fail, res.Status)
	assert.False(t, res.ChainIntact)
	assert.True(t, res.Checkpoints[0].HashMatches, "checkpoint before the edit still recomputes")
	assert.False(t, res.Checkpoints[1].HashMatches)
	assert.Equal(t, uint64(150), res.VerifiedFrames)
	require.NotNil(t, res.BrokenAtFrame)
	assert.Equal(t, uint64(200), *res.BrokenAtFrame)
}

func TestReorderedFramesBreakChain(t *testing.T) {
	c := finalCapture(t, newDevice(t), 90)
	c.frames[30], c.frames[31] = c.frames[31], c.frames[30]

	res := verify(t, c.input())
	assert.False(t, res.ChainIntact)
	require.NotNil(t, res.BrokenAtFrame)
	assert.Equal(t, uint64(30), *res.BrokenAtFrame)
}

func TestMissingFrames(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	c.frames = c.frames[:440]

	res := verify(t, c.input())
	assert.Equal(t, status.Fail, res.Status)
	assert.False(t, res.ChainIntact, "the final attestation covers the missing tail")
	require.NotNil(t, res.BrokenAtFrame)
	assert.Equal(t, uint64(440), *res.BrokenAtFrame)
	assert.Equal(t, uint64(300), res.VerifiedFrames)
}

// =============================================================================
// Partial captures
// =============================================================================

func TestPartialAttestation(t *testing.T) {
	// 12 s at 30 fps, interrupted after the 10 s checkpoint
	c := partialCapture(t, newDevice(t), 360)
	res := verify(t, c.input())

	assert.Equal(t, status.Partial, res.Status, res.Errors)
	assert.True(t, res.ChainIntact)
	assert.True(t, res.AttestationValid)
	assert.Equal(t, uint64(300), res.VerifiedFrames)
	assert.Equal(t, uint64(360), res.TotalFrames)
}

func TestBreakAfterLastSignedCheckpointIsPartial(t *testing.T) {
	c := partialCapture(t, newDevice(t), 360)
	c.frames[330] = []byte("replaced")

	res := verify(t, c.input())
	assert.Equal(t, status.Partial, res.Status)
	assert.True(t, res.ChainIntact)
	assert.True(t, res.AttestationValid)
	assert.Equal(t, uint64(300), res.VerifiedFrames)
	require.NotNil(t, res.BrokenAtFrame)
	assert.Equal(t, uint64(330), *res.BrokenAtFrame)
}

func TestPartialAttestationMustMatchCheckpoint(t *testing.T) {
	c := partialCapture(t, newDevice(t), 360)
	c.att.VerifiedFrameCount = 310

	res := verify(t, c.input())
	assert.Equal(t, status.Fail, res.Status)
	assert.False(t, res.ChainIntact)
	assert.ErrorIs(t, res.Err(), ErrStructurallyInvalidChain)
}

// =============================================================================
// Hash-only mode
// =============================================================================

func TestHashOnlySelfConsistent(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	in := c.input()
	in.Frames = nil

	res := verify(t, in)
	assert.Equal(t, status.Pass, res.Status, res.Errors)
	assert.True(t, res.ChainIntact)
	assert.Equal(t, ModeHashOnly, res.Mode)
	assert.Equal(t, SourceDevice, res.AnalysisSource)
	assert.Less(t, len(c.chain.FrameHashes), 450, "payload is sparse")
}

func TestHashOnlyDetectsBrokenLink(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	for i, e := range c.chain.FrameHashes {
		if e.FrameIndex == 59 {
			c.chain.FrameHashes[i].Hash[0] ^= 0xff
		}
	}
	in := c.input()
	in.Frames = nil

	res := verify(t, in)
	assert.Equal(t, status.Fail, res.Status)
	assert.False(t, res.ChainIntact)
	require.NotNil(t, res.BrokenAtFrame)
	assert.Equal(t, uint64(60), *res.BrokenAtFrame)
}

func TestHashOnlyMissingEntry(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	c.chain.FrameHashes = c.chain.FrameHashes[:len(c.chain.FrameHashes)-1]
	in := c.input()
	in.Frames = nil

	res := verify(t, in)
	assert.False(t, res.ChainIntact)
	require.NotNil(t, res.BrokenAtFrame)
	assert.Equal(t, uint64(449), *res.BrokenAtFrame)
}

// =============================================================================
// Signatures
// =============================================================================

func TestInvalidCheckpointSignatureFails(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	c.chain.Checkpoints[0].Signature[10] ^= 0xff

	res := verify(t, c.input())
	assert.Equal(t, status.Fail, res.Status)
	assert.True(t, res.ChainIntact, "structure is fine, only the signature is bad")
	assert.False(t, res.AttestationValid)
	assert.False(t, res.Checkpoints[0].SignatureValid)
	assert.ErrorIs(t, res.Err(), ErrSignatureInvalid)
}

func TestWrongDeviceKey(t *testing.T) {
	c := finalCapture(t, newDevice(t), 90)
	in := c.input()
	in.PublicKey = newDevice(t).Public()

	res := verify(t, in)
	assert.Equal(t, status.Fail, res.Status)
	assert.False(t, res.AttestationValid)
	assert.ErrorIs(t, res.Err(), ErrSignatureInvalid)
}

func TestUnattestedCapture(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	c.att.Signature = nil
	c.att.UnattestedReason = checkpoint.ReasonRetriesExhausted

	res := verify(t, c.input())
	assert.Equal(t, status.Pass, res.Status)
	assert.True(t, res.ChainIntact)
	assert.False(t, res.AttestationValid)
	assert.ErrorIs(t, res.Err(), ErrUnattested)
}

func TestUnsignedCheckpointsAreNotInvalid(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	c.chain.Checkpoints[1].Signature = nil

	res := verify(t, c.input())
	assert.Equal(t, status.Pass, res.Status, res.Errors)
	assert.True(t, res.AttestationValid)
	assert.False(t, res.Checkpoints[1].Signed)
}

// =============================================================================
// Plausibility and structure
// =============================================================================

func TestFrameCountPlausibility(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)

	tests := []struct {
		name   string
		media  MediaInfo
		status status.Status
	}{
		{"matches", MediaInfo{DurationMs: 15000, FrameRate: 30}, status.Pass},
		{"within tolerance", MediaInfo{DurationMs: 14000, FrameRate: 30}, status.Pass},
		{"too many frames", MediaInfo{DurationMs: 10000, FrameRate: 30}, status.Fail},
		{"unknown metadata", MediaInfo{}, status.Pass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := c.input()
			in.Media = tt.media
			res := verify(t, in)
			assert.Equal(t, tt.status, res.Status)
			if tt.status == status.Fail {
				assert.ErrorIs(t, res.Err(), ErrImplausibleFrameCount)
			}
		})
	}
}

func TestFrameCountCheckedAgainstCadence(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)

	tests := []struct {
		name    string
		media   MediaInfo
		status  status.Status
		checked bool
	}{
		{"rate omitted", MediaInfo{DurationMs: 15000}, status.Pass, true},
		{"rate omitted, too many frames", MediaInfo{DurationMs: 10000}, status.Fail, false},
		{"rate disagrees with checkpoints", MediaInfo{DurationMs: 7500, FrameRate: 60}, status.Fail, false},
		{"no duration", MediaInfo{FrameRate: 30}, status.Pass, false},
		{"no metadata", MediaInfo{}, status.Pass, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := c.input()
			in.Frames = nil
			in.Media = tt.media
			res := verify(t, in)
			assert.Equal(t, tt.status, res.Status, res.Errors)
			assert.Equal(t, tt.checked, res.FrameCountChecked)
			if tt.status == status.Fail {
				assert.ErrorIs(t, res.Err(), ErrImplausibleFrameCount)
			}
		})
	}
}

func TestShortCaptureCountIsUnchecked(t *testing.T) {
	// no checkpoint yet, so only the declared rate is available
	c := finalCapture(t, newDevice(t), 90)
	in := c.input()
	in.Frames = nil
	in.Media = MediaInfo{DurationMs: 3000, FrameRate: 30}

	res := verify(t, in)
	assert.Equal(t, status.Pass, res.Status, res.Errors)
	assert.False(t, res.FrameCountChecked)

	in.Frames = c.frames
	res = verify(t, in)
	assert.True(t, res.FrameCountChecked, "uploaded frames confirm the count")
}

func TestInterruptedCaptureWithFullDurationIsPlausible(t *testing.T) {
	c := partialCapture(t, newDevice(t), 360)
	in := c.input()
	in.Frames = nil
	in.Media = MediaInfo{DurationMs: 12000, FrameRate: 30}

	res := verify(t, in)
	assert.Equal(t, status.Partial, res.Status, res.Errors)
	assert.True(t, res.ChainIntact)
	assert.True(t, res.FrameCountChecked)
	assert.Equal(t, uint64(300), res.VerifiedFrames)
}

func TestOversizedFrameCountRejectedQuickly(t *testing.T) {
	c := finalCapture(t, newDevice(t), 30)
	huge := c.chain.Clone()
	huge.FrameCount = 1 << 26
	huge.FrameHashes = huge.FrameHashes[:1]
	huge.Checkpoints = nil

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	in := c.input()
	in.Frames = nil
	in.Attestation = nil
	in.Chain = huge

	start := time.Now()
	res, err := testVerifier().Verify(ctx, in)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, status.Fail, res.Status)
	assert.ErrorIs(t, res.Err(), ErrStructurallyInvalidChain)

	// under the cap, the entries still have to be able to cover the count
	huge.FrameCount = 1 << 19
	res, err = testVerifier().Verify(ctx, in)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), ErrStructurallyInvalidChain)
	assert.Contains(t, res.Errors[0], "cannot cover")
}

func TestStructurallyInvalidChain(t *testing.T) {
	c := finalCapture(t, newDevice(t), 60)

	_, err := testVerifier().Verify(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrStructurallyInvalidChain)

	mutations := map[string]func(*chain.HashChainData){
		"algorithm":  func(d *chain.HashChainData) { d.AlgorithmVersion = "chain/0" },
		"seed":       func(d *chain.HashChainData) { d.SeedHash[0] ^= 1 },
		"device":     func(d *chain.HashChainData) { d.DeviceID = "device-2" },
		"no frames":  func(d *chain.HashChainData) { d.FrameCount = 0 },
		"final hash": func(d *chain.HashChainData) { d.FinalHash[0] ^= 1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			in := c.input()
			in.Chain = c.chain.Clone()
			mutate(in.Chain)
			res := verify(t, in)
			assert.Equal(t, status.Fail, res.Status)
			assert.False(t, res.ChainIntact)
			assert.ErrorIs(t, res.Err(), ErrStructurallyInvalidChain)
		})
	}
}

// =============================================================================
// Replay
// =============================================================================

func TestReplayRejected(t *testing.T) {
	counters := newMemCounters()
	c := finalCapture(t, newDevice(t), 450)

	in := c.input()
	in.Counters = counters
	res := verify(t, in)
	require.Equal(t, status.Pass, res.Status, res.Errors)
	last, _ := counters.LastCounter(context.Background(), deviceID)
	assert.Equal(t, uint64(3), last)

	// the same signatures submitted as another capture
	in.CaptureID = "capture-2"
	res = verify(t, in)
	assert.Equal(t, status.Fail, res.Status)
	assert.False(t, res.AttestationValid)
	assert.ErrorIs(t, res.Err(), ErrReplayDetected)

	// reprocessing the accepted capture is allowed
	in.CaptureID = "capture-1"
	res = verify(t, in)
	assert.Equal(t, status.Pass, res.Status, res.Errors)
}

func TestDuplicateCounterWithinCapture(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	first, err := hardware.NewSoftwareDevice(key, 0)
	require.NoError(t, err)
	// a second handle on the same key restarts the counter
	second, err := hardware.NewSoftwareDevice(key, 0)
	require.NoError(t, err)

	b, frames := record(t, first, 200)
	snap, err := b.Snapshot()
	require.NoError(t, err)
	sig, err := hardware.SignChainState(context.Background(), second, chain.DomainFinal,
		uint32(len(snap.Checkpoints)), snap.FrameCount, snap.FinalHash)
	require.NoError(t, err)
	c := capture{frames: frames, chain: snap, dev: first, att: &checkpoint.Attestation{
		HashSigned:         snap.FinalHash,
		Signature:          sig.Bytes,
		VerifiedFrameCount: snap.FrameCount,
		Counter:            sig.Counter,
		KeyID:              sig.KeyID,
	}}

	res := verify(t, c.input())
	assert.Equal(t, status.Fail, res.Status)
	assert.ErrorIs(t, res.Err(), ErrReplayDetected)
}

func TestVerifyHonoursContext(t *testing.T) {
	c := finalCapture(t, newDevice(t), 450)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testVerifier().Verify(ctx, c.input())
	assert.ErrorIs(t, err, context.Canceled)
}
