// Package verify checks an uploaded hash chain against its media, its
// checkpoints and the device's signatures.
//
// In full-media mode every frame is rehashed with the same algorithm the
// capture client used. In hash-only mode there are no frames, so only the
// declared structure is checked for self-consistency: the result is then
// tagged with analysis source "device", since nothing was recomputed by the
// server.
package verify

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"framewitness/internal/chain"
	"framewitness/internal/checkpoint"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/signer"
	"framewitness/internal/status"
)

var (
	ErrDownloadFailed           = errors.New("verify: media download failed")
	ErrDecompressFailed         = errors.New("verify: media decompression failed")
	ErrStructurallyInvalidChain = errors.New("verify: structurally invalid chain")
	ErrSignatureInvalid         = errors.New("verify: signature verification failed")
	ErrReplayDetected           = errors.New("verify: signature counter replayed")
	ErrImplausibleFrameCount    = errors.New("verify: declared frame count is implausible")
	ErrChainBroken              = errors.New("verify: chain does not recompute")
	ErrUnattested               = errors.New("verify: capture is unattested")
	ErrNoPublicKey              = errors.New("verify: no device public key")
)

// Mode says how much of the capture the server could check.
type Mode string

const (
	ModeFullMedia Mode = "full_media"
	ModeHashOnly  Mode = "hash_only"
)

// Analysis sources.
const (
	SourceServer = "server"
	SourceDevice = "device"
)

// CounterStore tracks the highest signature counter accepted per device.
type CounterStore interface {
	// LastCounter returns the highest accepted counter, or zero.
	LastCounter(ctx context.Context, deviceID string) (uint64, error)
	// CaptureCounter returns the counter recorded when captureID was last
	// accepted, so a capture can be reprocessed without tripping the
	// replay check.
	CaptureCounter(ctx context.Context, deviceID, captureID string) (uint64, bool, error)
	// AdvanceCounter records counter for the device. It fails with an
	// error wrapping ErrReplayDetected unless counter is greater than the
	// stored value.
	AdvanceCounter(ctx context.Context, deviceID, captureID string, counter uint64) error
}

// MediaInfo is capture metadata the server learned independently of the
// declared chain, such as container duration and nominal frame rate.
type MediaInfo struct {
	DurationMs int64
	FrameRate  float64
}

// Input is everything needed to verify one capture.
type Input struct {
	DeviceID    string
	CaptureID   string
	Chain       *chain.HashChainData
	Attestation *checkpoint.Attestation
	PublicKey   crypto.PublicKey
	// Frames holds the raw frame data in order. Nil selects hash-only mode.
	Frames   [][]byte
	Media    MediaInfo
	Counters CounterStore
}

// CheckpointResult is the outcome for one declared checkpoint.
type CheckpointResult struct {
	Index          uint32 `json:"index"`
	FrameNumber    uint64 `json:"frame_number"`
	HashMatches    bool   `json:"hash_matches"`
	Signed         bool   `json:"signed"`
	SignatureValid bool   `json:"signature_valid"`
	Counter        uint64 `json:"counter,omitempty"`
}

// Result is the verifier's verdict on a capture.
//
// ChainIntact covers the verified range: a break after the last validly
// signed point leaves it true and makes Status partial, with BrokenAtFrame
// recording where the unverified tail diverges.
type Result struct {
	Status           status.Status      `json:"status"`
	ChainIntact      bool               `json:"chain_intact"`
	AttestationValid bool               `json:"attestation_valid"`
	VerifiedFrames   uint64             `json:"verified_frames"`
	TotalFrames      uint64             `json:"total_frames"`
	BrokenAtFrame    *uint64            `json:"broken_at_frame,omitempty"`
	AnalysisSource   string             `json:"analysis_source"`
	Mode             Mode               `json:"mode"`
	Checkpoints      []CheckpointResult `json:"checkpoints"`
	Errors           []string           `json:"errors,omitempty"`
	MaxCounter       uint64             `json:"max_counter,omitempty"`

	// FrameCountChecked is set when the declared frame count was confirmed
	// by something other than the declaration: the uploaded frames, or the
	// checkpoint cadence together with the media duration.
	FrameCountChecked bool `json:"frame_count_checked"`

	errs []error
}

// Err joins every problem found. It matches the package's sentinel errors
// with errors.Is.
func (r *Result) Err() error {
	return errors.Join(r.errs...)
}

func (r *Result) fail(err error) {
	r.errs = append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
}

// DefaultMaxFrames is the largest frame count a chain may declare unless
// WithMaxFrames says otherwise.
const DefaultMaxFrames = 1 << 20

// VerifierOption configures a ChainVerifier.
type VerifierOption func(*ChainVerifier)

// WithFrameTolerance sets the accepted deviation between the declared frame
// count and duration times frame rate: ratio of the expected count plus a
// fixed number of frames.
func WithFrameTolerance(ratio float64, slack uint64) VerifierOption {
	return func(v *ChainVerifier) {
		v.tolerance = ratio
		v.slack = slack
	}
}

// WithMaxFrames caps the frame count a chain may declare. Zero removes the
// cap.
func WithMaxFrames(n uint64) VerifierOption {
	return func(v *ChainVerifier) { v.maxFrames = n }
}

// WithLogger sets the verifier's logger.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *ChainVerifier) { v.logger = l }
}

// WithMetrics sets the metric set verifications are recorded on.
func WithMetrics(m *metrics.Set) VerifierOption {
	return func(v *ChainVerifier) { v.metrics = m }
}

// ChainVerifier verifies captures. It holds no per-capture state and is
// safe for concurrent use.
type ChainVerifier struct {
	tolerance float64
	slack     uint64
	maxFrames uint64
	logger    *slog.Logger
	metrics   *metrics.Set
}

// NewChainVerifier creates a verifier.
func NewChainVerifier(opts ...VerifierOption) *ChainVerifier {
	v := &ChainVerifier{
		tolerance: 0.10,
		slack:     2,
		maxFrames: DefaultMaxFrames,
		logger:    logging.Default().Logger,
		metrics:   metrics.Global(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks in and returns the verdict. The returned error is non-nil
// only when verification could not run at all (no chain, or ctx done);
// problems found in the capture are reported through the Result.
func (v *ChainVerifier) Verify(ctx context.Context, in Input) (*Result, error) {
	if in.Chain == nil {
		return nil, fmt.Errorf("%w: no chain data", ErrStructurallyInvalidChain)
	}
	start := time.Now()
	timer := v.metrics.VerifyDuration.Timer()
	defer timer.Stop()

	res := &Result{
		Status:         status.Pass,
		TotalFrames:    in.Chain.FrameCount,
		Mode:           ModeHashOnly,
		AnalysisSource: SourceDevice,
	}
	if in.Frames != nil {
		res.Mode = ModeFullMedia
		res.AnalysisSource = SourceServer
	}

	if err := v.checkStructure(in); err != nil {
		res.fail(err)
		res.Status = status.Fail
		v.finish(ctx, in, res, start)
		return res, nil
	}

	checked, implausible := v.checkPlausibility(in)
	res.FrameCountChecked = checked || (res.Mode == ModeFullMedia && uint64(len(in.Frames)) == in.Chain.FrameCount)

	// The first frame index whose declared hash does not recompute.
	var broken *uint64
	if res.Mode == ModeFullMedia {
		broken = v.recompute(ctx, in, res)
	} else {
		broken = v.linkCheck(ctx, in, res)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signedThrough := v.checkSignatures(in, res)

	switch {
	case broken == nil:
		res.ChainIntact = true
		res.VerifiedFrames = in.Chain.FrameCount
	case signedThrough > 0 && *broken >= signedThrough:
		res.ChainIntact = true
		res.BrokenAtFrame = broken
		res.VerifiedFrames = signedThrough
		res.Status = worst(res.Status, status.Partial)
		res.fail(fmt.Errorf("%w: unsigned tail diverges at frame %d", ErrChainBroken, *broken))
	default:
		res.BrokenAtFrame = broken
		res.VerifiedFrames = v.verifiedBefore(res, *broken)
		res.Status = status.Fail
		res.fail(fmt.Errorf("%w: at frame %d", ErrChainBroken, *broken))
	}

	if att := in.Attestation; att != nil && att.IsPartial && res.ChainIntact {
		res.VerifiedFrames = min(res.VerifiedFrames, att.VerifiedFrameCount)
		res.Status = worst(res.Status, status.Partial)
	}

	if implausible != nil {
		res.fail(implausible)
		res.Status = status.Fail
		res.FrameCountChecked = false
	}

	v.checkReplay(ctx, in, res)
	v.finish(ctx, in, res, start)
	return res, nil
}

func (v *ChainVerifier) finish(ctx context.Context, in Input, res *Result, start time.Time) {
	if res.Status != status.Fail && res.MaxCounter > 0 && in.Counters != nil && in.DeviceID != "" {
		if err := in.Counters.AdvanceCounter(ctx, in.DeviceID, in.CaptureID, res.MaxCounter); err != nil {
			if !errors.Is(err, ErrReplayDetected) {
				err = fmt.Errorf("%w: advance counter: %v", ErrReplayDetected, err)
			}
			res.fail(err)
			res.Status = status.Fail
			res.AttestationValid = false
		}
	}

	v.metrics.ChainStatus.With(res.Status.String()).Inc()
	v.logger.Info("chain verified",
		"capture_id", in.CaptureID,
		"device_id", in.DeviceID,
		"mode", res.Mode,
		"status", res.Status,
		"chain_intact", res.ChainIntact,
		"attestation_valid", res.AttestationValid,
		"verified_frames", res.VerifiedFrames,
		"total_frames", res.TotalFrames,
		"took", time.Since(start))
}

// checkStructure validates everything that does not depend on frame data or
// keys. Any failure here means the chain cannot be interpreted at all.
func (v *ChainVerifier) checkStructure(in Input) error {
	c := in.Chain
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrStructurallyInvalidChain, fmt.Sprintf(format, args...))
	}

	if c.AlgorithmVersion != chain.AlgorithmVersion {
		return invalid("algorithm %q", c.AlgorithmVersion)
	}
	if in.DeviceID != "" && c.DeviceID != in.DeviceID {
		return invalid("chain belongs to device %q", c.DeviceID)
	}
	if c.FrameCount == 0 {
		return invalid("no frames")
	}
	if v.maxFrames > 0 && c.FrameCount > v.maxFrames {
		return invalid("declares %d frames, limit is %d", c.FrameCount, v.maxFrames)
	}
	// every stride window keeps at least one entry
	if in.Frames == nil && c.FrameCount > uint64(len(c.FrameHashes))*max(uint64(c.SparseInterval), 1) {
		return invalid("%d entries at stride %d cannot cover %d frames", len(c.FrameHashes), c.SparseInterval, c.FrameCount)
	}
	if seed := chain.Seed(c.DeviceID, time.UnixMilli(c.CaptureStartMs)); seed != c.SeedHash {
		return invalid("seed does not derive from device and start time")
	}

	var prevFrame uint64
	var prevTs int64
	for i, cp := range c.Checkpoints {
		switch {
		case cp.Index != uint32(i):
			return invalid("checkpoint %d declares index %d", i, cp.Index)
		case cp.FrameNumber == 0 || cp.FrameNumber > c.FrameCount:
			return invalid("checkpoint %d covers %d of %d frames", i, cp.FrameNumber, c.FrameCount)
		case i > 0 && cp.FrameNumber <= prevFrame:
			return invalid("checkpoint %d does not advance", i)
		case cp.TimestampMs < prevTs:
			return invalid("checkpoint %d goes back in time", i)
		}
		prevFrame, prevTs = cp.FrameNumber, cp.TimestampMs
	}

	var prev uint64
	for i, e := range c.FrameHashes {
		if e.FrameIndex >= c.FrameCount || (i > 0 && e.FrameIndex <= prev) {
			return invalid("frame hash entry %d is out of order", i)
		}
		prev = e.FrameIndex
	}

	if att := in.Attestation; att != nil {
		if att.IsPartial {
			if att.CheckpointIndex == nil || int(*att.CheckpointIndex) >= len(c.Checkpoints) {
				return invalid("partial attestation names no declared checkpoint")
			}
			cp := c.Checkpoints[*att.CheckpointIndex]
			if att.HashSigned != cp.ChainStateHash || att.VerifiedFrameCount != cp.FrameNumber || att.VerifiedDurationMs != cp.TimestampMs {
				return invalid("partial attestation disagrees with checkpoint %d", cp.Index)
			}
		} else if att.HashSigned != c.FinalHash || att.VerifiedFrameCount != c.FrameCount {
			return invalid("final attestation disagrees with the chain")
		}
	}
	return nil
}

// recompute rehashes every frame and compares the declared sparse entries,
// checkpoints and final hash.
func (v *ChainVerifier) recompute(ctx context.Context, in Input, res *Result) *uint64 {
	c := in.Chain
	var broken *uint64
	mark := func(i uint64) {
		if broken == nil || i < *broken {
			broken = &i
		}
	}

	hashes := make([]chain.Hash, len(in.Frames))
	prev := c.SeedHash
	for i, f := range in.Frames {
		if i%256 == 0 && ctx.Err() != nil {
			return nil
		}
		prev = chain.Link(prev, f, uint64(i))
		hashes[i] = prev
	}
	at := func(i uint64) (chain.Hash, bool) {
		if i >= uint64(len(hashes)) {
			return chain.Hash{}, false
		}
		return hashes[i], true
	}

	if n := uint64(len(in.Frames)); n != c.FrameCount {
		// missing frames break the chain where they start; extra frames
		// start right after the declared end
		mark(min(n, c.FrameCount))
	}
	for _, e := range c.FrameHashes {
		h, ok := at(e.FrameIndex)
		if !ok || h != e.Hash {
			mark(e.FrameIndex)
			continue
		}
		prevHash := c.SeedHash
		if e.FrameIndex > 0 {
			prevHash = hashes[e.FrameIndex-1]
		}
		if prevHash != e.PrevHash {
			mark(e.FrameIndex)
		}
	}

	res.Checkpoints = make([]CheckpointResult, len(c.Checkpoints))
	for i, cp := range c.Checkpoints {
		h, ok := at(cp.FrameNumber - 1)
		matches := ok && h == cp.ChainStateHash
		res.Checkpoints[i] = CheckpointResult{Index: cp.Index, FrameNumber: cp.FrameNumber, HashMatches: matches}
		if !matches {
			mark(cp.FrameNumber - 1)
		}
	}
	if h, ok := at(c.FrameCount - 1); !ok || h != c.FinalHash {
		mark(c.FrameCount - 1)
	}
	return broken
}

// linkCheck validates the declared sparse entries against each other: every
// adjacent pair must link, frame 0 must link to the seed, and checkpoints and
// the final hash must appear among the entries.
func (v *ChainVerifier) linkCheck(ctx context.Context, in Input, res *Result) *uint64 {
	c := in.Chain
	var broken *uint64
	mark := func(i uint64) {
		if broken == nil || i < *broken {
			broken = &i
		}
	}

	entries := make(map[uint64]chain.FrameHashEntry, len(c.FrameHashes))
	for _, e := range c.FrameHashes {
		entries[e.FrameIndex] = e
	}

	boundaries := make([]uint64, 0, len(c.Checkpoints))
	for _, cp := range c.Checkpoints {
		boundaries = append(boundaries, cp.FrameNumber-1)
	}
	for n, i := range chain.SparseIndices(c.FrameCount, c.SparseInterval, boundaries) {
		if n%1024 == 0 && ctx.Err() != nil {
			return nil
		}
		if _, ok := entries[i]; !ok {
			mark(i)
		}
	}

	for _, e := range c.FrameHashes {
		if e.FrameIndex == 0 {
			if e.PrevHash != c.SeedHash {
				mark(0)
			}
			continue
		}
		if before, ok := entries[e.FrameIndex-1]; ok && before.Hash != e.PrevHash {
			mark(e.FrameIndex)
		}
	}

	res.Checkpoints = make([]CheckpointResult, len(c.Checkpoints))
	for i, cp := range c.Checkpoints {
		e, ok := entries[cp.FrameNumber-1]
		matches := ok && e.Hash == cp.ChainStateHash
		res.Checkpoints[i] = CheckpointResult{Index: cp.Index, FrameNumber: cp.FrameNumber, HashMatches: matches}
		if !matches {
			mark(cp.FrameNumber - 1)
		}
	}
	if e, ok := entries[c.FrameCount-1]; !ok || e.Hash != c.FinalHash {
		mark(c.FrameCount - 1)
	}
	return broken
}

// checkSignatures verifies every checkpoint signature and the attestation,
// filling the per-checkpoint results. It returns the number of frames
// covered by the last validly signed point, or zero.
func (v *ChainVerifier) checkSignatures(in Input, res *Result) uint64 {
	c := in.Chain
	att := in.Attestation

	var keyID string
	if in.PublicKey != nil {
		id, err := signer.KeyID(in.PublicKey)
		if err != nil {
			res.fail(fmt.Errorf("%w: %v", ErrSignatureInvalid, err))
			res.Status = status.Fail
			return 0
		}
		keyID = id
	}
	valid := func(domain chain.Domain, index uint32, frames, counter uint64, h chain.Hash, sig []byte, sigKey string) error {
		if sigKey != "" && sigKey != keyID {
			return fmt.Errorf("signed by key %s, device key is %s", sigKey, keyID)
		}
		digest := chain.SigningDigest(domain, index, frames, counter, h)
		return signer.Verify(in.PublicKey, digest[:], sig)
	}

	var signedThrough uint64
	sigInvalid := false
	for i, cp := range c.Checkpoints {
		r := &res.Checkpoints[i]
		r.Signed = cp.Signed()
		r.Counter = cp.Counter
		if !cp.Signed() || in.PublicKey == nil {
			continue
		}
		if err := valid(chain.DomainCheckpoint, cp.Index, cp.FrameNumber, cp.Counter, cp.ChainStateHash, cp.Signature, cp.KeyID); err != nil {
			res.fail(fmt.Errorf("%w: checkpoint %d: %v", ErrSignatureInvalid, cp.Index, err))
			sigInvalid = true
			continue
		}
		r.SignatureValid = true
		res.MaxCounter = max(res.MaxCounter, cp.Counter)
		if r.HashMatches {
			signedThrough = max(signedThrough, cp.FrameNumber)
		}
	}

	attValid := false
	switch {
	case att == nil:
		res.fail(fmt.Errorf("%w: no attestation", ErrUnattested))
	case !att.Attested():
		res.fail(fmt.Errorf("%w: %s", ErrUnattested, att.UnattestedReason))
	case in.PublicKey == nil:
		res.fail(ErrNoPublicKey)
	default:
		idx := att.SigningIndex(len(c.Checkpoints))
		if err := valid(att.Domain(), idx, att.VerifiedFrameCount, att.Counter, att.HashSigned, att.Signature, att.KeyID); err != nil {
			res.fail(fmt.Errorf("%w: attestation: %v", ErrSignatureInvalid, err))
			sigInvalid = true
			break
		}
		attValid = true
		res.MaxCounter = max(res.MaxCounter, att.Counter)
		// a final attestation covers every frame, so any break falls
		// inside the signed range
		covered := att.VerifiedFrameCount
		if att.IsPartial && !res.Checkpoints[*att.CheckpointIndex].HashMatches {
			covered = 0
		}
		signedThrough = max(signedThrough, covered)
	}

	if sigInvalid {
		res.Status = status.Fail
	}
	res.AttestationValid = attValid && !sigInvalid
	return signedThrough
}

// verifiedBefore returns the frames covered by the last checkpoint that is
// validly signed and ends before frame broken.
func (v *ChainVerifier) verifiedBefore(res *Result, broken uint64) uint64 {
	var out uint64
	for _, cp := range res.Checkpoints {
		if cp.SignatureValid && cp.HashMatches && cp.FrameNumber <= broken {
			out = max(out, cp.FrameNumber)
		}
	}
	return out
}

// checkPlausibility compares the declared frame count with the media
// duration. The rate comes from the checkpoint cadence when the chain has
// checkpoints, and a declared frame rate must agree with it. checked
// reports whether the count was actually compared against a cadence.
func (v *ChainVerifier) checkPlausibility(in Input) (checked bool, err error) {
	m := in.Media
	rate := m.FrameRate
	cadence, ts := cadenceRate(in.Chain)
	if cadence > 0 {
		allowed := cadence*v.tolerance + float64(v.slack)*1000/float64(ts)
		if rate > 0 && math.Abs(rate-cadence) > allowed {
			return false, fmt.Errorf("%w: declared %.2ffps, checkpoints advance at %.2ffps",
				ErrImplausibleFrameCount, rate, cadence)
		}
		rate = cadence
	}
	if m.DurationMs <= 0 || rate <= 0 {
		return false, nil
	}

	expected := float64(m.DurationMs) / 1000 * rate
	allowed := expected*v.tolerance + float64(v.slack)
	if diff := math.Abs(float64(in.Chain.FrameCount) - expected); diff > allowed {
		return false, fmt.Errorf("%w: %d frames declared, %.0f expected from %dms at %.2ffps",
			ErrImplausibleFrameCount, in.Chain.FrameCount, expected, m.DurationMs, rate)
	}
	return cadence > 0, nil
}

// cadenceRate is the frame rate implied by the last checkpoint: the frames
// it covers over its offset from capture start.
func cadenceRate(c *chain.HashChainData) (float64, int64) {
	cp, ok := c.LastCheckpoint()
	if !ok || cp.TimestampMs <= 0 {
		return 0, 0
	}
	return float64(cp.FrameNumber) * 1000 / float64(cp.TimestampMs), cp.TimestampMs
}

// checkReplay enforces counter freshness: counters are unique within the
// capture and above the device's last accepted counter, unless this exact
// capture was accepted before with the same counters.
func (v *ChainVerifier) checkReplay(ctx context.Context, in Input, res *Result) {
	seen := make(map[uint64]bool)
	replay := func(err error) {
		res.fail(err)
		res.Status = status.Fail
		res.AttestationValid = false
	}
	counters := make([]uint64, 0, len(res.Checkpoints)+1)
	for _, cp := range res.Checkpoints {
		if cp.SignatureValid {
			counters = append(counters, cp.Counter)
		}
	}
	if res.AttestationValid {
		counters = append(counters, in.Attestation.Counter)
	}
	for _, c := range counters {
		if seen[c] {
			replay(fmt.Errorf("%w: counter %d used twice", ErrReplayDetected, c))
			return
		}
		seen[c] = true
	}

	if in.Counters == nil || in.DeviceID == "" || len(counters) == 0 {
		return
	}
	if in.CaptureID != "" {
		prior, ok, err := in.Counters.CaptureCounter(ctx, in.DeviceID, in.CaptureID)
		if err != nil {
			replay(fmt.Errorf("%w: counter lookup: %v", ErrReplayDetected, err))
			return
		}
		if ok && prior == res.MaxCounter {
			// reprocessing an accepted capture; nothing new to record
			res.MaxCounter = 0
			return
		}
	}
	last, err := in.Counters.LastCounter(ctx, in.DeviceID)
	if err != nil {
		replay(fmt.Errorf("%w: counter lookup: %v", ErrReplayDetected, err))
		return
	}
	for _, c := range counters {
		if c <= last {
			v.logger.Warn("replayed signature counter",
				"device_id", in.DeviceID,
				"capture_id", in.CaptureID,
				"counter", c,
				"last_seen", last)
			v.metrics.ReplayRejected.Inc()
			replay(fmt.Errorf("%w: counter %d not above %d", ErrReplayDetected, c, last))
			return
		}
	}
}

// worst returns the more severe of two statuses.
func worst(a, b status.Status) status.Status {
	rank := map[status.Status]int{status.Pass: 0, status.Partial: 1, status.Unavailable: 2, status.Fail: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
