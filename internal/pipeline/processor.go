// Package pipeline turns an uploaded capture into persisted evidence:
// download, chain verification and signal re-analysis in parallel,
// aggregation, assembly and a write-once save, all under one budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"framewitness/internal/confidence"
	"framewitness/internal/config"
	"framewitness/internal/evidence"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/payload"
	"framewitness/internal/signals"
	"framewitness/internal/status"
	"framewitness/internal/storage"
	"framewitness/internal/store"
	"framewitness/internal/verify"
)

var (
	ErrRejected = errors.New("pipeline: capture rejected")
	// ErrCaptureConflict means the capture id is already taken by another
	// device.
	ErrCaptureConflict = errors.New("pipeline: capture belongs to another device")
)

// Store is the persistence the processor needs.
type Store interface {
	store.DeviceStore
	store.EvidenceStore
	verify.CounterStore
}

// Processor processes uploaded captures. It is safe for concurrent use;
// captures share no mutable state.
type Processor struct {
	blobs     storage.Downloader
	store     Store
	verifier  *verify.ChainVerifier
	runner    *signals.Runner
	assembler *evidence.Assembler

	budget        time.Duration
	limits        storage.Limits
	keyframeEvery int
	maxKeyframes  int

	logger  *slog.Logger
	metrics *metrics.Set
	audit   *logging.AuditLogger
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func WithMetrics(m *metrics.Set) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithAudit records evidence creation, replays and failures.
func WithAudit(a *logging.AuditLogger) Option {
	return func(p *Processor) { p.audit = a }
}

// WithBudget bounds the checks of one capture.
func WithBudget(d time.Duration) Option {
	return func(p *Processor) { p.budget = d }
}

func WithLimits(l storage.Limits) Option {
	return func(p *Processor) { p.limits = l }
}

func WithVerifier(v *verify.ChainVerifier) Option {
	return func(p *Processor) { p.verifier = v }
}

func WithRunner(r *signals.Runner) Option {
	return func(p *Processor) { p.runner = r }
}

func WithAssembler(a *evidence.Assembler) Option {
	return func(p *Processor) { p.assembler = a }
}

// WithKeyframeSampling sets how frames are sampled for server analysis
// when the payload carries no keyframe bundle.
func WithKeyframeSampling(every, maxFrames int) Option {
	return func(p *Processor) { p.keyframeEvery, p.maxKeyframes = every, maxFrames }
}

// WithClock replaces time.Now. Only tests use this.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a processor reading blobs and persisting into st.
func New(blobs storage.Downloader, st Store, opts ...Option) *Processor {
	p := &Processor{
		blobs:         blobs,
		store:         st,
		budget:        5 * time.Second,
		limits:        storage.DefaultLimits(),
		keyframeEvery: 30,
		maxKeyframes:  64,
		logger:        logging.Default().Logger,
		metrics:       metrics.Global(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.verifier == nil {
		p.verifier = verify.NewChainVerifier(
			verify.WithMaxFrames(uint64(p.limits.MaxFrames)),
			verify.WithLogger(p.logger),
			verify.WithMetrics(p.metrics))
	}
	if p.runner == nil {
		p.runner = signals.NewRunner(2*time.Second, signals.SourceServer,
			signals.NewDetectors(nil, signals.DefaultThresholds()),
			signals.WithLogger(p.logger), signals.WithMetrics(p.metrics))
	}
	if p.assembler == nil {
		p.assembler = evidence.NewAssembler(evidence.WithBudget(p.budget), evidence.WithLogger(p.logger))
	}
	return p
}

// Policy converts the confidence section of cfg.
func Policy(c config.ConfidenceConfig) confidence.Policy {
	p := confidence.DefaultPolicy()
	if c.DepthConsistencyHigh > 0 {
		p.DepthConsistencyHigh = c.DepthConsistencyHigh
	}
	if c.DepthStabilityHigh > 0 {
		p.DepthStabilityHigh = c.DepthStabilityHigh
	}
	if c.StrongAnomalyConfidence > 0 {
		p.StrongAnomalyConfidence = c.StrongAnomalyConfidence
	}
	if c.MildAnomalyGap > 0 {
		p.MildAnomalyGap = c.MildAnomalyGap
	}
	if len(c.Weights) > 0 {
		p.Weights = make(map[string]float64, len(c.Weights))
		for k, v := range c.Weights {
			p.Weights[k] = v
		}
	}
	return p
}

// FromConfig wires a processor the way framewitnessd runs it.
func FromConfig(cfg *config.Config, blobs storage.Downloader, st Store, version string, opts ...Option) *Processor {
	logger := logging.Default().Logger
	m := metrics.Global()
	base := []Option{
		WithBudget(cfg.ProcessingBudget()),
		WithKeyframeSampling(cfg.Signals.KeyframeEvery, 64),
		WithVerifier(verify.NewChainVerifier(
			verify.WithFrameTolerance(cfg.Processing.FrameRateTolerance, uint64(cfg.Processing.FrameSlack)),
			verify.WithMaxFrames(uint64(storage.DefaultLimits().MaxFrames)),
			verify.WithLogger(logger),
			verify.WithMetrics(m))),
		WithRunner(signals.NewRunner(cfg.ServerSignalBudget(), signals.SourceServer,
			signals.NewDetectors(cfg.Signals.Enabled, signals.Thresholds{
				MoireThreshold:    cfg.Signals.MoireThreshold,
				TextureMinEntropy: cfg.Signals.TextureMinEntropy,
				ArtifactThreshold: cfg.Signals.ArtifactThreshold,
			}),
			signals.WithLogger(logger), signals.WithMetrics(m))),
		WithAssembler(evidence.NewAssembler(
			evidence.WithPolicy(Policy(cfg.Confidence)),
			evidence.WithBudget(cfg.ProcessingBudget()),
			evidence.WithServerVersion(version),
			evidence.WithLogger(logger))),
	}
	return New(blobs, st, append(base, opts...)...)
}

// ProcessCapture downloads the payload of captureID and processes it.
// Running it again for the same capture appends a superseding record.
func (p *Processor) ProcessCapture(ctx context.Context, captureID string) (*evidence.Evidence, error) {
	pl, err := payload.Download(ctx, p.blobs, captureID)
	if err != nil {
		p.metrics.RecordFailure("payload_unavailable")
		p.audit.ProcessingFailed(ctx, "", captureID, err)
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return p.Process(ctx, pl)
}

// Process produces and persists the evidence for one payload. Component
// failures end up as unavailable sections of the evidence; an error is
// returned only when the payload is unusable or nothing could be saved.
func (p *Processor) Process(ctx context.Context, pl *payload.Payload) (*evidence.Evidence, error) {
	started := p.now()
	p.metrics.CapturesReceived.Inc()
	p.metrics.InFlight.Inc()
	defer p.metrics.InFlight.Dec()

	if err := pl.Validate(); err != nil {
		p.metrics.RecordFailure("invalid_payload")
		p.audit.ProcessingFailed(ctx, pl.DeviceID, pl.CaptureID, err)
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if err := p.checkEvidenceOwner(ctx, pl.CaptureID, pl.DeviceID); err != nil {
		p.metrics.RecordFailure("capture_conflict")
		p.audit.ProcessingFailed(ctx, pl.DeviceID, pl.CaptureID, err)
		return nil, err
	}
	logger := p.logger.With("capture_id", pl.CaptureID, "device_id", pl.DeviceID, "mode", pl.Mode)

	bctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	hw, dev, hwErr := p.hardwareCheck(bctx, pl.DeviceID)
	in := evidence.Input{
		CaptureID:   pl.CaptureID,
		DeviceID:    pl.DeviceID,
		Mode:        pl.Mode,
		StartedAt:   started,
		Hardware:    hw,
		HardwareErr: hwErr,
		Attestation: pl.Attestation,
		ChainData:   pl.Chain,
		MediaDigest: pl.Media.FramesDigest,
	}

	var frames [][]byte
	var mediaErr error
	if pl.Mode == verify.ModeFullMedia {
		frames, mediaErr = storage.LoadFrames(bctx, p.blobs, pl.Media.FramesKey, pl.Media.FramesDigest, p.limits)
		if mediaErr != nil {
			logger.Warn("media unavailable", "error", mediaErr)
		}
	}

	var serverSignals []signals.Result
	g, gctx := errgroup.WithContext(bctx)
	g.Go(func() error {
		in.ChainErr = evidence.Safely("hash_chain", func() error {
			if mediaErr != nil {
				return mediaErr
			}
			vin := verify.Input{
				DeviceID:    pl.DeviceID,
				CaptureID:   pl.CaptureID,
				Chain:       pl.Chain,
				Attestation: pl.Attestation,
				Frames:      frames,
				Media:       pl.MediaInfo(),
				Counters:    p.store,
			}
			if dev != nil {
				key, err := dev.Key()
				if err != nil {
					return err
				}
				vin.PublicKey = key
			}
			res, err := p.verifier.Verify(gctx, vin)
			in.Chain = res
			return err
		})
		return nil
	})
	if pl.Mode == verify.ModeFullMedia {
		g.Go(func() error {
			in.SignalsErr = evidence.Safely("signals", func() error {
				if mediaErr != nil {
					return mediaErr
				}
				kfs, err := p.keyframes(gctx, pl, frames)
				if err != nil {
					return err
				}
				serverSignals = p.runner.Run(gctx, kfs)
				return nil
			})
			return nil
		})
	}
	g.Wait()

	in.Signals = append(append([]signals.Result(nil), pl.Signals...), serverSignals...)
	if in.Chain != nil && errors.Is(in.Chain.Err(), verify.ErrReplayDetected) {
		last, _ := p.store.LastCounter(ctx, pl.DeviceID)
		p.audit.ReplayRejected(ctx, pl.DeviceID, pl.CaptureID, in.Chain.MaxCounter, last)
	}

	if prev, err := p.store.LatestEvidence(ctx, pl.CaptureID); err == nil {
		in.Supersedes = prev.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("evidence history lookup failed", "error", err)
	}

	// Assembly and persistence run even when the budget is spent; the
	// budget only bounds the checks.
	ev, err := p.assembler.Assemble(context.WithoutCancel(ctx), in)
	if err != nil {
		p.metrics.RecordFailure("assembly")
		p.audit.ProcessingFailed(ctx, pl.DeviceID, pl.CaptureID, err)
		return nil, err
	}
	raw, err := ev.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := p.store.SaveEvidence(context.WithoutCancel(ctx), pl.CaptureID, raw, string(ev.Level())); err != nil {
		p.metrics.RecordFailure("persist")
		p.audit.ProcessingFailed(ctx, pl.DeviceID, pl.CaptureID, err)
		return nil, fmt.Errorf("pipeline: save evidence: %w", err)
	}

	took := p.now().Sub(started)
	p.metrics.RecordEvidence(string(ev.Level()), ev.Score(), took)
	for _, a := range ev.Record().CrossValidation.Anomalies {
		p.metrics.Anomalies.With(string(a.Severity)).Inc()
	}
	p.audit.EvidenceCreated(ctx, pl.DeviceID, pl.CaptureID, ev.ID(), string(ev.Level()))
	logger.Info("capture processed",
		"evidence_id", ev.ID(),
		"level", ev.Level(),
		"score", ev.Score(),
		"supersedes", in.Supersedes,
		"took", took)
	return ev, nil
}

// CheckOwner fails with ErrCaptureConflict when captureID already has
// evidence or a stored payload from a device other than deviceID. Call it
// before overwriting an uploaded payload.
func (p *Processor) CheckOwner(ctx context.Context, captureID, deviceID string) error {
	if err := p.checkEvidenceOwner(ctx, captureID, deviceID); err != nil {
		return err
	}
	prev, err := payload.Download(ctx, p.blobs, captureID)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, payload.ErrInvalid):
		return nil
	case err != nil:
		return fmt.Errorf("pipeline: look up payload: %w", err)
	case prev.DeviceID != deviceID:
		return fmt.Errorf("%w: payload for %s was uploaded by %s", ErrCaptureConflict, captureID, prev.DeviceID)
	}
	return nil
}

func (p *Processor) checkEvidenceOwner(ctx context.Context, captureID, deviceID string) error {
	row, err := p.store.LatestEvidence(ctx, captureID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("pipeline: look up evidence: %w", err)
	case row.DeviceID != deviceID:
		return fmt.Errorf("%w: evidence for %s was recorded for %s", ErrCaptureConflict, captureID, row.DeviceID)
	}
	return nil
}

// hardwareCheck classifies the device key. The returned device is nil when
// its key must not be trusted.
func (p *Processor) hardwareCheck(ctx context.Context, deviceID string) (confidence.HardwareCheck, *store.Device, error) {
	dev, err := p.store.GetDevice(ctx, deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// nothing to check the signatures against, which is not evidence
		// of tampering
		return confidence.HardwareCheck{Status: status.Unavailable, Reason: evidence.ReasonUnknownDevice}, nil, nil
	case err != nil:
		return confidence.HardwareCheck{}, nil, err
	case dev.Revoked:
		return confidence.HardwareCheck{Status: status.Fail, Reason: evidence.ReasonRevokedDevice}, nil, nil
	case !dev.HardwareBacked:
		return confidence.HardwareCheck{Status: status.Unavailable, Reason: evidence.ReasonSoftwareKey}, dev, nil
	}
	return confidence.HardwareCheck{Status: status.Pass}, dev, nil
}

// keyframes loads the uploaded keyframe bundle, or samples and decodes
// frames when there is none.
func (p *Processor) keyframes(ctx context.Context, pl *payload.Payload, frames [][]byte) ([]signals.Keyframe, error) {
	if pl.Media.KeyframesKey != "" {
		kfs, err := storage.LoadKeyframes(ctx, p.blobs, pl.Media.KeyframesKey, pl.Media.KeyframesDigest, p.limits)
		if err != nil {
			return nil, err
		}
		return p.checkKeyframes(kfs, frames), nil
	}

	sampler := signals.Sampler{Every: p.keyframeEvery, Max: p.maxKeyframes}
	var out []signals.Keyframe
	for i, f := range frames {
		if !sampler.Keep(uint64(i)) {
			continue
		}
		if ctx.Err() != nil {
			return out, nil
		}
		kf, err := signals.DecodeJPEG(uint64(i), 0, f)
		if err != nil {
			p.logger.Debug("frame not decodable", "frame", i, "error", err)
			continue
		}
		out = append(out, kf)
	}
	return out, nil
}

// checkKeyframes replaces the luma of uploaded keyframes with the one
// decoded from the verified frames, so only depth is taken on trust.
func (p *Processor) checkKeyframes(kfs []signals.Keyframe, frames [][]byte) []signals.Keyframe {
	out := make([]signals.Keyframe, 0, len(kfs))
	for _, kf := range kfs {
		if kf.Index >= uint64(len(frames)) {
			continue
		}
		decoded, err := signals.DecodeJPEG(kf.Index, kf.TimestampMs, frames[kf.Index])
		if err != nil {
			kf.Luma, kf.Width, kf.Height = nil, 0, 0
		} else {
			kf.Luma, kf.Width, kf.Height = decoded.Luma, decoded.Width, decoded.Height
		}
		out = append(out, kf)
	}
	return out
}
