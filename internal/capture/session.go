// Package capture runs one recording on the device: frames are folded
// into the hash chain in order on a dedicated goroutine, checkpoints are
// signed off the append path, keyframes are sampled for the authenticity
// detectors, and the finished capture is turned into an upload payload.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"framewitness/internal/chain"
	"framewitness/internal/checkpoint"
	"framewitness/internal/hardware"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/signals"
)

var (
	ErrClosed  = errors.New("capture: session closed")
	ErrAborted = errors.New("capture: aborted")
)

// Config configures a Session.
type Config struct {
	DeviceID  string
	CaptureID string
	Start     time.Time

	SparseInterval uint32
	Checkpoint     checkpoint.Config

	// KeyframeEvery samples one frame in KeyframeEvery for the detectors.
	KeyframeEvery int
	MaxKeyframes  int
	SignalBudget  time.Duration
	Detectors     []signals.Detector

	// KeepFrames retains raw frame bytes for a full media upload.
	KeepFrames bool
	// QueueSize bounds frames waiting to be appended.
	QueueSize int
	// OnAttestation receives the attestation a background signing retry
	// settled on. It replaces Checkpoint.OnAttestation.
	OnAttestation func(*checkpoint.Attestation)

	Logger  *slog.Logger
	Metrics *metrics.Set
}

// DefaultConfig returns the standard device settings.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:       deviceID,
		SparseInterval: chain.DefaultSparseInterval,
		Checkpoint:     checkpoint.DefaultConfig(),
		KeyframeEvery:  30,
		MaxKeyframes:   64,
		SignalBudget:   200 * time.Millisecond,
		KeepFrames:     true,
		QueueSize:      64,
	}
}

// Frame is one captured frame. Data is the encoded frame as it will be
// uploaded; Elapsed is its offset from capture start. Depth is optional.
type Frame struct {
	Data        []byte
	Elapsed     time.Duration
	Depth       []float32
	DepthWidth  int
	DepthHeight int
}

// Session is one active capture.
type Session struct {
	cfg      Config
	builder  *chain.Builder
	attestor *checkpoint.Attestor
	runner   *signals.Runner
	logger   *slog.Logger
	metrics  *metrics.Set

	frames chan Frame
	done   chan struct{}
	// sendMu is held shared while sending on frames and exclusively to
	// close it.
	sendMu sync.RWMutex

	mu        sync.Mutex
	closed    bool
	failure   error
	next      uint64
	last      time.Duration
	retried   *checkpoint.Attestation
	raw       [][]byte
	keyframes []signals.Keyframe
	sampler   signals.Sampler
}

// Start begins a capture signed by device. device may be nil, in which
// case the capture ends unattested.
func Start(cfg Config, device hardware.Device) (*Session, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("capture: device id is required")
	}
	def := DefaultConfig(cfg.DeviceID)
	if cfg.CaptureID == "" {
		cfg.CaptureID = uuid.NewString()
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	if cfg.SparseInterval == 0 {
		cfg.SparseInterval = def.SparseInterval
	}
	if cfg.KeyframeEvery <= 0 {
		cfg.KeyframeEvery = def.KeyframeEvery
	}
	if cfg.SignalBudget <= 0 {
		cfg.SignalBudget = def.SignalBudget
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Checkpoint.Logger == nil {
		cfg.Checkpoint.Logger = cfg.Logger
	}
	if cfg.Checkpoint.Metrics == nil {
		cfg.Checkpoint.Metrics = cfg.Metrics
	}

	builder := chain.NewBuilder(cfg.DeviceID, cfg.Start, chain.WithSparseInterval(cfg.SparseInterval))
	s := &Session{
		cfg:     cfg,
		builder: builder,
		runner: signals.NewRunner(cfg.SignalBudget, signals.SourceDevice, cfg.Detectors,
			signals.WithLogger(cfg.Logger), signals.WithMetrics(cfg.Metrics)),
		logger:  cfg.Logger.With("component", "capture", "capture_id", cfg.CaptureID),
		metrics: cfg.Metrics,
		frames:  make(chan Frame, cfg.QueueSize),
		done:    make(chan struct{}),
		sampler: signals.Sampler{Every: cfg.KeyframeEvery, Max: cfg.MaxKeyframes},
	}
	cfg.Checkpoint.OnAttestation = s.retrySettled
	s.attestor = checkpoint.New(builder, device, cfg.Checkpoint)
	s.metrics.ActiveCapture.Inc()
	go s.appendLoop()
	return s, nil
}

// ID returns the capture id.
func (s *Session) ID() string { return s.cfg.CaptureID }

// DeviceID returns the id of the recording device.
func (s *Session) DeviceID() string { return s.cfg.DeviceID }

// Add queues a frame. Frames are appended in the order Add is called; it
// blocks while the queue is full and fails once the capture has aborted or
// ended.
func (s *Session) Add(ctx context.Context, f Frame) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	s.mu.Lock()
	closed, failure := s.closed, s.failure
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if failure != nil {
		return failure
	}
	select {
	case s.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) appendLoop() {
	defer close(s.done)
	for f := range s.frames {
		if s.err() != nil {
			continue
		}
		if err := s.appendFrame(f); err != nil {
			s.logger.Error("capture aborted", "frame", s.next, "error", err)
			s.mu.Lock()
			s.failure = fmt.Errorf("%w: %w", ErrAborted, err)
			s.mu.Unlock()
		}
	}
}

func (s *Session) appendFrame(f Frame) error {
	if _, err := s.attestor.Observe(f.Elapsed); err != nil {
		return err
	}
	idx := s.next
	if err := s.builder.Append(f.Data, idx); err != nil {
		return err
	}
	s.next++

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = f.Elapsed
	if s.cfg.KeepFrames {
		s.raw = append(s.raw, f.Data)
	}
	if !s.sampler.Keep(idx) {
		return nil
	}
	kf, err := signals.DecodeJPEG(idx, f.Elapsed.Milliseconds(), f.Data)
	if err != nil {
		// Non-image frames still count toward the chain.
		s.logger.Debug("keyframe not decodable", "frame", idx, "error", err)
		kf = signals.Keyframe{Index: idx, TimestampMs: f.Elapsed.Milliseconds()}
	}
	if len(f.Depth) > 0 {
		kf.Depth, kf.DepthWidth, kf.DepthHeight = f.Depth, f.DepthWidth, f.DepthHeight
	}
	s.keyframes = append(s.keyframes, kf)
	return nil
}

func (s *Session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// stop closes the frame queue and waits for every queued frame to be
// appended.
func (s *Session) stop() error {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.frames)
	s.mu.Unlock()
	s.sendMu.Unlock()

	<-s.done
	s.metrics.ActiveCapture.Dec()
	return s.err()
}

// BuildChainSnapshot returns the chain as it stands after every frame
// appended so far.
func (s *Session) BuildChainSnapshot() (*chain.HashChainData, error) {
	return s.builder.Snapshot()
}

// Keyframes returns a copy of the keyframes sampled so far.
func (s *Session) Keyframes() []signals.Keyframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signals.Keyframe(nil), s.keyframes...)
}

// Result is a completed or interrupted capture ready for upload.
type Result struct {
	CaptureID   string
	DeviceID    string
	Start       time.Time
	Chain       *chain.HashChainData
	Attestation *checkpoint.Attestation
	Signals     []signals.Result
	Keyframes   []signals.Keyframe
	// Frames is nil unless the session kept raw frames.
	Frames [][]byte
	// Duration spans every recorded frame, including any tail an
	// interrupted capture leaves unattested.
	Duration time.Duration
}

// recordedDuration extends the last frame's offset by one mean frame
// period, so n frames at a steady rate span n periods.
func recordedDuration(last time.Duration, n uint64) time.Duration {
	if n < 2 {
		return last
	}
	return last + last/time.Duration(n-1)
}

// Finish ends the capture normally and signs the final chain hash.
func (s *Session) Finish(ctx context.Context) (*Result, error) {
	return s.end(ctx, false)
}

// Interrupt ends a capture that stopped early. Only frames up to the last
// completed checkpoint are attested; it fails with
// checkpoint.ErrNoCheckpointAvailable when no checkpoint was reached.
func (s *Session) Interrupt(ctx context.Context) (*Result, error) {
	return s.end(ctx, true)
}

func (s *Session) end(ctx context.Context, interrupted bool) (*Result, error) {
	if err := s.stop(); err != nil {
		s.attestor.Close()
		return nil, err
	}

	var (
		state *chain.HashChainData
		att   *checkpoint.Attestation
		err   error
	)
	if interrupted {
		state, att, err = s.attestor.Interrupt(ctx)
	} else {
		state, att, err = s.attestor.Finish(ctx)
	}
	if err != nil {
		s.attestor.Close()
		return nil, err
	}

	s.mu.Lock()
	keyframes := s.keyframes
	raw := s.raw
	duration := recordedDuration(s.last, state.FrameCount)
	s.mu.Unlock()

	res := &Result{
		CaptureID:   s.cfg.CaptureID,
		DeviceID:    s.cfg.DeviceID,
		Start:       s.cfg.Start,
		Chain:       state,
		Attestation: att,
		Signals:     s.runner.Run(ctx, keyframes),
		Keyframes:   keyframes,
		Frames:      raw,
		Duration:    duration,
	}
	s.logger.Info("capture ended",
		"frames", state.FrameCount,
		"checkpoints", len(state.Checkpoints),
		"interrupted", interrupted,
		"attested", att.Attested(),
		"unattested_reason", att.UnattestedReason)
	return res, nil
}

func (s *Session) retrySettled(att *checkpoint.Attestation) {
	s.mu.Lock()
	s.retried = att
	s.mu.Unlock()
	s.logger.Info("background attestation settled",
		"attested", att.Attested(),
		"unattested_reason", att.UnattestedReason)
	if s.cfg.OnAttestation != nil {
		s.cfg.OnAttestation(att)
	}
}

// WaitRetries blocks until background signing retries have finished and
// returns the attestation the retry settled on, or nil when nothing was
// retried.
func (s *Session) WaitRetries() *checkpoint.Attestation {
	s.attestor.WaitRetries()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retried
}

// Close releases the signing worker. Call it after the payload has been
// built, or to give up on pending retries.
func (s *Session) Close() error {
	return s.attestor.Close()
}

// Discard abandons the capture: queued frames are dropped, in-flight
// signing is cancelled and nothing computed so far is kept.
func (s *Session) Discard() {
	s.mu.Lock()
	s.failure = ErrClosed
	s.mu.Unlock()
	s.attestor.Close()
	if err := s.stop(); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("discard", "error", err)
	}

	s.mu.Lock()
	s.raw, s.keyframes = nil, nil
	s.mu.Unlock()
	s.logger.Info("capture discarded")
}
