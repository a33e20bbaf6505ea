package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"framewitness/internal/chain"
	"framewitness/internal/hardware"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
)

// Config configures an Attestor.
type Config struct {
	// Interval between checkpoint boundaries, measured from capture start.
	Interval time.Duration
	// QueueSize bounds checkpoints waiting for the signing worker.
	QueueSize int
	// SignTimeout bounds a single key store operation.
	SignTimeout time.Duration
	// FinalWait bounds how long Finish waits for queued checkpoint
	// signatures before signing the final hash anyway.
	FinalWait time.Duration
	Retry     RetryPolicy

	Logger  *slog.Logger
	Metrics *metrics.Set

	// OnAttestation receives the outcome of a background retry of the
	// final or partial attestation: a signed copy, or a copy whose
	// UnattestedReason is ReasonRetriesExhausted.
	OnAttestation func(*Attestation)
}

// DefaultConfig returns the standard five second checkpoint cadence.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		QueueSize:   16,
		SignTimeout: 2 * time.Second,
		FinalWait:   3 * time.Second,
		Retry:       DefaultRetryPolicy(),
	}
}

type job struct {
	cp      chain.Checkpoint
	barrier chan struct{}
}

// Attestor takes checkpoints of one capture's chain and signs them.
type Attestor struct {
	builder *chain.Builder
	device  hardware.Device
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Set
	retrier *Retrier

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	nextBound   int64 // next boundary, in intervals
	lastElapsed time.Duration
	closed      bool
}

// New starts an attestor for builder. device may be nil, in which case
// every signature fails with hardware.ErrKeyNotFound and the capture ends
// unattested.
func New(builder *chain.Builder, device hardware.Device, cfg Config) *Attestor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = def.SignTimeout
	}
	if cfg.FinalWait <= 0 {
		cfg.FinalWait = def.FinalWait
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Attestor{
		builder:   builder,
		device:    device,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "checkpoint"),
		metrics:   cfg.Metrics,
		queue:     make(chan job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		nextBound: 1,
	}
	a.retrier = NewRetrier(cfg.Retry, a.logger)
	a.retrier.onAttempt = a.metrics.SigningRetries.Inc

	go a.run()
	return a
}

// Interval returns the checkpoint cadence.
func (a *Attestor) Interval() time.Duration {
	return a.cfg.Interval
}

// Observe must be called with a frame's offset from capture start before
// the frame is appended. When the offset reaches the next interval boundary
// the chain value so far becomes a checkpoint and is queued for signing.
// Skipped boundaries (a gap in frames) collapse into one checkpoint.
func (a *Attestor) Observe(elapsed time.Duration) (*chain.Checkpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if elapsed > a.lastElapsed {
		a.lastElapsed = elapsed
	}
	if elapsed < time.Duration(a.nextBound)*a.cfg.Interval {
		return nil, nil
	}

	crossed := int64(elapsed / a.cfg.Interval)
	a.nextBound = crossed + 1
	if a.builder.Len() == 0 {
		return nil, nil
	}

	cp, err := a.builder.MarkCheckpoint(time.Duration(crossed) * a.cfg.Interval)
	if err != nil {
		return nil, err
	}

	select {
	case a.queue <- job{cp: cp}:
	default:
		a.logger.Warn("signing queue full, deferring checkpoint",
			"checkpoint", cp.Index,
			"frame_number", cp.FrameNumber)
		a.metrics.SigningFailures.Inc()
		a.retryCheckpoint(cp)
	}
	return &cp, nil
}

func (a *Attestor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return
		case j := <-a.queue:
			if j.barrier != nil {
				close(j.barrier)
				continue
			}
			if err := a.signCheckpoint(a.ctx, j.cp); err != nil {
				if a.ctx.Err() != nil {
					return
				}
				a.logger.Warn("checkpoint signing failed",
					"checkpoint", j.cp.Index,
					"error", err)
				a.metrics.SigningFailures.Inc()
				a.retryCheckpoint(j.cp)
			}
		}
	}
}

func (a *Attestor) signCheckpoint(ctx context.Context, cp chain.Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SignTimeout)
	defer cancel()

	timer := a.metrics.SignDuration.Timer()
	sig, err := hardware.SignChainState(ctx, a.device, chain.DomainCheckpoint, cp.Index, cp.FrameNumber, cp.ChainStateHash)
	timer.Stop()
	if err != nil {
		return err
	}
	if err := a.builder.AttachSignature(cp.Index, sig.Bytes, sig.Counter, sig.KeyID); err != nil {
		return err
	}
	a.metrics.CheckpointsSigned.Inc()
	return nil
}

func (a *Attestor) retryCheckpoint(cp chain.Checkpoint) {
	a.retrier.Schedule("checkpoint", func(ctx context.Context) error {
		return a.signCheckpoint(ctx, cp)
	}, func(err error) {
		if err != nil && !errors.Is(err, ErrClosed) {
			a.logger.Error("checkpoint left unsigned", "checkpoint", cp.Index, "error", err)
		}
	})
}

// drain waits until every checkpoint queued so far has been handled.
func (a *Attestor) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FinalWait)
	defer cancel()

	barrier := make(chan struct{})
	select {
	case a.queue <- job{barrier: barrier}:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrClosed
	}
}

// Finish ends a capture normally: it waits (bounded) for queued checkpoint
// signatures, snapshots the chain and signs the final hash.
func (a *Attestor) Finish(ctx context.Context) (*chain.HashChainData, *Attestation, error) {
	if err := a.drain(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, nil, err
		}
		a.logger.Warn("finishing with checkpoint signatures outstanding", "error", err)
	}
	state, err := a.builder.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	att, err := a.attest(ctx, state, false)
	if err != nil {
		return nil, nil, err
	}
	return state, att, nil
}

// Interrupt ends a capture that stopped early. Only the frames up to the
// last completed checkpoint are attested.
func (a *Attestor) Interrupt(ctx context.Context) (*chain.HashChainData, *Attestation, error) {
	state, err := a.builder.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	att, err := a.attest(ctx, state, true)
	if err != nil {
		return nil, nil, err
	}
	return state, att, nil
}

// Attest produces the attestation for state. A normal completion signs
// state's final hash under the final domain. An interrupted capture signs
// the last completed checkpoint under the partial domain and fails with
// ErrNoCheckpointAvailable if there is none.
//
// Key store failures do not fail Attest: the attestation comes back
// unsigned with UnattestedReason set and a background retry is scheduled.
func (a *Attestor) Attest(ctx context.Context, state *chain.HashChainData, interrupted bool) (*Attestation, error) {
	if !interrupted {
		if err := a.drain(ctx); err != nil && errors.Is(err, ErrClosed) {
			return nil, err
		}
	}
	return a.attest(ctx, state, interrupted)
}

func (a *Attestor) attest(ctx context.Context, state *chain.HashChainData, interrupted bool) (*Attestation, error) {
	a.mu.Lock()
	closed := a.closed
	duration := a.lastElapsed
	a.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var att *Attestation
	if interrupted {
		cp, ok := state.LastCheckpoint()
		if !ok {
			return nil, ErrNoCheckpointAvailable
		}
		idx := cp.Index
		att = &Attestation{
			HashSigned:         cp.ChainStateHash,
			IsPartial:          true,
			CheckpointIndex:    &idx,
			VerifiedFrameCount: cp.FrameNumber,
			VerifiedDurationMs: cp.TimestampMs,
		}
	} else {
		if state.FrameCount == 0 {
			return nil, ErrEmptyCapture
		}
		att = &Attestation{
			HashSigned:         state.FinalHash,
			VerifiedFrameCount: state.FrameCount,
			VerifiedDurationMs: duration.Milliseconds(),
		}
	}

	count := len(state.Checkpoints)
	if err := a.sign(ctx, att, count); err != nil {
		att.UnattestedReason = unattestedReason(err)
		a.metrics.SigningFailures.Inc()
		a.logger.Warn("attestation unsigned",
			"partial", att.IsPartial,
			"reason", att.UnattestedReason,
			"error", err)
		a.retryAttestation(att, count)
	}
	return att, nil
}

func (a *Attestor) sign(ctx context.Context, att *Attestation, checkpointCount int) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SignTimeout)
	defer cancel()

	timer := a.metrics.SignDuration.Timer()
	sig, err := hardware.SignChainState(ctx, a.device, att.Domain(), att.SigningIndex(checkpointCount), att.VerifiedFrameCount, att.HashSigned)
	timer.Stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		return err
	}
	att.Signature = sig.Bytes
	att.Counter = sig.Counter
	att.KeyID = sig.KeyID
	att.UnattestedReason = ""
	return nil
}

func (a *Attestor) retryAttestation(att *Attestation, checkpointCount int) {
	pending := att.Clone()
	a.retrier.Schedule("attestation", func(ctx context.Context) error {
		return a.sign(ctx, pending, checkpointCount)
	}, func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			return
		default:
			pending.UnattestedReason = ReasonRetriesExhausted
		}
		if a.cfg.OnAttestation != nil {
			a.cfg.OnAttestation(pending.Clone())
		}
	})
}

func unattestedReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, hardware.ErrKeyNotFound):
		return ReasonKeyNotFound
	case errors.Is(err, hardware.ErrCounterFailed):
		return ReasonCounterFailed
	default:
		return ReasonSigningFailed
	}
}

// WaitRetries blocks until background retries have finished. Tests and
// the CLI use it to observe the retried attestation.
func (a *Attestor) WaitRetries() {
	a.retrier.Wait()
}

// Close cancels queued and in-flight signing and stops the worker. It is
// also the discard path: nothing is signed after Close returns.
func (a *Attestor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	<-a.done
	a.retrier.Close()
	return nil
}
