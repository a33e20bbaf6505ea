package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"framewitness/internal/logging"
)

// ErrRetriesExhausted is passed to a retry's completion callback when every
// attempt failed.
var ErrRetriesExhausted = errors.New("checkpoint: retries exhausted")

// RetryPolicy bounds background signing retries. MaxAttempts counts every
// signing attempt, the caller's failed one included, so a policy of one
// attempt or less never retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns five attempts in total, retries starting at
// 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	// attempts, not wall time, bound the retry
	eb.MaxElapsedTime = 0
	eb.Reset()

	// the caller's attempt and the first retry are not counted here
	var retries uint64
	if p.MaxAttempts > 2 {
		retries = uint64(p.MaxAttempts - 2)
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)
}

// Retrier runs failed signing operations again in the background with
// exponential backoff. Close cancels everything still pending.
type Retrier struct {
	policy RetryPolicy
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// onAttempt is called before every retry attempt.
	onAttempt func()
}

// NewRetrier creates a retrier. A nil logger uses the default logger.
func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = logging.Default().Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{
		policy: policy,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule retries op until it succeeds, the attempts run out or the
// retrier is closed. done receives nil on success, ErrRetriesExhausted
// (joined with the last failure) when attempts run out, or ErrClosed.
func (r *Retrier) Schedule(name string, op func(ctx context.Context) error, done func(error)) {
	r.mu.Lock()
	if r.closed || r.policy.MaxAttempts <= 1 {
		closed := r.closed
		r.mu.Unlock()
		if done != nil {
			if closed {
				done(ErrClosed)
			} else {
				done(ErrRetriesExhausted)
			}
		}
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		err := r.run(name, op)
		if done != nil {
			done(err)
		}
	}()
}

func (r *Retrier) run(name string, op func(ctx context.Context) error) error {
	// the caller has just failed; give the key store a moment first
	wait := time.NewTimer(r.policy.InitialInterval)
	select {
	case <-r.ctx.Done():
		wait.Stop()
		return ErrClosed
	case <-wait.C:
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		if r.onAttempt != nil {
			r.onAttempt()
		}
		return op(r.ctx)
	}, r.policy.backOff(r.ctx), func(err error, next time.Duration) {
		r.logger.Debug("signing retry failed",
			"operation", name,
			"attempt", attempt,
			"next_in", next,
			"error", err)
	})

	switch {
	case err == nil:
		r.logger.Info("signing retry succeeded", "operation", name, "attempts", attempt)
		return nil
	case r.ctx.Err() != nil:
		return ErrClosed
	default:
		r.logger.Warn("signing retries exhausted", "operation", name, "attempts", attempt, "error", err)
		return errors.Join(ErrRetriesExhausted, err)
	}
}

// Wait blocks until every scheduled retry has finished.
func (r *Retrier) Wait() {
	r.wg.Wait()
}

// Close cancels pending retries and waits for them to return.
func (r *Retrier) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
