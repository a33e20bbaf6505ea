package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"framewitness/internal/logging"
	"framewitness/internal/metrics"
)

// Runner executes detectors concurrently over one keyframe snapshot.
type Runner struct {
	detectors []Detector
	budget    time.Duration
	source    Source
	logger    *slog.Logger
	metrics   *metrics.Set
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics sets the metric set results are recorded on.
func WithMetrics(m *metrics.Set) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner for detectors. budget bounds the whole run;
// source is stamped on every result.
func NewRunner(budget time.Duration, source Source, detectors []Detector, opts ...RunnerOption) *Runner {
	r := &Runner{
		detectors: detectors,
		budget:    budget,
		source:    source,
		logger:    logging.Default().Logger,
		metrics:   metrics.Global(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Detectors returns the configured detectors in run order.
func (r *Runner) Detectors() []Detector {
	return r.detectors
}

// Run executes every detector and returns one result per detector in
// configuration order. It never fails: a detector that overruns the budget
// or panics is reported as Unavailable.
func (r *Runner) Run(ctx context.Context, frames []Keyframe) []Result {
	results := make([]Result, len(r.detectors))
	if len(r.detectors) == 0 {
		return results
	}

	if r.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.budget)
		defer cancel()
	}
	start := time.Now()
	timer := r.metrics.SignalDuration.Timer()
	defer timer.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range r.detectors {
		g.Go(func() error {
			results[i] = r.runOne(gctx, d, frames)
			return nil
		})
	}
	g.Wait()

	for i := range results {
		results[i].Source = r.source
		r.metrics.RecordSignal(string(results[i].Type), results[i].Status.String())
	}
	r.logger.Debug("signals analyzed",
		"detectors", len(r.detectors),
		"frames", len(frames),
		"took", time.Since(start))
	return results
}

func (r *Runner) runOne(ctx context.Context, d Detector, frames []Keyframe) Result {
	done := make(chan Result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("signal detector panicked",
					"signal", d.Type(),
					"panic", fmt.Sprint(p))
				done <- Unavailable(d.Type(), d.Version(), ReasonDetectorPanic)
			}
		}()
		done <- d.Detect(ctx, frames)
	}()

	select {
	case res := <-done:
		if res.Type == "" {
			res.Type = d.Type()
		}
		if res.AlgorithmVersion == "" {
			res.AlgorithmVersion = d.Version()
		}
		if res.Status == "" {
			res = Unavailable(d.Type(), d.Version(), "no_status")
		}
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	case <-ctx.Done():
		r.logger.Warn("signal detector over budget",
			"signal", d.Type(),
			"budget", r.budget)
		res := Unavailable(d.Type(), d.Version(), ReasonBudgetExceeded)
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}
}

// Thresholds holds the tunable decision points of the detectors.
type Thresholds struct {
	MoireThreshold    float64
	TextureMinEntropy float64
	ArtifactThreshold float64
}

// DefaultThresholds returns the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MoireThreshold:    0.6,
		TextureMinEntropy: 0.35,
		ArtifactThreshold: 0.7,
	}
}

// NewDetectors builds the enabled detectors in canonical order. Unknown names
// are ignored; an empty list enables all of them.
func NewDetectors(enabled []string, th Thresholds) []Detector {
	want := make(map[Type]bool, len(enabled))
	for _, name := range enabled {
		want[Type(name)] = true
	}
	all := len(want) == 0

	var out []Detector
	for _, t := range Types {
		if !all && !want[t] {
			continue
		}
		switch t {
		case TypeDepth:
			out = append(out, NewDepthDetector())
		case TypeMoire:
			out = append(out, &MoireDetector{Threshold: th.MoireThreshold})
		case TypeTexture:
			out = append(out, &TextureDetector{MinEntropy: th.TextureMinEntropy})
		case TypeArtifact:
			out = append(out, &ArtifactDetector{Threshold: th.ArtifactThreshold})
		}
	}
	return out
}
