package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"framewitness/internal/chain"
	"framewitness/internal/checkpoint"
	"framewitness/internal/confidence"
	"framewitness/internal/logging"
	"framewitness/internal/signals"
	"framewitness/internal/status"
	"framewitness/internal/verify"
)

// Reasons recorded when a component produced no usable outcome.
const (
	ReasonDownloadFailed      = "download_failed"
	ReasonDecompressFailed    = "decompress_failed"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonCancelled           = "cancelled"
	ReasonStructurallyInvalid = "structurally_invalid_chain"
	ReasonComponentPanic      = "component_panic"
	ReasonInternalError       = "internal_error"
	ReasonNotChecked          = "not_checked"
	ReasonSoftwareKey         = "software_key"
	ReasonUnknownDevice       = "unknown_device"
	ReasonRevokedDevice       = "revoked_device"
)

// ReasonFor maps a component error onto the reason stored with its
// unavailable status.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrComponentPanic):
		return ReasonComponentPanic
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonBudgetExceeded
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, verify.ErrDownloadFailed):
		return ReasonDownloadFailed
	case errors.Is(err, verify.ErrDecompressFailed):
		return ReasonDecompressFailed
	case errors.Is(err, verify.ErrStructurallyInvalidChain):
		return ReasonStructurallyInvalid
	}
	return ReasonInternalError
}

// Safely runs fn and turns a panic into an error wrapping
// ErrComponentPanic, so one failing check cannot take the pass down.
func Safely(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrComponentPanic, name, r)
		}
	}()
	return fn()
}

// Input carries the outcome of every component of one processing pass.
// A component that failed to run leaves its result nil and sets its error.
type Input struct {
	CaptureID string
	DeviceID  string
	Mode      verify.Mode
	StartedAt time.Time

	Hardware    confidence.HardwareCheck
	HardwareErr error

	Attestation *checkpoint.Attestation
	ChainData   *chain.HashChainData
	Chain       *verify.Result
	ChainErr    error

	Signals    []signals.Result
	SignalsErr error

	MediaDigest digest.Digest
	// Supersedes names the evidence this pass replaces, if any.
	Supersedes string
}

// Assembler builds Evidence records.
type Assembler struct {
	policy        confidence.Policy
	budget        time.Duration
	serverVersion string
	now           func() time.Time
	newID         func() string
	logger        *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

func WithPolicy(p confidence.Policy) Option {
	return func(a *Assembler) { a.policy = p }
}

func WithBudget(d time.Duration) Option {
	return func(a *Assembler) { a.budget = d }
}

func WithServerVersion(v string) Option {
	return func(a *Assembler) { a.serverVersion = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithClock replaces time.Now. Only tests use this.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithIDFunc replaces the UUID generator. Only tests use this.
func WithIDFunc(fn func() string) Option {
	return func(a *Assembler) { a.newID = fn }
}

// NewAssembler creates an Assembler with the default policy and a five
// second budget.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		policy: confidence.DefaultPolicy(),
		budget: 5 * time.Second,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logging.Default().Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble folds the component outcomes into a sealed Evidence. Component
// failures never fail assembly; they become unavailable statuses with a
// reason. An error is returned only for missing identifiers or when the
// record does not satisfy the schema.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Evidence, error) {
	if in.CaptureID == "" || in.DeviceID == "" {
		return nil, fmt.Errorf("%w: capture and device IDs are required", ErrInvalidInput)
	}
	started := in.StartedAt
	if started.IsZero() {
		started = a.now()
	}
	mode := in.Mode
	if mode == "" {
		mode = verify.ModeHashOnly
	}

	hw := a.hardware(in)
	results := a.signalResults(in)
	chainSec, chainReason := a.chainSection(in)

	isPartial := in.Attestation != nil && in.Attestation.IsPartial
	agg := confidence.Aggregate(confidence.Input{
		Hardware:    confidence.HardwareCheck{Status: hw.Status, Reason: hw.Reason},
		Chain:       in.Chain,
		ChainReason: chainReason,
		Signals:     results,
		IsPartial:   isPartial,
	}, a.policy)

	rec := Record{
		EvidenceID:          a.newID(),
		SchemaVersion:       SchemaVersion,
		CaptureID:           in.CaptureID,
		DeviceID:            in.DeviceID,
		ConfidenceLevel:     agg.Level,
		HardwareAttestation: hw,
		HashChain:           chainSec,
		DepthAnalysis:       depthAnalysis(results),
		Signals:             results,
		CrossValidation: CrossValidationSection{
			Status:      agg.CrossValidationStatus,
			Comparisons: agg.Comparisons,
			Anomalies:   nonNil(agg.Anomalies),
		},
		Confidence: ConfidenceSection{
			OverallScore:       agg.OverallScore,
			Level:              agg.Level,
			PerSignalBreakdown: nonNil(agg.PerSignalBreakdown),
			Reasons:            nonNil(agg.Reasons),
		},
	}
	finished := a.now()
	rec.CreatedAt = finished.UTC()
	rec.Processing = Processing{
		StartedAt:         started.UTC(),
		DurationMs:        max(finished.Sub(started).Milliseconds(), 0),
		BudgetMs:          a.budget.Milliseconds(),
		Mode:              mode,
		AlgorithmVersions: algorithmVersions(in),
		MediaDigest:       in.MediaDigest,
		Supersedes:        in.Supersedes,
		ServerVersion:     a.serverVersion,
	}
	rec.Processing.ChecksPerformed, rec.Processing.ChecksUnavailable = checks(agg.PerSignalBreakdown)
	rec.Claims = claims(rec)
	rec.Limitations = limitations(rec)

	ev, err := seal(rec)
	if err != nil {
		return nil, err
	}
	a.logger.LogAttrs(ctx, slog.LevelInfo, "evidence assembled",
		slog.String("evidence_id", rec.EvidenceID),
		slog.String("capture_id", rec.CaptureID),
		slog.String("level", string(rec.ConfidenceLevel)),
		slog.Float64("score", agg.OverallScore),
		slog.Int("anomalies", len(agg.Anomalies)),
		slog.Int64("duration_ms", rec.Processing.DurationMs),
	)
	if rec.Processing.DurationMs > rec.Processing.BudgetMs && rec.Processing.BudgetMs > 0 {
		a.logger.WarnContext(ctx, "processing exceeded budget",
			"capture_id", rec.CaptureID,
			"duration_ms", rec.Processing.DurationMs,
			"budget_ms", rec.Processing.BudgetMs)
	}
	return ev, nil
}

func (a *Assembler) hardware(in Input) HardwareSection {
	hw := HardwareSection{Status: in.Hardware.Status, Reason: in.Hardware.Reason}
	switch {
	case in.HardwareErr != nil:
		hw.Status = status.Unavailable
		hw.Reason = ReasonFor(in.HardwareErr)
	case !hw.Status.Valid():
		hw.Status = status.Unavailable
		hw.Reason = ReasonNotChecked
	case hw.Status == status.Unavailable && hw.Reason == "":
		hw.Reason = ReasonNotChecked
	}
	if att := in.Attestation; att != nil {
		hw.KeyID = att.KeyID
		hw.Attested = att.Attested()
		hw.IsPartial = att.IsPartial
		hw.Counter = att.Counter
		hw.UnattestedReason = att.UnattestedReason
	}
	return hw
}

func (a *Assembler) chainSection(in Input) (ChainSection, string) {
	sec := ChainSection{
		AlgorithmVersion: chain.AlgorithmVersion,
		Checkpoints:      []verify.CheckpointResult{},
	}
	if in.ChainData != nil {
		sec.AlgorithmVersion = in.ChainData.AlgorithmVersion
		sec.TotalFrames = in.ChainData.FrameCount
	}
	r := in.Chain
	if r == nil {
		sec.Status = status.Unavailable
		sec.Reason = ReasonFor(in.ChainErr)
		if sec.Reason == "" {
			sec.Reason = ReasonNotChecked
		}
		if in.ChainErr != nil {
			sec.Errors = []string{in.ChainErr.Error()}
		}
		return sec, sec.Reason
	}
	sec.Status = r.Status
	sec.ChainIntact = r.ChainIntact
	sec.AttestationValid = r.AttestationValid
	sec.VerifiedFrames = r.VerifiedFrames
	sec.TotalFrames = r.TotalFrames
	sec.FrameCountChecked = r.FrameCountChecked
	sec.BrokenAtFrame = r.BrokenAtFrame
	sec.AnalysisSource = r.AnalysisSource
	sec.Errors = append([]string(nil), r.Errors...)
	if len(r.Checkpoints) > 0 {
		sec.Checkpoints = append(sec.Checkpoints, r.Checkpoints...)
	}
	return sec, ""
}

// signalResults returns every reported result plus an unavailable entry for
// each type nobody reported, in canonical type order.
func (a *Assembler) signalResults(in Input) []signals.Result {
	missing := signals.ReasonNotReported
	if in.SignalsErr != nil {
		missing = ReasonFor(in.SignalsErr)
	}
	out := make([]signals.Result, 0, len(in.Signals)+len(signals.Types))
	for _, t := range signals.Types {
		found := false
		for _, r := range in.Signals {
			if r.Type != t {
				continue
			}
			found = true
			if r.Status == status.Unavailable && r.Reason == "" {
				r.Reason = ReasonInternalError
			}
			out = append(out, r)
		}
		if !found {
			out = append(out, signals.Unavailable(t, "", missing))
		}
	}
	return out
}

func depthAnalysis(results []signals.Result) signals.Result {
	primary := confidence.PrimarySignals(results)
	if r, ok := primary[signals.TypeDepth]; ok {
		return r
	}
	return signals.Unavailable(signals.TypeDepth, "", signals.ReasonNotReported)
}

func checks(breakdown []confidence.Component) (performed, unavailable []string) {
	performed, unavailable = []string{}, []string{}
	for _, c := range breakdown {
		if c.Available() {
			performed = append(performed, c.Name)
		} else {
			unavailable = append(unavailable, c.Name+": "+c.Reason)
		}
	}
	return performed, unavailable
}

func algorithmVersions(in Input) map[string]string {
	versions := map[string]string{
		"chain":      chain.AlgorithmVersion,
		"confidence": confidence.AlgorithmVersion,
		"evidence":   SchemaVersion,
	}
	if in.ChainData != nil && in.ChainData.AlgorithmVersion != "" {
		versions["chain"] = in.ChainData.AlgorithmVersion
	}
	for _, r := range in.Signals {
		if r.AlgorithmVersion == "" {
			continue
		}
		key := string(r.Type)
		if r.Source != "" {
			key += "@" + string(r.Source)
		}
		versions[key] = r.AlgorithmVersion
	}
	return versions
}

func claims(rec Record) []Claim {
	out := []Claim{}
	hc := rec.HashChain
	if hc.Status.Passed() && hc.ChainIntact {
		desc := fmt.Sprintf("%d of %d frames form an unbroken hash chain", hc.VerifiedFrames, hc.TotalFrames)
		out = append(out, Claim{Type: ClaimChainIntegrity, Description: desc, Basis: "cryptographic"})
		if hc.AnalysisSource == verify.SourceServer {
			out = append(out, Claim{
				Type:        ClaimServerRecomputed,
				Description: "Server recomputed every frame hash from the uploaded media",
				Basis:       "cryptographic",
			})
		}
	}
	if rec.HardwareAttestation.Status == status.Pass && hc.AttestationValid {
		desc := "Hardware-backed device key signed the final chain state"
		if rec.HardwareAttestation.IsPartial {
			desc = "Hardware-backed device key signed the chain state at the last checkpoint"
		}
		out = append(out, Claim{Type: ClaimHardwareAttested, Description: desc, Basis: "cryptographic"})
	}
	if d := rec.DepthAnalysis; d.Status == status.Pass {
		if scene, ok := d.Bool(signals.MetaRealScene); ok && scene {
			out = append(out, Claim{
				Type:        ClaimSceneDepth,
				Description: fmt.Sprintf("Depth data is consistent with a three-dimensional scene (%.0f%% confidence)", d.Confidence*100),
				Basis:       "statistical",
			})
		}
	}
	if rec.CrossValidation.Status == confidence.CrossValidationConsistent {
		out = append(out, Claim{
			Type:        ClaimCrossValidated,
			Description: fmt.Sprintf("%d independent signal comparisons agree", rec.CrossValidation.Comparisons),
			Basis:       "statistical",
		})
	}
	return out
}

func limitations(rec Record) []string {
	out := []string{
		"Cannot rule out a high-fidelity physical replica of a three-dimensional scene",
	}
	if rec.Processing.Mode == verify.ModeHashOnly {
		out = append(out, "Hash-only upload: media was not inspected by the server and content signals are device-reported")
	}
	if hw := rec.HardwareAttestation; hw.IsPartial {
		out = append(out, fmt.Sprintf("Capture was interrupted; only the first %d frames are attested", rec.HashChain.VerifiedFrames))
	}
	if !rec.HardwareAttestation.Attested {
		out = append(out, "No hardware signature over the final chain state")
	}
	if rec.DepthAnalysis.Status == status.Unavailable {
		out = append(out, "No depth analysis; scene plausibility rests on secondary signals")
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
