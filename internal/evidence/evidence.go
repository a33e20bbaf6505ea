// Package evidence assembles the write-once record that explains how a
// capture's confidence level was reached.
//
// An Evidence value is frozen at assembly: its JSON encoding is computed
// once, validated against the embedded schema, and every accessor returns
// copies. Reprocessing a capture produces a new Evidence with a new ID that
// names the one it supersedes.
package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"framewitness/internal/confidence"
	"framewitness/internal/signals"
	"framewitness/internal/status"
	"framewitness/internal/verify"
)

// SchemaVersion is written into every record.
const SchemaVersion = "framewitness/evidence/v1"

var (
	ErrInvalidInput    = errors.New("evidence: invalid input")
	ErrSchemaInvalid   = errors.New("evidence: record does not match schema")
	ErrComponentPanic  = errors.New("evidence: component panicked")
	ErrMalformedRecord = errors.New("evidence: malformed record")
)

// ClaimType identifies what a claim asserts.
type ClaimType string

const (
	ClaimChainIntegrity   ClaimType = "chain_integrity"
	ClaimHardwareAttested ClaimType = "hardware_attested"
	ClaimServerRecomputed ClaimType = "server_recomputed"
	ClaimSceneDepth       ClaimType = "scene_depth"
	ClaimCrossValidated   ClaimType = "cross_validated"
)

// Claim is a human-readable statement backed by one of the checks.
type Claim struct {
	Type        ClaimType `json:"type"`
	Description string    `json:"description"`
	Basis       string    `json:"basis"` // cryptographic or statistical
}

// HardwareSection reports the device key and final attestation.
type HardwareSection struct {
	Status           status.Status `json:"status"`
	Reason           string        `json:"reason,omitempty"`
	KeyID            string        `json:"key_id,omitempty"`
	Attested         bool          `json:"attested"`
	IsPartial        bool          `json:"is_partial"`
	Counter          uint64        `json:"counter,omitempty"`
	UnattestedReason string        `json:"unattested_reason,omitempty"`
}

// ChainSection reports hash chain verification.
type ChainSection struct {
	Status            status.Status             `json:"status"`
	Reason            string                    `json:"reason,omitempty"`
	AlgorithmVersion  string                    `json:"algorithm_version"`
	ChainIntact       bool                      `json:"chain_intact"`
	AttestationValid  bool                      `json:"attestation_valid"`
	VerifiedFrames    uint64                    `json:"verified_frames"`
	TotalFrames       uint64                    `json:"total_frames"`
	FrameCountChecked bool                      `json:"frame_count_checked"`
	BrokenAtFrame     *uint64                   `json:"broken_at_frame,omitempty"`
	AnalysisSource    string                    `json:"analysis_source,omitempty"`
	Checkpoints       []verify.CheckpointResult `json:"checkpoints"`
	Errors            []string                  `json:"errors,omitempty"`
}

// CrossValidationSection reports agreement between signals.
type CrossValidationSection struct {
	Status      string               `json:"status"`
	Comparisons int                  `json:"comparisons"`
	Anomalies   []confidence.Anomaly `json:"anomalies"`
}

// ConfidenceSection reports the score and how the level was decided.
type ConfidenceSection struct {
	OverallScore       float64                `json:"overall_score"`
	Level              confidence.Level       `json:"level"`
	PerSignalBreakdown []confidence.Component `json:"per_signal_breakdown"`
	Reasons            []string               `json:"reasons"`
}

// Processing is metadata about the processing pass itself.
type Processing struct {
	StartedAt         time.Time         `json:"started_at"`
	DurationMs        int64             `json:"duration_ms"`
	BudgetMs          int64             `json:"budget_ms"`
	Mode              verify.Mode       `json:"mode"`
	ChecksPerformed   []string          `json:"checks_performed"`
	ChecksUnavailable []string          `json:"checks_unavailable"`
	AlgorithmVersions map[string]string `json:"algorithm_versions"`
	MediaDigest       digest.Digest     `json:"media_digest,omitempty"`
	Supersedes        string            `json:"supersedes,omitempty"`
	ServerVersion     string            `json:"server_version,omitempty"`
}

// Record is the wire shape of an Evidence.
type Record struct {
	EvidenceID          string                 `json:"evidence_id"`
	SchemaVersion       string                 `json:"schema_version"`
	CaptureID           string                 `json:"capture_id"`
	DeviceID            string                 `json:"device_id"`
	CreatedAt           time.Time              `json:"created_at"`
	ConfidenceLevel     confidence.Level       `json:"confidence_level"`
	HardwareAttestation HardwareSection        `json:"hardware_attestation"`
	HashChain           ChainSection           `json:"hash_chain"`
	DepthAnalysis       signals.Result         `json:"depth_analysis"`
	Signals             []signals.Result       `json:"signals"`
	CrossValidation     CrossValidationSection `json:"cross_validation"`
	Confidence          ConfidenceSection      `json:"confidence"`
	Processing          Processing             `json:"processing"`
	Claims              []Claim                `json:"claims"`
	Limitations         []string               `json:"limitations"`
}

// Evidence is an immutable, schema-valid record.
type Evidence struct {
	rec Record
	raw []byte
}

// seal encodes rec, validates it and freezes the result.
func seal(rec Record) (*Evidence, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return Parse(raw)
}

// Parse validates raw against the schema and returns the frozen record.
// It is used to load stored evidence as well as to seal new records.
func Parse(raw []byte) (*Evidence, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &Evidence{rec: rec, raw: bytes.Clone(raw)}, nil
}

func (e *Evidence) ID() string { return e.rec.EvidenceID }
func (e *Evidence) CaptureID() string { return e.rec.CaptureID }
func (e *Evidence) DeviceID() string { return e.rec.DeviceID }
func (e *Evidence) Level() confidence.Level { return e.rec.ConfidenceLevel }
func (e *Evidence) Score() float64 { return e.rec.Confidence.OverallScore }
func (e *Evidence) CreatedAt() time.Time { return e.rec.CreatedAt }
func (e *Evidence) Supersedes() string { return e.rec.Processing.Supersedes }
func (e *Evidence) ChainStatus() status.Status { return e.rec.HashChain.Status }
func (e *Evidence) MediaDigest() digest.Digest { return e.rec.Processing.MediaDigest }
func (e *Evidence) Mode() verify.Mode { return e.rec.Processing.Mode }
func (e *Evidence) DurationMs() int64 { return e.rec.Processing.DurationMs }
func (e *Evidence) AnomalyCount() int { return len(e.rec.CrossValidation.Anomalies) }

// Record returns a deep copy of the decoded record.
func (e *Evidence) Record() Record {
	var rec Record
	// raw was produced from a Record, so decoding cannot fail.
	_ = json.Unmarshal(e.raw, &rec)
	return rec
}

// MarshalJSON returns the sealed encoding.
func (e *Evidence) MarshalJSON() ([]byte, error) {
	return bytes.Clone(e.raw), nil
}

// Digest is the content digest of the sealed encoding.
func (e *Evidence) Digest() digest.Digest {
	return digest.FromBytes(e.raw)
}

// Encode returns an indented copy for display.
func (e *Evidence) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, e.raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
