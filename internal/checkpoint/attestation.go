// Package checkpoint signs periodic chain checkpoints and the final
// attestation of a capture with the device key.
//
// Checkpoints fall on fixed interval boundaries measured from capture start.
// Each one is queued to a single signing worker so counter values follow
// checkpoint order and frame ingestion never waits on the key store. A
// capture that ends normally gets a final attestation over the last chain
// value; an interrupted capture gets a partial attestation over its last
// completed checkpoint.
package checkpoint

import (
	"errors"

	"framewitness/internal/chain"
)

var (
	ErrNoCheckpointAvailable = errors.New("checkpoint: no completed checkpoint available")
	ErrClosed                = errors.New("checkpoint: attestor closed")
	ErrEmptyCapture          = errors.New("checkpoint: capture has no frames")
)

// Unattested reasons.
const (
	ReasonKeyNotFound      = "key_not_found"
	ReasonSigningFailed    = "signing_failed"
	ReasonCounterFailed    = "counter_failed"
	ReasonTimeout          = "signing_timeout"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonCancelled        = "cancelled"
)

// Attestation is the device's signed statement about a capture. A nil
// Signature means the capture is unattested and UnattestedReason says why.
type Attestation struct {
	HashSigned         chain.Hash `json:"hash_signed"`
	Signature          []byte     `json:"signature,omitempty"`
	IsPartial          bool       `json:"is_partial"`
	CheckpointIndex    *uint32    `json:"checkpoint_index,omitempty"`
	VerifiedFrameCount uint64     `json:"verified_frame_count"`
	VerifiedDurationMs int64      `json:"verified_duration_ms"`
	Counter            uint64     `json:"counter,omitempty"`
	KeyID              string     `json:"key_id,omitempty"`
	UnattestedReason   string     `json:"unattested_reason,omitempty"`
}

// Attested reports whether the attestation carries a signature.
func (a *Attestation) Attested() bool {
	return a != nil && len(a.Signature) > 0
}

// Domain returns the signing domain the attestation was produced under.
func (a *Attestation) Domain() chain.Domain {
	if a.IsPartial {
		return chain.DomainPartial
	}
	return chain.DomainFinal
}

// SigningIndex is the index bound into the digest: the checkpoint index for
// a partial attestation, the number of checkpoints for a final one.
func (a *Attestation) SigningIndex(checkpointCount int) uint32 {
	if a.IsPartial && a.CheckpointIndex != nil {
		return *a.CheckpointIndex
	}
	return uint32(checkpointCount)
}

// Digest recomputes the value the device signed.
func (a *Attestation) Digest(checkpointCount int) [32]byte {
	return chain.SigningDigest(a.Domain(), a.SigningIndex(checkpointCount), a.VerifiedFrameCount, a.Counter, a.HashSigned)
}

// Clone returns a deep copy.
func (a *Attestation) Clone() *Attestation {
	out := *a
	out.Signature = append([]byte(nil), a.Signature...)
	if len(a.Signature) == 0 {
		out.Signature = nil
	}
	if a.CheckpointIndex != nil {
		idx := *a.CheckpointIndex
		out.CheckpointIndex = &idx
	}
	return &out
}
