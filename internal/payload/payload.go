// Package payload defines what a device uploads after a capture: the
// chain snapshot, its attestation, device-side signal results and, in
// full media mode, references to the frame bundles.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/opencontainers/go-digest"

	"framewitness/internal/chain"
	"framewitness/internal/checkpoint"
	"framewitness/internal/signals"
	"framewitness/internal/status"
	"framewitness/internal/storage"
	"framewitness/internal/verify"
)

// Version identifies the payload format.
const Version = "framewitness/payload/v1"

var ErrInvalid = errors.New("payload: invalid")

// Media points at the uploaded frame data. In hash-only mode only the
// timing fields are set.
type Media struct {
	FramesKey       string        `json:"frames_key,omitempty"`
	FramesDigest    digest.Digest `json:"frames_digest,omitempty"`
	KeyframesKey    string        `json:"keyframes_key,omitempty"`
	KeyframesDigest digest.Digest `json:"keyframes_digest,omitempty"`
	DurationMs      int64         `json:"duration_ms"`
	FrameRate       float64       `json:"frame_rate,omitempty"`
}

// Payload is one uploaded capture.
type Payload struct {
	Version     string                  `json:"version"`
	CaptureID   string                  `json:"capture_id"`
	DeviceID    string                  `json:"device_id"`
	Mode        verify.Mode             `json:"mode"`
	CreatedAt   time.Time               `json:"created_at"`
	Chain       *chain.HashChainData    `json:"hash_chain"`
	Attestation *checkpoint.Attestation `json:"attestation"`
	// Signals holds the results computed on the device. They are the
	// only analysis available in hash-only mode.
	Signals []signals.Result `json:"signals,omitempty"`
	Media   Media            `json:"media"`
}

// Validate checks the payload is structurally usable. It does not verify
// the chain.
func (p *Payload) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if p.Version != Version {
		fail("version %q", p.Version)
	}
	if p.CaptureID == "" {
		fail("capture_id is required")
	}
	if p.DeviceID == "" {
		fail("device_id is required")
	}
	if p.Chain == nil {
		fail("hash_chain is required")
	} else if p.Chain.DeviceID != p.DeviceID {
		fail("hash_chain device %q does not match %q", p.Chain.DeviceID, p.DeviceID)
	}
	if p.Attestation == nil {
		fail("attestation is required")
	} else if !p.Attestation.Attested() && p.Attestation.UnattestedReason == "" {
		fail("unsigned attestation needs unattested_reason")
	}
	if p.Media.DurationMs < 0 {
		fail("negative duration")
	}

	switch p.Mode {
	case verify.ModeFullMedia:
		if p.Media.FramesKey == "" {
			fail("full_media requires frames_key")
		}
		checkKey(fail, "frames_key", p.Media.FramesKey, p.Media.FramesDigest)
		if p.Media.KeyframesKey != "" {
			checkKey(fail, "keyframes_key", p.Media.KeyframesKey, p.Media.KeyframesDigest)
		}
	case verify.ModeHashOnly:
		if p.Media.FramesKey != "" || p.Media.KeyframesKey != "" {
			fail("hash_only must not reference media")
		}
	default:
		fail("unknown mode %q", p.Mode)
	}

	seen := make(map[signals.Type]bool, len(p.Signals))
	for _, r := range p.Signals {
		if seen[r.Type] {
			fail("duplicate signal %q", r.Type)
		}
		seen[r.Type] = true
		if !r.Status.Valid() {
			fail("signal %q has status %q", r.Type, r.Status)
		}
		if r.Status == status.Unavailable && r.Reason == "" {
			fail("unavailable signal %q needs a reason", r.Type)
		}
		if r.Source != signals.SourceDevice {
			fail("signal %q source %q, want device", r.Type, r.Source)
		}
	}
	return errors.Join(errs...)
}

func checkKey(fail func(string, ...any), field, key string, d digest.Digest) {
	if err := storage.ValidateKey(key); err != nil {
		fail("%s: %v", field, err)
	}
	if d == "" {
		return
	}
	if err := d.Validate(); err != nil {
		fail("%s digest: %v", field, err)
	}
}

// MediaInfo returns the timing the verifier uses for plausibility checks.
func (p *Payload) MediaInfo() verify.MediaInfo {
	return verify.MediaInfo{DurationMs: p.Media.DurationMs, FrameRate: p.Media.FrameRate}
}

// Encode marshals the payload after validating it.
func (p *Payload) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Decode parses and validates a payload.
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Key is where the payload document of captureID is stored.
func Key(captureID string) string { return path.Join("captures", captureID, "payload.json") }

// FramesKey is where the frame bundle of captureID is stored.
func FramesKey(captureID string) string { return path.Join("captures", captureID, "frames.bin") }

// KeyframesKey is where the keyframe bundle of captureID is stored.
func KeyframesKey(captureID string) string { return path.Join("captures", captureID, "keyframes.bin") }

// Upload stores the payload document.
func Upload(ctx context.Context, u storage.Uploader, p *Payload) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return u.Upload(ctx, Key(p.CaptureID), data, storage.ContentTypeJSON)
}

// Download fetches and decodes the payload of captureID.
func Download(ctx context.Context, d storage.Downloader, captureID string) (*Payload, error) {
	data, err := storage.Fetch(ctx, d, Key(captureID), "")
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
