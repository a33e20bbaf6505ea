package capture

import (
	"context"
	"fmt"
	"time"

	"framewitness/internal/checkpoint"
	"framewitness/internal/payload"
	"framewitness/internal/storage"
	"framewitness/internal/verify"
)

// UploadOptions controls how a result is uploaded.
type UploadOptions struct {
	Mode verify.Mode
	// Compress zstd-compresses the frame and keyframe bundles.
	Compress  bool
	FrameRate float64
	Now       func() time.Time
}

// Payload builds the upload payload for r. In full media mode the frame
// and keyframe bundles are uploaded through u first; hash-only mode sends
// nothing but the chain, the attestation and the device signal results.
func (r *Result) Payload(ctx context.Context, u storage.Uploader, opts UploadOptions) (*payload.Payload, error) {
	if opts.Mode == "" {
		opts.Mode = verify.ModeFullMedia
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &payload.Payload{
		Version:     payload.Version,
		CaptureID:   r.CaptureID,
		DeviceID:    r.DeviceID,
		Mode:        opts.Mode,
		CreatedAt:   opts.Now().UTC(),
		Chain:       r.Chain,
		Attestation: r.Attestation,
		Signals:     r.Signals,
		Media: payload.Media{
			DurationMs: r.Duration.Milliseconds(),
			FrameRate:  opts.FrameRate,
		},
	}

	if opts.Mode == verify.ModeFullMedia {
		if r.Frames == nil {
			return nil, fmt.Errorf("capture: full media upload needs retained frames")
		}
		key := payload.FramesKey(r.CaptureID)
		d, err := storage.Put(ctx, u, key, storage.EncodeFrames(r.Frames), storage.ContentTypeFrames, opts.Compress)
		if err != nil {
			return nil, err
		}
		p.Media.FramesKey, p.Media.FramesDigest = key, d

		if len(r.Keyframes) > 0 {
			bundle, err := storage.EncodeKeyframes(r.Keyframes)
			if err != nil {
				return nil, err
			}
			key := payload.KeyframesKey(r.CaptureID)
			d, err := storage.Put(ctx, u, key, bundle, storage.ContentTypeKeyframes, opts.Compress)
			if err != nil {
				return nil, err
			}
			p.Media.KeyframesKey, p.Media.KeyframesDigest = key, d
		}
	}

	if err := payload.Upload(ctx, u, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Reattest swaps a background retry's signed attestation into the
// uploaded payload p and uploads it again. An attestation that is still
// unsigned leaves p as it is.
func (r *Result) Reattest(ctx context.Context, u storage.Uploader, p *payload.Payload, att *checkpoint.Attestation) (*payload.Payload, error) {
	if att == nil || !att.Attested() {
		return p, nil
	}
	if att.HashSigned != p.Attestation.HashSigned || att.IsPartial != p.Attestation.IsPartial {
		return nil, fmt.Errorf("capture: retried attestation covers a different chain state")
	}
	next := *p
	next.Attestation = att
	if err := payload.Upload(ctx, u, &next); err != nil {
		return nil, err
	}
	r.Attestation = att
	return &next, nil
}
