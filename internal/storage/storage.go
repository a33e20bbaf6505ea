// Package storage is the boundary to blob storage: filesystem-backed
// Downloader and Uploader implementations, the frame and keyframe bundle
// codecs and zstd compression of uploaded bundles.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"framewitness/internal/signals"
	"framewitness/internal/verify"
)

// Content types used for uploaded objects.
const (
	ContentTypeFrames    = "application/vnd.framewitness.frames.v1"
	ContentTypeKeyframes = "application/vnd.framewitness.keyframes.v1"
	ContentTypeZstd      = "application/zstd"
	ContentTypeJSON      = "application/json"
)

var (
	ErrNotFound       = errors.New("storage: object not found")
	ErrInvalidKey     = errors.New("storage: invalid key")
	ErrTooLarge       = errors.New("storage: object too large")
	ErrDigestMismatch = errors.New("storage: digest mismatch")
	ErrMalformed      = errors.New("storage: malformed bundle")
)

// Downloader fetches an object by key.
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Uploader stores an object under key.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Fetch downloads key and, when want is set, checks the bytes against it.
// Every failure wraps verify.ErrDownloadFailed.
func Fetch(ctx context.Context, d Downloader, key string, want digest.Digest) ([]byte, error) {
	data, err := d.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", verify.ErrDownloadFailed, key, err)
	}
	if want != "" {
		if err := CheckDigest(want, data); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", verify.ErrDownloadFailed, key, err)
		}
	}
	return data, nil
}

// CheckDigest reports whether data hashes to want.
func CheckDigest(want digest.Digest, data []byte) error {
	if err := want.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	algo := want.Algorithm()
	if !algo.Available() {
		return fmt.Errorf("%w: algorithm %q unavailable", ErrDigestMismatch, algo)
	}
	if got := algo.FromBytes(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, want)
	}
	return nil
}

// LoadFrames fetches a frame bundle, decompressing it if needed.
func LoadFrames(ctx context.Context, d Downloader, key string, want digest.Digest, limits Limits) ([][]byte, error) {
	data, err := Fetch(ctx, d, key, want)
	if err != nil {
		return nil, err
	}
	if IsZstd(data) {
		if data, err = Decompress(data, limits.MaxDecompressed); err != nil {
			return nil, err
		}
	}
	frames, err := DecodeFrames(data, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", verify.ErrDecompressFailed, err)
	}
	return frames, nil
}

// LoadKeyframes fetches a keyframe bundle, decompressing it if needed.
func LoadKeyframes(ctx context.Context, d Downloader, key string, want digest.Digest, limits Limits) ([]signals.Keyframe, error) {
	data, err := Fetch(ctx, d, key, want)
	if err != nil {
		return nil, err
	}
	if IsZstd(data) {
		if data, err = Decompress(data, limits.MaxDecompressed); err != nil {
			return nil, err
		}
	}
	kfs, err := DecodeKeyframes(data, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", verify.ErrDecompressFailed, err)
	}
	return kfs, nil
}

// Put compresses data when asked and uploads it, returning the digest of
// the stored bytes.
func Put(ctx context.Context, u Uploader, key string, data []byte, contentType string, compress bool) (digest.Digest, error) {
	if compress {
		var err error
		if data, err = Compress(data); err != nil {
			return "", err
		}
		contentType = ContentTypeZstd
	}
	if err := u.Upload(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return digest.FromBytes(data), nil
}
