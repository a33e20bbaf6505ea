package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"framewitness/internal/signals"
)

var (
	framesMagic    = []byte("FWFB")
	keyframesMagic = []byte("FWKB")
)

const bundleVersion = 1

// Limits bounds what a decoder accepts.
type Limits struct {
	MaxFrames       int
	MaxFrameSize    int
	MaxDecompressed uint64
}

// DefaultLimits returns the server defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFrames:       1 << 20,
		MaxFrameSize:    64 << 20,
		MaxDecompressed: DefaultMaxDecompressed,
	}
}

// EncodeFrames packs frames into a bundle: magic, version byte, u32be
// count, then each frame as u32be length and bytes.
func EncodeFrames(frames [][]byte) []byte {
	return encodeBundle(framesMagic, frames)
}

// DecodeFrames is the inverse of EncodeFrames.
func DecodeFrames(data []byte, limits Limits) ([][]byte, error) {
	return decodeBundle(framesMagic, data, limits)
}

type keyframeEntry struct {
	signals.Keyframe
	HasLuma  bool `json:"has_luma"`
	HasDepth bool `json:"has_depth"`
}

// EncodeKeyframes packs keyframes with their luma and depth planes. The
// first entry is a JSON manifest; the planes follow in manifest order.
func EncodeKeyframes(kfs []signals.Keyframe) ([]byte, error) {
	manifest := make([]keyframeEntry, len(kfs))
	entries := [][]byte{nil}
	for i, kf := range kfs {
		manifest[i] = keyframeEntry{Keyframe: kf, HasLuma: kf.HasLuma(), HasDepth: kf.HasDepth()}
		if manifest[i].HasLuma {
			entries = append(entries, kf.Luma)
		}
		if manifest[i].HasDepth {
			entries = append(entries, signals.EncodeDepth(kf.Depth))
		}
	}
	m, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("storage: encode keyframe manifest: %w", err)
	}
	entries[0] = m
	return encodeBundle(keyframesMagic, entries), nil
}

// DecodeKeyframes is the inverse of EncodeKeyframes.
func DecodeKeyframes(data []byte, limits Limits) ([]signals.Keyframe, error) {
	entries, err := decodeBundle(keyframesMagic, data, limits)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: keyframe bundle has no manifest", ErrMalformed)
	}
	var manifest []keyframeEntry
	if err := json.Unmarshal(entries[0], &manifest); err != nil {
		return nil, fmt.Errorf("%w: keyframe manifest: %v", ErrMalformed, err)
	}

	planes := entries[1:]
	next := func() ([]byte, error) {
		if len(planes) == 0 {
			return nil, fmt.Errorf("%w: keyframe bundle truncated", ErrMalformed)
		}
		p := planes[0]
		planes = planes[1:]
		return p, nil
	}

	out := make([]signals.Keyframe, len(manifest))
	for i, e := range manifest {
		kf := e.Keyframe
		if e.HasLuma {
			if kf.Luma, err = next(); err != nil {
				return nil, err
			}
			if !kf.HasLuma() {
				return nil, fmt.Errorf("%w: keyframe %d luma is %d bytes for %dx%d",
					ErrMalformed, kf.Index, len(kf.Luma), kf.Width, kf.Height)
			}
		}
		if e.HasDepth {
			raw, err := next()
			if err != nil {
				return nil, err
			}
			if kf.Depth, err = signals.DecodeDepth(raw, kf.DepthWidth, kf.DepthHeight); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		}
		out[i] = kf
	}
	if len(planes) != 0 {
		return nil, fmt.Errorf("%w: %d trailing keyframe planes", ErrMalformed, len(planes))
	}
	return out, nil
}

func encodeBundle(magic []byte, entries [][]byte) []byte {
	size := len(magic) + 1 + 4
	for _, e := range entries {
		size += 4 + len(e)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, magic...)
	buf = append(buf, bundleVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e)))
		buf = append(buf, e...)
	}
	return buf
}

func decodeBundle(magic, data []byte, limits Limits) ([][]byte, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	data = data[len(magic):]
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if data[0] != bundleVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, data[0])
	}
	count := binary.BigEndian.Uint32(data[1:5])
	data = data[5:]
	if limits.MaxFrames > 0 && uint64(count) > uint64(limits.MaxFrames) {
		return nil, fmt.Errorf("%w: %d entries", ErrTooLarge, count)
	}
	// Each entry needs at least its length prefix.
	if uint64(count)*4 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformed, count, len(data))
	}

	out := make([][]byte, 0, count)
	for i := range count {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: entry %d truncated", ErrMalformed, i)
		}
		n := binary.BigEndian.Uint32(data)
		data = data[4:]
		if limits.MaxFrameSize > 0 && uint64(n) > uint64(limits.MaxFrameSize) {
			return nil, fmt.Errorf("%w: entry %d is %d bytes", ErrTooLarge, i, n)
		}
		if uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: entry %d truncated", ErrMalformed, i)
		}
		out = append(out, data[:n:n])
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data))
	}
	return out, nil
}
