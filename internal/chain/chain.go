// Package chain implements the per-capture frame hash chain.
//
// Every frame is folded into a running SHA-256 value together with the
// previous value and the frame's index:
//
//	seed    = SHA256(device_id || uint64_be(capture_start_unix_ms))
//	hash[i] = SHA256(hash[i-1] || frame_data[i] || uint64_be(i))
//
// Reordering, inserting, dropping or editing any frame changes every hash
// from that frame onwards. The same functions are used by the capture client
// to build the chain and by the server to recompute it.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"slices"
	"time"
)

// AlgorithmVersion identifies the hashing scheme in payloads and evidence.
const AlgorithmVersion = "chain/1"

// DefaultSparseInterval is the stride used when thinning frame hashes for
// upload.
const DefaultSparseInterval = 10

var (
	ErrAppendFailed         = errors.New("chain: append failed")
	ErrSnapshotInconsistent = errors.New("chain: snapshot inconsistent")
	ErrOutOfOrder           = errors.New("chain: frame out of order")
	ErrNoFrames             = errors.New("chain: no frames appended")
	ErrUnknownCheckpoint    = errors.New("chain: unknown checkpoint")
	ErrInvalidHash          = errors.New("chain: invalid hash encoding")
)

// Hash is a SHA-256 digest. It encodes as lowercase hex in JSON.
type Hash [sha256.Size]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is all zero bytes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("%w: got %d bytes", ErrInvalidHash, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// FrameHashEntry is one link of the chain.
type FrameHashEntry struct {
	FrameIndex uint64 `json:"frame_index"`
	Hash       Hash   `json:"hash"`
	PrevHash   Hash   `json:"prev_hash"`
}

// Checkpoint is a periodic snapshot of the running chain value.
// FrameNumber counts the frames covered, so ChainStateHash is the hash of
// frame FrameNumber-1.
type Checkpoint struct {
	Index          uint32 `json:"index"`
	FrameNumber    uint64 `json:"frame_number"`
	TimestampMs    int64  `json:"timestamp_ms"` // since capture start
	ChainStateHash Hash   `json:"chain_state_hash"`
	Signature      []byte `json:"signature,omitempty"`
	Counter        uint64 `json:"counter,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
}

// Elapsed returns the checkpoint's offset from capture start.
func (c Checkpoint) Elapsed() time.Duration {
	return time.Duration(c.TimestampMs) * time.Millisecond
}

// Signed reports whether a signature has been attached.
func (c Checkpoint) Signed() bool {
	return len(c.Signature) > 0
}

// HashChainData is the serialized form of a chain handed to the upload
// payload builder.
type HashChainData struct {
	AlgorithmVersion string           `json:"algorithm_version"`
	DeviceID         string           `json:"device_id"`
	CaptureStartMs   int64            `json:"capture_start_ms"`
	SeedHash         Hash             `json:"seed_hash"`
	FrameHashes      []FrameHashEntry `json:"frame_hashes"`
	Checkpoints      []Checkpoint     `json:"checkpoints"`
	FinalHash        Hash             `json:"final_hash"`
	FrameCount       uint64           `json:"frame_count"`
	SparseInterval   uint32           `json:"sparse_interval"`
}

// LastCheckpoint returns the most recent checkpoint, if any.
func (d *HashChainData) LastCheckpoint() (Checkpoint, bool) {
	if len(d.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return d.Checkpoints[len(d.Checkpoints)-1], true
}

// Clone returns a deep copy.
func (d *HashChainData) Clone() *HashChainData {
	out := *d
	out.FrameHashes = append([]FrameHashEntry(nil), d.FrameHashes...)
	out.Checkpoints = make([]Checkpoint, len(d.Checkpoints))
	for i, cp := range d.Checkpoints {
		cp.Signature = append([]byte(nil), cp.Signature...)
		out.Checkpoints[i] = cp
	}
	return &out
}

// Seed derives the chain's starting value.
func Seed(deviceID string, start time.Time) Hash {
	h := sha256.New()
	h.Write([]byte(deviceID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(start.UnixMilli()))
	h.Write(buf[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Link computes hash[index] from hash[index-1] and the frame bytes.
func Link(prev Hash, frameData []byte, index uint64) Hash {
	out, _ := link(sha256.New(), prev, frameData, index)
	return out
}

func link(h hash.Hash, prev Hash, frameData []byte, index uint64) (Hash, error) {
	var out Hash
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	for _, part := range [][]byte{prev[:], frameData, idx[:]} {
		if _, err := h.Write(part); err != nil {
			return out, err
		}
	}
	sum := h.Sum(nil)
	if len(sum) != len(out) {
		return out, fmt.Errorf("digest size %d", len(sum))
	}
	copy(out[:], sum)
	return out, nil
}

// Recompute folds frames into the chain starting at seed and returns every
// intermediate hash, so hashes[i] is the value after frame i.
func Recompute(seed Hash, frames [][]byte) []Hash {
	hashes := make([]Hash, len(frames))
	prev := seed
	for i, f := range frames {
		prev = Link(prev, f, uint64(i))
		hashes[i] = prev
	}
	return hashes
}

// Domain separates the different things a device key signs.
type Domain string

const (
	DomainCheckpoint Domain = "framewitness/checkpoint/v1"
	DomainFinal      Domain = "framewitness/final/v1"
	DomainPartial    Domain = "framewitness/partial/v1"
)

// SigningDigest is the exact 32-byte value passed to hardware signers.
//
//	SHA256(domain || 0x00 || uint32_be(index) || uint64_be(frame_number) ||
//	       uint64_be(counter) || hash)
func SigningDigest(domain Domain, index uint32, frameNumber, counter uint64, h Hash) [32]byte {
	buf := make([]byte, 0, len(domain)+1+4+8+8+len(h))
	buf = append(buf, domain...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, index)
	buf = binary.BigEndian.AppendUint64(buf, frameNumber)
	buf = binary.BigEndian.AppendUint64(buf, counter)
	buf = append(buf, h[:]...)
	return sha256.Sum256(buf)
}

// SparseIndices returns the frame indices kept when thinning a chain of
// frameCount frames with the given stride. Both ends of every stride window
// are kept so hash-only verification always has adjacent pairs to link, and
// every boundary in extra (checkpoint frames) plus the last frame is kept.
func SparseIndices(frameCount uint64, interval uint32, extra []uint64) []uint64 {
	if frameCount == 0 {
		return nil
	}
	n := max(uint64(interval), 1)
	out := make([]uint64, 0, 2*(frameCount/n+1)+uint64(len(extra)))
	for i := uint64(0); i < frameCount; i += n {
		out = append(out, i)
		if end := i + n - 1; end > i && end < frameCount {
			out = append(out, end)
		}
	}
	out = append(out, frameCount-1)
	for _, e := range extra {
		if e < frameCount {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
