package chain

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"sync"
	"time"
)

// Builder owns the mutable chain state of one active capture.
//
// Append must be driven from a single goroutine in frame order. Snapshot,
// MarkCheckpoint and AttachSignature may be called from other goroutines.
type Builder struct {
	mu sync.Mutex

	deviceID       string
	start          time.Time
	seed           Hash
	current        Hash
	hashes         []Hash
	checkpoints    []Checkpoint
	sparseInterval uint32
	newHash        func() hash.Hash

	// set once the hash primitive has failed; the builder is unusable after
	failure error
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithSparseInterval sets the stride used by Snapshot.
func WithSparseInterval(n uint32) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.sparseInterval = n
		}
	}
}

// WithHashFunc replaces the SHA-256 constructor. Only tests use this.
func WithHashFunc(fn func() hash.Hash) BuilderOption {
	return func(b *Builder) {
		b.newHash = fn
	}
}

// WithCapacity preallocates room for the expected number of frames.
func WithCapacity(frames int) BuilderOption {
	return func(b *Builder) {
		if frames > 0 {
			b.hashes = make([]Hash, 0, frames)
		}
	}
}

// NewBuilder starts a chain for deviceID at capture start time start.
func NewBuilder(deviceID string, start time.Time, opts ...BuilderOption) *Builder {
	b := &Builder{
		deviceID:       deviceID,
		start:          start,
		sparseInterval: DefaultSparseInterval,
		newHash:        sha256.New,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.seed = Seed(deviceID, start)
	b.current = b.seed
	return b
}

// Append folds the next frame into the chain. frameIndex must be exactly the
// number of frames appended so far.
func (b *Builder) Append(frameData []byte, frameIndex uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failure != nil {
		return fmt.Errorf("%w: builder unusable after %v", ErrAppendFailed, b.failure)
	}
	next := uint64(len(b.hashes))
	if frameIndex != next {
		return fmt.Errorf("%w: got frame %d, expected %d", ErrOutOfOrder, frameIndex, next)
	}

	h, err := link(b.newHash(), b.current, frameData, frameIndex)
	if err != nil {
		b.failure = err
		return fmt.Errorf("%w: frame %d: %v", ErrAppendFailed, frameIndex, err)
	}
	b.hashes = append(b.hashes, h)
	b.current = h
	return nil
}

// Len returns the number of frames appended.
func (b *Builder) Len() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.hashes))
}

// Current returns the running chain value.
func (b *Builder) Current() Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Seed returns the chain's starting value.
func (b *Builder) Seed() Hash {
	return b.seed
}

// Start returns the capture start time the chain was seeded with.
func (b *Builder) Start() time.Time {
	return b.start
}

// Failed reports whether the builder hit a fatal append error.
func (b *Builder) Failed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure != nil
}

// MarkCheckpoint records the current chain state as the next checkpoint.
// elapsed is the checkpoint's interval boundary relative to capture start.
func (b *Builder) MarkCheckpoint(elapsed time.Duration) (Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failure != nil {
		return Checkpoint{}, fmt.Errorf("%w: builder unusable after %v", ErrAppendFailed, b.failure)
	}
	if len(b.hashes) == 0 {
		return Checkpoint{}, ErrNoFrames
	}
	cp := Checkpoint{
		Index:          uint32(len(b.checkpoints)),
		FrameNumber:    uint64(len(b.hashes)),
		TimestampMs:    elapsed.Milliseconds(),
		ChainStateHash: b.current,
	}
	b.checkpoints = append(b.checkpoints, cp)
	return cp, nil
}

// AttachSignature stores the hardware signature for checkpoint index.
func (b *Builder) AttachSignature(index uint32, sig []byte, counter uint64, keyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(index) >= len(b.checkpoints) {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, index)
	}
	cp := &b.checkpoints[index]
	cp.Signature = append([]byte(nil), sig...)
	cp.Counter = counter
	cp.KeyID = keyID
	return nil
}

// Checkpoints returns a copy of the checkpoints recorded so far.
func (b *Builder) Checkpoints() []Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneCheckpoints(b.checkpoints)
}

// Snapshot returns the seed, the sparse frame hashes, the checkpoints so far
// and the running hash. It never observes a half-applied append.
func (b *Builder) Snapshot() (*HashChainData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failure != nil {
		return nil, fmt.Errorf("%w: builder unusable after %v", ErrAppendFailed, b.failure)
	}

	count := uint64(len(b.hashes))
	boundaries := make([]uint64, 0, len(b.checkpoints))
	for i, cp := range b.checkpoints {
		if cp.Index != uint32(i) || cp.FrameNumber == 0 || cp.FrameNumber > count {
			return nil, fmt.Errorf("%w: checkpoint %d covers %d of %d frames",
				ErrSnapshotInconsistent, cp.Index, cp.FrameNumber, count)
		}
		if b.hashes[cp.FrameNumber-1] != cp.ChainStateHash {
			return nil, fmt.Errorf("%w: checkpoint %d hash does not match frame %d",
				ErrSnapshotInconsistent, cp.Index, cp.FrameNumber-1)
		}
		boundaries = append(boundaries, cp.FrameNumber-1)
	}
	if count > 0 && b.hashes[count-1] != b.current {
		return nil, fmt.Errorf("%w: running hash diverged", ErrSnapshotInconsistent)
	}

	indices := SparseIndices(count, b.sparseInterval, boundaries)
	entries := make([]FrameHashEntry, 0, len(indices))
	for _, i := range indices {
		prev := b.seed
		if i > 0 {
			prev = b.hashes[i-1]
		}
		entries = append(entries, FrameHashEntry{FrameIndex: i, Hash: b.hashes[i], PrevHash: prev})
	}

	return &HashChainData{
		AlgorithmVersion: AlgorithmVersion,
		DeviceID:         b.deviceID,
		CaptureStartMs:   b.start.UnixMilli(),
		SeedHash:         b.seed,
		FrameHashes:      entries,
		Checkpoints:      cloneCheckpoints(b.checkpoints),
		FinalHash:        b.current,
		FrameCount:       count,
		SparseInterval:   b.sparseInterval,
	}, nil
}

func cloneCheckpoints(in []Checkpoint) []Checkpoint {
	out := make([]Checkpoint, len(in))
	for i, cp := range in {
		cp.Signature = append([]byte(nil), cp.Signature...)
		out[i] = cp
	}
	return out
}
