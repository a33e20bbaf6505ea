package chain

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var goldenStart = time.UnixMilli(1700000000000)

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte(fmt.Sprintf("frame-%d", i))
	}
	return frames
}

func buildChain(t *testing.T, frames [][]byte, opts ...BuilderOption) *Builder {
	t.Helper()
	b := NewBuilder("device-1", goldenStart, opts...)
	for i, f := range frames {
		require.NoError(t, b.Append(f, uint64(i)))
	}
	return b
}

// =============================================================================
// Golden vectors
// =============================================================================

func TestGoldenVectors(t *testing.T) {
	b := buildChain(t, testFrames(3))

	assert.Equal(t, "7c18c2b89cdb8feaeb141b98e17eac9fa4a7e9c07895f3273cfe7e46dddb1f9d", b.Seed().String())
	assert.Equal(t, "2bbce88295a98e74795e0c9a0a5aad7b256979750a02855ffff7c99f28976342", b.Current().String())

	hashes := Recompute(b.Seed(), testFrames(3))
	assert.Equal(t, "b0442707ab2119f560f71cf9a4e91fd2fafba093378c7cb7e31609ecb4ed940e", hashes[0].String())
	assert.Equal(t, "1de410078d986bac9dfaf5bd57efb1f5795fd42bfbf306655936953ac8f19ab6", hashes[1].String())

	digest := SigningDigest(DomainCheckpoint, 0, 3, 7, b.Current())
	assert.Equal(t, "20991cd8f5ea8800c70614c5f77688541c9dcf4251cec8b17a6da70eba5f48a5", Hash(digest).String())
}

func TestSigningDigestDomainSeparation(t *testing.T) {
	h := sha256.Sum256([]byte("state"))
	a := SigningDigest(DomainCheckpoint, 1, 10, 5, h)
	assert.NotEqual(t, a, SigningDigest(DomainFinal, 1, 10, 5, h))
	assert.NotEqual(t, a, SigningDigest(DomainPartial, 1, 10, 5, h))
	assert.NotEqual(t, a, SigningDigest(DomainCheckpoint, 1, 10, 6, h))
	assert.NotEqual(t, a, SigningDigest(DomainCheckpoint, 2, 10, 5, h))
}

// =============================================================================
// Builder
// =============================================================================

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 9, 10, 11, 97, 450} {
		frames := testFrames(n)
		b := buildChain(t, frames)
		snap, err := b.Snapshot()
		require.NoError(t, err)

		hashes := Recompute(snap.SeedHash, frames)
		assert.Equal(t, snap.FinalHash, hashes[len(hashes)-1], "n=%d", n)
		assert.Equal(t, uint64(n), snap.FrameCount)
	}
}

func TestOrderSensitivity(t *testing.T) {
	frames := testFrames(5)
	swapped := testFrames(5)
	swapped[1], swapped[2] = swapped[2], swapped[1]

	a := Recompute(Seed("device-1", goldenStart), frames)
	b := Recompute(Seed("device-1", goldenStart), swapped)

	assert.Equal(t, a[0], b[0])
	for i := 1; i < 5; i++ {
		assert.NotEqual(t, a[i], b[i], "frame %d", i)
	}
}

func TestSeedDependsOnDeviceAndStart(t *testing.T) {
	base := Seed("device-1", goldenStart)
	assert.NotEqual(t, base, Seed("device-2", goldenStart))
	assert.NotEqual(t, base, Seed("device-1", goldenStart.Add(time.Millisecond)))
	// sub-millisecond precision is not part of the seed
	assert.Equal(t, base, Seed("device-1", goldenStart.Add(time.Microsecond)))
}

func TestAppendOutOfOrder(t *testing.T) {
	b := NewBuilder("device-1", goldenStart)
	require.NoError(t, b.Append([]byte("a"), 0))

	err := b.Append([]byte("c"), 2)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	err = b.Append([]byte("a"), 0)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	require.NoError(t, b.Append([]byte("b"), 1))
	assert.Equal(t, uint64(2), b.Len())
}

type failingHash struct {
	hash.Hash
}

func (failingHash) Write([]byte) (int, error) {
	return 0, errors.New("hardware hash engine fault")
}

func TestAppendFailedIsFatal(t *testing.T) {
	calls := 0
	b := NewBuilder("device-1", goldenStart, WithHashFunc(func() hash.Hash {
		calls++
		if calls > 2 {
			return failingHash{sha256.New()}
		}
		return sha256.New()
	}))

	require.NoError(t, b.Append([]byte("a"), 0))
	require.NoError(t, b.Append([]byte("b"), 1))

	err := b.Append([]byte("c"), 2)
	require.ErrorIs(t, err, ErrAppendFailed)
	assert.True(t, b.Failed())

	// nothing is salvageable afterwards
	assert.ErrorIs(t, b.Append([]byte("c"), 2), ErrAppendFailed)
	_, err = b.Snapshot()
	assert.ErrorIs(t, err, ErrAppendFailed)
	_, err = b.MarkCheckpoint(time.Second)
	assert.ErrorIs(t, err, ErrAppendFailed)
}

func TestMarkCheckpoint(t *testing.T) {
	b := NewBuilder("device-1", goldenStart)
	_, err := b.MarkCheckpoint(5 * time.Second)
	assert.ErrorIs(t, err, ErrNoFrames)

	frames := testFrames(300)
	for i := 0; i < 150; i++ {
		require.NoError(t, b.Append(frames[i], uint64(i)))
	}
	cp0, err := b.MarkCheckpoint(5 * time.Second)
	require.NoError(t, err)
	for i := 150; i < 300; i++ {
		require.NoError(t, b.Append(frames[i], uint64(i)))
	}
	cp1, err := b.MarkCheckpoint(10 * time.Second)
	require.NoError(t, err)

	hashes := Recompute(b.Seed(), frames)
	assert.Equal(t, uint32(0), cp0.Index)
	assert.Equal(t, uint64(150), cp0.FrameNumber)
	assert.Equal(t, hashes[149], cp0.ChainStateHash)
	assert.Equal(t, int64(5000), cp0.TimestampMs)
	assert.Equal(t, uint32(1), cp1.Index)
	assert.Equal(t, uint64(300), cp1.FrameNumber)
	assert.Equal(t, hashes[299], cp1.ChainStateHash)
	assert.Equal(t, 10*time.Second, cp1.Elapsed())
}

func TestAttachSignature(t *testing.T) {
	b := buildChain(t, testFrames(20))
	_, err := b.MarkCheckpoint(time.Second)
	require.NoError(t, err)

	require.NoError(t, b.AttachSignature(0, []byte{1, 2, 3}, 42, "key-a"))
	assert.ErrorIs(t, b.AttachSignature(1, []byte{1}, 43, "key-a"), ErrUnknownCheckpoint)

	cps := b.Checkpoints()
	require.Len(t, cps, 1)
	assert.True(t, cps[0].Signed())
	assert.Equal(t, uint64(42), cps[0].Counter)

	// returned copies do not alias builder state
	cps[0].Signature[0] = 9
	assert.Equal(t, byte(1), b.Checkpoints()[0].Signature[0])
}

func TestSnapshotSparseEntriesLink(t *testing.T) {
	frames := testFrames(157)
	b := buildChain(t, frames[:150], WithSparseInterval(10))
	_, err := b.MarkCheckpoint(5 * time.Second)
	require.NoError(t, err)
	for i := 150; i < 157; i++ {
		require.NoError(t, b.Append(frames[i], uint64(i)))
	}

	snap, err := b.Snapshot()
	require.NoError(t, err)
	hashes := Recompute(snap.SeedHash, frames)

	seen := map[uint64]bool{}
	for _, e := range snap.FrameHashes {
		seen[e.FrameIndex] = true
		assert.Equal(t, hashes[e.FrameIndex], e.Hash)
		if e.FrameIndex == 0 {
			assert.Equal(t, snap.SeedHash, e.PrevHash)
		} else {
			assert.Equal(t, hashes[e.FrameIndex-1], e.PrevHash)
		}
	}
	assert.True(t, seen[0])
	assert.True(t, seen[9] && seen[10], "window ends and starts are kept")
	assert.True(t, seen[149], "checkpoint boundary")
	assert.True(t, seen[156], "last frame")
	assert.False(t, seen[5])
	assert.Less(t, len(snap.FrameHashes), 157)
}

func TestSparseIndices(t *testing.T) {
	assert.Nil(t, SparseIndices(0, 10, nil))
	assert.Equal(t, []uint64{0, 1, 2}, SparseIndices(3, 1, nil))
	assert.Equal(t, []uint64{0, 4, 5, 6}, SparseIndices(7, 5, nil))
	assert.Equal(t, []uint64{0, 2, 4, 5, 6}, SparseIndices(7, 5, []uint64{2, 100}))

	// work follows the number of windows, not the frame count
	huge := SparseIndices(1<<36, 1<<24, nil)
	require.Len(t, huge, 2*4096)
	assert.Equal(t, uint64(1<<36-1), huge[len(huge)-1])
}

func TestSnapshotConcurrentWithAppend(t *testing.T) {
	b := NewBuilder("device-1", goldenStart)
	frames := testFrames(500)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, f := range frames {
			assert.NoError(t, b.Append(f, uint64(i)))
		}
	}()

	seed := b.Seed()
	for i := 0; i < 50; i++ {
		snap, err := b.Snapshot()
		require.NoError(t, err)
		if snap.FrameCount == 0 {
			assert.Equal(t, seed, snap.FinalHash)
			continue
		}
		want := Recompute(seed, frames[:snap.FrameCount])
		assert.Equal(t, want[len(want)-1], snap.FinalHash)
	}
	wg.Wait()

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), snap.FrameCount)
}

func TestHashJSON(t *testing.T) {
	b := buildChain(t, testFrames(12))
	_, err := b.MarkCheckpoint(time.Second)
	require.NoError(t, err)
	require.NoError(t, b.AttachSignature(0, []byte("sig"), 1, "k"))

	snap, err := b.Snapshot()
	require.NoError(t, err)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"final_hash":"`+snap.FinalHash.String()+`"`)

	var back HashChainData
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, snap, &back)

	_, err = ParseHash("abc")
	assert.ErrorIs(t, err, ErrInvalidHash)
	_, err = ParseHash("zz")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestCloneIsDeep(t *testing.T) {
	b := buildChain(t, testFrames(12))
	_, err := b.MarkCheckpoint(time.Second)
	require.NoError(t, err)
	require.NoError(t, b.AttachSignature(0, []byte("sig"), 1, "k"))
	snap, err := b.Snapshot()
	require.NoError(t, err)

	c := snap.Clone()
	c.Checkpoints[0].Signature[0] = 'x'
	c.FrameHashes[0].FrameIndex = 99
	assert.Equal(t, byte('s'), snap.Checkpoints[0].Signature[0])
	assert.Equal(t, uint64(0), snap.FrameHashes[0].FrameIndex)
}
