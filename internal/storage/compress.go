package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"framewitness/internal/verify"
)

// DefaultMaxDecompressed bounds a decompressed bundle.
const DefaultMaxDecompressed = 1 << 30

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
)

// IsZstd reports whether data starts with a zstd frame header.
func IsZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Compress zstd-compresses data.
func Compress(data []byte) ([]byte, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	if encoderErr != nil {
		return nil, fmt.Errorf("storage: create encoder: %w", encoderErr)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress inflates a zstd stream of at most maxSize bytes. Errors wrap
// verify.ErrDecompressFailed.
func Decompress(data []byte, maxSize uint64) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxDecompressed
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxSize),
		zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: create decoder: %v", verify.ErrDecompressFailed, err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verify.ErrDecompressFailed, err)
	}
	if uint64(len(out)) > maxSize {
		return nil, fmt.Errorf("%w: %w: %d bytes", verify.ErrDecompressFailed, ErrTooLarge, len(out))
	}
	return out, nil
}
