package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrDestroyed   = errors.New("security: secret already destroyed")
	ErrWeakKey     = errors.New("security: key is too weak")
	ErrInvalidSize = errors.New("security: invalid key size")
)

// MinKeySize is the smallest master secret accepted, in bytes.
const MinKeySize = 16

// GenerateKey returns size random bytes.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes", ErrInvalidSize, MinKeySize)
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("security: read random: %w", err)
	}
	return key, nil
}

// DeriveKey derives a sub key for label from master with HKDF-SHA256.
func DeriveKey(master []byte, label string, size int) ([]byte, error) {
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("%w: master secret is %d bytes, minimum %d",
			ErrWeakKey, len(master), MinKeySize)
	}
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes", ErrInvalidSize, MinKeySize)
	}
	r := hkdf.New(sha256.New, master, nil, []byte("framewitness:"+label))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("security: derive %s: %w", label, err)
	}
	return out, nil
}

// Equal compares a and b in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
