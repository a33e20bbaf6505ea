// Package hardware abstracts the device key store that signs chain state.
//
// A Device owns one signing key and one monotonic counter. Every signature
// consumes a fresh counter value, and the counter is bound into the signed
// digest so a verifier can reject replays.
package hardware

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"framewitness/internal/chain"
)

var (
	ErrKeyNotFound   = errors.New("hardware: signing key not found")
	ErrSigningFailed = errors.New("hardware: signing failed")
	ErrCounterFailed = errors.New("hardware: monotonic counter unavailable")
	ErrUnavailable   = errors.New("hardware: key store not available")
)

// Device is a hardware (or software stand-in) key store.
type Device interface {
	// KeyID identifies the signing key to the verifier.
	KeyID() string
	// Public returns the signing key's public half.
	Public() crypto.PublicKey
	// NextCounter increments and returns the monotonic counter.
	NextCounter(ctx context.Context) (uint64, error)
	// Sign signs a 32-byte digest. ECDSA signatures are ASN.1 DER.
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// Signature is a signed chain value plus the counter it was bound to.
type Signature struct {
	Bytes   []byte
	Counter uint64
	KeyID   string
	Digest  [32]byte
}

// SignChainState reserves a counter value and signs the canonical digest for
// h. Errors always wrap ErrSigningFailed, ErrKeyNotFound or ErrCounterFailed.
func SignChainState(ctx context.Context, dev Device, domain chain.Domain, index uint32, frameNumber uint64, h chain.Hash) (Signature, error) {
	if dev == nil {
		return Signature{}, ErrKeyNotFound
	}
	counter, err := dev.NextCounter(ctx)
	if err != nil {
		if errors.Is(err, ErrCounterFailed) {
			return Signature{}, err
		}
		return Signature{}, fmt.Errorf("%w: %v", ErrCounterFailed, err)
	}

	digest := chain.SigningDigest(domain, index, frameNumber, counter, h)
	sig, err := dev.Sign(ctx, digest[:])
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrSigningFailed) {
			return Signature{}, err
		}
		return Signature{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return Signature{Bytes: sig, Counter: counter, KeyID: dev.KeyID(), Digest: digest}, nil
}
