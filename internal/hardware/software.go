package hardware

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"framewitness/internal/security"
	"framewitness/internal/signer"
)

// SoftwareDevice keeps its private key in locked process memory and its
// counter in RAM. It stands in for a secure element in development, tests
// and the simulation CLI.
type SoftwareDevice struct {
	key     *security.SecureBytes // PKCS#8 DER
	pub     crypto.PublicKey
	keyID   string
	counter atomic.Uint64

	closeOnce sync.Once
}

// NewSoftwareDevice wraps key. The counter starts at startCounter, so the
// first signature uses startCounter+1.
func NewSoftwareDevice(key crypto.Signer, startCounter uint64) (*SoftwareDevice, error) {
	keyID, err := signer.KeyID(key.Public())
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("hardware: encode key: %w", err)
	}
	d := &SoftwareDevice{
		key:   security.NewSecureBytes(der),
		pub:   key.Public(),
		keyID: keyID,
	}
	d.counter.Store(startCounter)
	return d, nil
}

// GenerateSoftwareDevice creates a device with a fresh P-256 key.
func GenerateSoftwareDevice() (*SoftwareDevice, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hardware: generate key: %w", err)
	}
	return NewSoftwareDevice(key, 0)
}

func (d *SoftwareDevice) KeyID() string { return d.keyID }
func (d *SoftwareDevice) Public() crypto.PublicKey { return d.pub }

// Counter returns the last issued counter value.
func (d *SoftwareDevice) Counter() uint64 {
	return d.counter.Load()
}

func (d *SoftwareDevice) NextCounter(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCounterFailed, err)
	}
	return d.counter.Add(1), nil
}

func (d *SoftwareDevice) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	var sig []byte
	err := d.key.Use(func(der []byte) error {
		parsed, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return err
		}
		s, ok := parsed.(crypto.Signer)
		if !ok {
			return fmt.Errorf("unsupported key %T", parsed)
		}
		opts := crypto.Hash(0)
		if _, isECDSA := s.(*ecdsa.PrivateKey); isECDSA {
			opts = crypto.SHA256
		}
		sig, err = s.Sign(rand.Reader, digest, opts)
		return err
	})
	if err != nil {
		if errors.Is(err, security.ErrDestroyed) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return sig, nil
}

// Close wipes the private key. Later Sign calls fail with ErrKeyNotFound.
func (d *SoftwareDevice) Close() error {
	d.closeOnce.Do(d.key.Destroy)
	return nil
}
