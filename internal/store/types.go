// Package store persists registered devices, replay counters and the
// write-once evidence history.
package store

import (
	"context"
	"crypto"
	"errors"
	"time"

	"framewitness/internal/signer"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrDeviceExists    = errors.New("store: device already registered")
	ErrEvidenceExists  = errors.New("store: evidence already stored")
	ErrIntegrity       = errors.New("store: integrity check failed")
	ErrLevelMismatch   = errors.New("store: level does not match evidence")
	ErrCaptureMismatch = errors.New("store: capture does not match evidence")
)

// Device is a registered capture device.
type Device struct {
	ID string
	// PublicKey is the PKIX DER encoding of the device signing key.
	PublicKey      []byte
	KeyID          string
	KeyType        signer.KeyType
	HardwareBacked bool
	Revoked        bool
	RegisteredAt   time.Time
}

// Key parses the stored public key.
func (d *Device) Key() (crypto.PublicKey, error) {
	pub, _, err := signer.ParsePublicKey(d.PublicKey)
	return pub, err
}

// NewDevice fills the derived fields of a device from its public key.
func NewDevice(id string, pub crypto.PublicKey, hardwareBacked bool) (*Device, error) {
	der, err := signer.MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	kt, err := signer.KeyTypeOf(pub)
	if err != nil {
		return nil, err
	}
	keyID, err := signer.KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &Device{
		ID:             id,
		PublicKey:      der,
		KeyID:          keyID,
		KeyType:        kt,
		HardwareBacked: hardwareBacked,
	}, nil
}

// EvidenceRow is one stored evidence record with its index columns.
type EvidenceRow struct {
	ID         string
	CaptureID  string
	DeviceID   string
	Level      string
	Score      float64
	Supersedes string
	Digest     string
	CreatedAt  time.Time
	JSON       []byte
}

// DeviceStore is the device registry.
type DeviceStore interface {
	RegisterDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	RevokeDevice(ctx context.Context, id string) error
}

// EvidenceStore is the append-only evidence history.
type EvidenceStore interface {
	SaveEvidence(ctx context.Context, captureID string, evidenceJSON []byte, level string) error
	GetEvidence(ctx context.Context, evidenceID string) (*EvidenceRow, error)
	LatestEvidence(ctx context.Context, captureID string) (*EvidenceRow, error)
	EvidenceHistory(ctx context.Context, captureID string) ([]EvidenceRow, error)
}
