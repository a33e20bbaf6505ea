// Package tpm implements hardware.Device on a TPM 2.0.
//
// The signing key is an ECC P-256 primary key under the owner hierarchy.
// Primary keys are derived from the hierarchy seed, so recreating the key
// with the same template after a reboot yields the same key pair and key
// ID. The monotonic counter is an NV counter index; the TPM guarantees it
// never goes backwards.
package tpm

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"framewitness/internal/hardware"
	"framewitness/internal/signer"
)

// Error definitions for TPM operations.
var (
	ErrTPMNotAvailable = errors.New("tpm: hardware not available")
	ErrTPMClosed       = errors.New("tpm: device closed")
)

// NV index for the framewitness monotonic counter, in the owner-defined
// range 0x01500000 - 0x01FFFFFF.
const (
	nvCounterIndex = 0x01500001
	nvCounterSize  = 8
)

// Device is a TPM-backed hardware.Device.
type Device struct {
	mu        sync.Mutex
	t         transport.TPMCloser
	keyHandle tpm2.TPMHandle
	keyName   tpm2.TPM2BName
	pub       *ecdsa.PublicKey
	keyID     string
	closed    bool
}

var _ hardware.Device = (*Device)(nil)

// Open opens the TPM at path (or the first available default path when
// path is empty) and loads the signing key and counter.
func Open(path string) (*Device, error) {
	t, err := openTransport(path)
	if err != nil {
		return nil, err
	}
	d, err := New(t)
	if err != nil {
		t.Close()
		return nil, err
	}
	return d, nil
}

// New initializes a Device over an already opened transport, such as a
// simulator.
func New(t transport.TPMCloser) (*Device, error) {
	d := &Device{t: t}
	if err := d.createSigningKey(); err != nil {
		return nil, fmt.Errorf("tpm: create signing key: %w", err)
	}
	if err := d.initializeCounter(); err != nil {
		d.flush()
		return nil, fmt.Errorf("tpm: initialize counter: %w", err)
	}
	return d, nil
}

func signingKeyTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				CurveID: tpm2.TPMECCNistP256,
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{HashAlg: tpm2.TPMAlgSHA256},
					),
				},
			},
		),
	}
}

func (d *Device) createSigningKey() error {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(signingKeyTemplate()),
	}.Execute(d.t)
	if err != nil {
		return err
	}
	d.keyHandle = rsp.ObjectHandle
	d.keyName = rsp.Name

	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		d.flush()
		return fmt.Errorf("read public area: %w", err)
	}
	point, err := pub.Unique.ECC()
	if err != nil {
		d.flush()
		return fmt.Errorf("read ecc point: %w", err)
	}
	d.pub = &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(point.X.Buffer),
		Y:     new(big.Int).SetBytes(point.Y.Buffer),
	}
	d.keyID, err = signer.KeyID(d.pub)
	if err != nil {
		d.flush()
		return err
	}
	return nil
}

func (d *Device) initializeCounter() error {
	if _, err := (tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(nvCounterIndex)}).Execute(d.t); err == nil {
		return nil
	}
	_, err := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex: tpm2.TPMHandle(nvCounterIndex),
			NameAlg: tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{
				OwnerWrite: true,
				OwnerRead:  true,
				AuthWrite:  true,
				AuthRead:   true,
				NT:         tpm2.TPMNTCounter,
			},
			DataSize: nvCounterSize,
		}),
	}.Execute(d.t)
	if err != nil {
		return fmt.Errorf("NVDefineSpace failed: %w", err)
	}
	return nil
}

func (d *Device) KeyID() string            { return d.keyID }
func (d *Device) Public() crypto.PublicKey { return d.pub }

// NextCounter increments the NV counter and reads it back.
func (d *Device) NextCounter(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("%w: %v", hardware.ErrCounterFailed, ErrTPMClosed)
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", hardware.ErrCounterFailed, err)
	}

	nv := tpm2.AuthHandle{
		Handle: tpm2.TPMHandle(nvCounterIndex),
		Auth:   tpm2.PasswordAuth(nil),
	}
	if _, err := (tpm2.NVIncrement{AuthHandle: nv, NVIndex: tpm2.TPMHandle(nvCounterIndex)}).Execute(d.t); err != nil {
		return 0, fmt.Errorf("%w: NVIncrement: %v", hardware.ErrCounterFailed, err)
	}
	rsp, err := tpm2.NVRead{
		AuthHandle: nv,
		NVIndex:    tpm2.TPMHandle(nvCounterIndex),
		Size:       nvCounterSize,
	}.Execute(d.t)
	if err != nil {
		return 0, fmt.Errorf("%w: NVRead: %v", hardware.ErrCounterFailed, err)
	}
	if len(rsp.Data.Buffer) < nvCounterSize {
		return 0, fmt.Errorf("%w: counter data too short", hardware.ErrCounterFailed)
	}
	return binary.BigEndian.Uint64(rsp.Data.Buffer), nil
}

// Sign signs a SHA-256 digest with the TPM key and returns an ASN.1 DER
// ECDSA signature.
func (d *Device) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: %v", hardware.ErrKeyNotFound, ErrTPMClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", hardware.ErrSigningFailed, err)
	}

	rsp, err := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: d.keyHandle,
			Name:   d.keyName,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digest: tpm2.TPM2BDigest{Buffer: digest},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgECDSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgECDSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHNull,
		},
	}.Execute(d.t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hardware.ErrSigningFailed, err)
	}
	ecc, err := rsp.Signature.Signature.ECDSA()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hardware.ErrSigningFailed, err)
	}
	return encodeSignature(ecc.SignatureR.Buffer, ecc.SignatureS.Buffer)
}

// encodeSignature builds the ASN.1 SEQUENCE { r INTEGER, s INTEGER } that
// ecdsa.VerifyASN1 expects.
func encodeSignature(r, s []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(r))
		b.AddASN1BigInt(new(big.Int).SetBytes(s))
	})
	return b.Bytes()
}

func (d *Device) flush() {
	if d.keyHandle != 0 {
		tpm2.FlushContext{FlushHandle: d.keyHandle}.Execute(d.t)
		d.keyHandle = 0
	}
}

// Close flushes the key and closes the transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.flush()
	return d.t.Close()
}
