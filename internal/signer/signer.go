// Package signer loads, encodes and verifies device keys.
//
// Devices sign with ECDSA P-256 (hardware key stores) or Ed25519 (software
// keys). Public keys travel as PKIX DER; operators may also provide them in
// OpenSSH authorized_keys format.
package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type")
	ErrKeyDecryption    = errors.New("signer: key is encrypted (passphrase required)")
	ErrBadSignature     = errors.New("signer: signature verification failed")
)

// KeyType names a supported signature algorithm.
type KeyType string

const (
	KeyECDSAP256 KeyType = "ecdsa-p256"
	KeyEd25519   KeyType = "ed25519"
)

// KeyTypeOf returns the algorithm of pub.
func KeyTypeOf(pub crypto.PublicKey) (KeyType, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return "", fmt.Errorf("%w: ecdsa curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		return KeyECDSAP256, nil
	case ed25519.PublicKey:
		return KeyEd25519, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// MarshalPublicKey encodes pub as PKIX DER.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	if _, err := KeyTypeOf(pub); err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey decodes PKIX DER.
func ParsePublicKey(der []byte) (crypto.PublicKey, KeyType, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	kt, err := KeyTypeOf(pub)
	if err != nil {
		return nil, "", err
	}
	return pub, kt, nil
}

// KeyID is the first 8 bytes of SHA-256 over the PKIX encoding, in hex.
func KeyID(pub crypto.PublicKey) (string, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}

// ParsePublicKeyText accepts a PEM "PUBLIC KEY" block or an OpenSSH
// authorized_keys line.
func ParsePublicKeyText(data []byte) (crypto.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		pub, _, err := ParsePublicKey(block.Bytes)
		return pub, err
	}

	sshPub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	pub := cryptoPub.CryptoPublicKey()
	if _, err := KeyTypeOf(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// LoadPublicKey reads a public key file in any format ParsePublicKeyText
// accepts.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return ParsePublicKeyText(data)
}

// MarshalAuthorizedKey renders pub as an authorized_keys line.
func MarshalAuthorizedKey(pub crypto.PublicKey) ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), nil
}

// ParsePrivateKey accepts PKCS#8 and SEC 1 PEM blocks and OpenSSH private
// keys.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKeyFormat
	}

	var parsed any
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		parsed, err = ssh.ParseRawPrivateKey(data)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyDecryption
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		if _, err := KeyTypeOf(&k.PublicKey); err != nil {
			return nil, err
		}
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// LoadPrivateKey reads a private key file.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return ParsePrivateKey(data)
}

// MarshalPrivateKey encodes key as a PKCS#8 PEM block.
func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Verify checks sig over digest. ECDSA signatures are ASN.1 DER; Ed25519
// signs the digest bytes as the message.
func Verify(pub crypto.PublicKey, digest, sig []byte) error {
	if len(sig) == 0 {
		return fmt.Errorf("%w: empty signature", ErrBadSignature)
	}
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, sig) {
			return ErrBadSignature
		}
	case ed25519.PublicKey:
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(k, digest, sig) {
			return ErrBadSignature
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	return nil
}
