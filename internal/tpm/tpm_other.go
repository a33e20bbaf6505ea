//go:build !linux

package tpm

import "github.com/google/go-tpm/tpm2/transport"

// Detect always returns "" on platforms without a supported TPM transport.
func Detect() string { return "" }

func openTransport(string) (transport.TPMCloser, error) {
	return nil, ErrTPMNotAvailable
}
