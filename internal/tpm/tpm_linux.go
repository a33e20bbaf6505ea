//go:build linux

package tpm

import (
	"fmt"
	"os"

	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference
var devicePaths = []string{
	"/dev/tpmrm0", // resource manager
	"/dev/tpm0",
}

// Detect returns the first accessible TPM device path, or "".
func Detect() string {
	for _, path := range devicePaths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			f.Close()
			return path
		}
	}
	return ""
}

func openTransport(path string) (transport.TPMCloser, error) {
	if path == "" {
		path = Detect()
	}
	if path == "" {
		return nil, ErrTPMNotAvailable
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTPMNotAvailable, err)
	}
	t, err := transport.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to open %s: %w", path, err)
	}
	return t, nil
}
