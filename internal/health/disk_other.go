//go:build !linux && !darwin && !freebsd

package health

import "errors"

func freeSpace(string) (uint64, error) {
	return 0, errors.New("free space not supported on this platform")
}
