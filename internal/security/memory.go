//go:build unix

// Package security holds the small set of primitives framewitness uses to
// handle key material: locked memory, HKDF key derivation, secret files and
// a token bucket rate limiter.
package security

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte buffer that is locked into RAM when the process is
// allowed to and zeroed when destroyed.
type SecureBytes struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewSecureBytes copies data into locked memory and wipes the source.
func NewSecureBytes(data []byte) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, len(data))}
	copy(sb.data, data)
	Wipe(data)

	// mlock fails without CAP_IPC_LOCK or above RLIMIT_MEMLOCK; keep going unlocked
	if len(sb.data) > 0 {
		if err := unix.Mlock(sb.data); err == nil {
			sb.locked = true
		}
	}
	runtime.SetFinalizer(sb, (*SecureBytes).Destroy)
	return sb
}

// Use calls fn with the protected bytes. fn must not retain the slice.
func (s *SecureBytes) Use(fn func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return ErrDestroyed
	}
	return fn(s.data)
}

// Locked reports whether the buffer is pinned in RAM.
func (s *SecureBytes) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Destroy wipes and unlocks the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		_ = unix.Munlock(s.data)
		s.locked = false
	}
	s.data = nil
}

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	clear(data)
	runtime.KeepAlive(data)
}
