//go:build !unix

package security

import (
	"runtime"
	"sync"
)

// SecureBytes is a byte buffer zeroed when destroyed. Memory locking is not
// available on this platform.
type SecureBytes struct {
	mu   sync.Mutex
	data []byte
}

// NewSecureBytes copies data into the buffer and wipes the source.
func NewSecureBytes(data []byte) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, len(data))}
	copy(sb.data, data)
	Wipe(data)
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

// Locked always reports false here.
func (s *SecureBytes) Locked() bool { return false }

// Destroy wipes the buffer.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Wipe(s.data)
	s.data = nil
}

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	clear(data)
	runtime.KeepAlive(data)
}
