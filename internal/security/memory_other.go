//go:build !unix

package security

import (
	"runtime"
	"sync"
)

// SecureBytes is a byte buffer that is zeroed when destroyed.
// Memory locking is unavailable on this platform.
type SecureBytes struct {
	data []byte
	mu   sync.Mutex
}

// NewSecureBytes allocates a zeroed buffer of the given size.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}
	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})
	return sb
}

// Bytes returns the live buffer.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Copy returns a copy the caller must Wipe.
func (s *SecureBytes) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Destroyed reports whether Destroy has run.
func (s *SecureBytes) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Destroy zeroes the buffer.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	s.data = nil
	runtime.SetFinalizer(s, nil)
}
