//go:build unix

// Package security holds the secret-handling primitives shared by the VRF
// custody core: zeroizing buffers, HKDF expansion and secure randomness.
//
// Buffers created here are mlocked where the platform allows it so resident
// key material is not written to swap.
package security

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte buffer that is zeroed when destroyed.
// Use it for seeds, derived keys and anything else that must not outlive its owner.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes allocates a zeroed buffer of the given size and tries to lock it in memory.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}

	// mlock failures are non-fatal; unprivileged processes simply run without it.
	_ = sb.lock()

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})
	return sb
}

// Bytes returns the live buffer. Do not retain it past Destroy.
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

// Destroy zeroes and unlocks the buffer. Safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		s.unlock()
	}
	s.data = nil
	runtime.SetFinalizer(s, nil)
}

func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}
	if err := unix.Mlock(unsafe.Slice(&s.data[0], len(s.data))); err != nil {
		return err
	}
	s.locked = true
	return nil
}

func (s *SecureBytes) unlock() {
	if len(s.data) == 0 {
		return
	}
	_ = unix.Munlock(unsafe.Slice(&s.data[0], len(s.data)))
	s.locked = false
}
