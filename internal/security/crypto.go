package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"runtime"

	"golang.org/x/crypto/hkdf"

	"tatchi/internal/vrferr"
)

// KeySize is the width of every symmetric key and seed in the core.
const KeySize = 32

// DeriveKey expands ikm with HKDF-SHA256 into size bytes.
// A nil salt is treated as a zero-filled salt per RFC 5869.
func DeriveKey(ikm, salt, info []byte, size int) ([]byte, error) {
	if size <= 0 || size > 255*sha256.Size {
		return nil, fmt.Errorf("security: output size %d: %w", size, vrferr.ErrHkdfDerivationFailed)
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		Wipe(out)
		return nil, fmt.Errorf("security: hkdf expand: %w", vrferr.ErrHkdfDerivationFailed)
	}
	return out, nil
}

// DeriveKey32 is DeriveKey with KeySize output.
func DeriveKey32(ikm, salt []byte, info string) ([]byte, error) {
	return DeriveKey(ikm, salt, []byte(info), KeySize)
}

// RandomBytes returns n bytes from r, or crypto/rand when r is nil.
func RandomBytes(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("security: read random: %w", err)
	}
	return b, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// WipeBig zeroes the limbs backing x and sets it to 0.
func WipeBig(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
	runtime.KeepAlive(words)
}

// ConstantTimeEqual compares a and b without leaking the position of a mismatch.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
