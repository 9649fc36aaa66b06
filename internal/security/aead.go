package security

import (
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"tatchi/internal/vrferr"
)

// NonceSize is the ChaCha20-Poly1305 nonce width.
const NonceSize = chacha20poly1305.NonceSize

// Seal encrypts plaintext under a 32-byte key with a fresh random nonce.
// A nil reader uses crypto/rand.
func Seal(r io.Reader, key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("security: init cipher: %w", vrferr.ErrAeadEncryptionFailed)
	}
	nonce, err = RandomBytes(r, NonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("security: nonce: %w", vrferr.ErrAeadEncryptionFailed)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext. Any tamper or key mismatch yields ErrAeadDecryptionFailed.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("security: nonce is %d bytes: %w", len(nonce), vrferr.ErrInvalidNonceLength)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", vrferr.ErrAeadDecryptionFailed)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("security: open: %w", vrferr.ErrAeadDecryptionFailed)
	}
	return pt, nil
}
