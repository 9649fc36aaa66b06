// Package wrapseed derives the WrapKeySeed that protects the transaction
// signing key. The seed is bound to two independent secrets: the
// authentication secret from the passkey ceremony and the VRF secret key
// held by the worker.
package wrapseed

import (
	"fmt"
	"io"

	"tatchi/internal/b64u"
	"tatchi/internal/security"
	"tatchi/internal/vrferr"
)

const (
	// SeedSize is the WrapKeySeed width.
	SeedSize = 32
	// SaltSize is the WrapKeySalt width.
	SaltSize = 32

	InfoPass = "vrf-wrap-pass"
	InfoSeed = "near-wrap-seed"
)

// Derive computes
//
//	K_pass      = HKDF-SHA256(authSecret, info="vrf-wrap-pass")
//	WrapKeySeed = HKDF-SHA256(K_pass || vrfSecretKey, info="near-wrap-seed")
//
// The intermediate K_pass is wiped before returning.
func Derive(authSecret, vrfSecretKey []byte) ([]byte, error) {
	if len(authSecret) == 0 {
		return nil, fmt.Errorf("wrapseed: empty authentication secret: %w", vrferr.ErrInvalidInput)
	}
	if len(vrfSecretKey) == 0 {
		return nil, fmt.Errorf("wrapseed: empty VRF secret key: %w", vrferr.ErrInvalidInput)
	}

	kPass, err := security.DeriveKey32(authSecret, nil, InfoPass)
	if err != nil {
		return nil, fmt.Errorf("wrapseed: derive K_pass: %w", err)
	}
	defer security.Wipe(kPass)

	ikm := make([]byte, 0, len(kPass)+len(vrfSecretKey))
	ikm = append(ikm, kPass...)
	ikm = append(ikm, vrfSecretKey...)
	defer security.Wipe(ikm)

	seed, err := security.DeriveKey(ikm, nil, []byte(InfoSeed), SeedSize)
	if err != nil {
		return nil, fmt.Errorf("wrapseed: derive seed: %w", err)
	}
	return seed, nil
}

// NewSalt draws a fresh WrapKeySalt. A nil reader uses crypto/rand.
func NewSalt(r io.Reader) ([]byte, error) {
	salt, err := security.RandomBytes(r, SaltSize)
	if err != nil {
		return nil, fmt.Errorf("wrapseed: %w", err)
	}
	return salt, nil
}

// ResolveSalt reuses a caller-supplied base64url salt or generates one when
// encoded is empty.
func ResolveSalt(encoded string, r io.Reader) ([]byte, error) {
	if encoded == "" {
		return NewSalt(r)
	}
	salt, err := b64u.DecodeLen(encoded, SaltSize)
	if err != nil {
		return nil, fmt.Errorf("wrapseed: salt: %w", err)
	}
	return salt, nil
}
