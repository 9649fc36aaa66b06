// Package signer is the transaction-signing side of the wallet. It never
// sees the PRF output or the VRF secret: it receives a WrapKeySeed over a
// handshake port, turns it into a wrapping key, and uses that key to seal
// and open its Ed25519 signing key.
package signer

import (
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ssh"

	"tatchi/internal/security"
)

// PublicKeyPrefix is the curve tag of NEAR-style public key strings.
const PublicKeyPrefix = "ed25519:"

var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type (expected Ed25519)")
	ErrKeyDecryption    = errors.New("signer: key is encrypted (passphrase required)")
)

// GenerateSigningKey creates a fresh Ed25519 key. A nil reader uses crypto/rand.
func GenerateSigningKey(r io.Reader) (ed25519.PrivateKey, error) {
	seed, err := security.RandomBytes(r, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(seed)
	return ed25519.NewKeyFromSeed(seed), nil
}

// ParsePrivateKey accepts a raw 32-byte seed, a raw 64-byte private key or
// an OpenSSH PEM block. passphrase may be nil for unencrypted keys.
func ParsePrivateKey(data, passphrase []byte) (ed25519.PrivateKey, error) {
	switch len(data) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(data), nil
	case ed25519.PrivateKeySize:
		return append(ed25519.PrivateKey(nil), data...), nil
	}

	if block, _ := pem.Decode(data); block == nil {
		return nil, ErrInvalidKeyFormat
	}

	var parsed any
	var err error
	if len(passphrase) > 0 {
		parsed, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	} else {
		parsed, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyDecryption
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// FormatPublicKey renders pub as "ed25519:<base58>".
func FormatPublicKey(pub ed25519.PublicKey) string {
	return PublicKeyPrefix + base58.Encode(pub)
}

// ParsePublicKey accepts "ed25519:<base58>" or an OpenSSH authorized_keys line.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	if rest, ok := strings.CutPrefix(s, PublicKeyPrefix); ok {
		raw, err := base58.Decode(rest)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, ErrInvalidKeyFormat
		}
		return ed25519.PublicKey(raw), nil
	}

	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cpk, ok := pk.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	edpk, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cpk.CryptoPublicKey())
	}
	return edpk, nil
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
