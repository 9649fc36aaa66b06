// Package vrferr defines the failure kinds surfaced by the VRF custody core.
//
// Every package wraps one of the sentinels below with fmt.Errorf("...: %w", ...)
// so callers can branch with errors.Is, while the worker boundary renders a
// structured "<Kind>: <message>" string through Message.
package vrferr

import (
	"errors"
	"strings"
)

// Kind names a class of failure.
type Kind string

const (
	KindNoResidentKeypair    Kind = "NoResidentKeypair"
	KindPublicKeyMismatch    Kind = "PublicKeyMismatch"
	KindInvalidNonceLength   Kind = "InvalidNonceLength"
	KindAeadDecryptionFailed Kind = "AeadDecryptionFailed"
	KindAeadEncryptionFailed Kind = "AeadEncryptionFailed"
	KindHkdfDerivationFailed Kind = "HkdfDerivationFailed"
	KindBase64DecodeError    Kind = "Base64DecodeError"
	KindRelayHttpError       Kind = "RelayHttpError"
	KindHandshakeTimeout     Kind = "HandshakeTimeout"
	KindForbiddenSecretField Kind = "ForbiddenSecretField"
	KindInvalidInput         Kind = "InvalidInput"
	KindInvalidModulus       Kind = "InvalidModulus"
	KindInternal             Kind = "Internal"
)

// Sentinels, one per kind.
var (
	ErrNoResidentKeypair    = errors.New("no resident VRF keypair")
	ErrPublicKeyMismatch    = errors.New("public key does not match resident keypair")
	ErrInvalidNonceLength   = errors.New("nonce must be exactly 12 bytes")
	ErrAeadDecryptionFailed = errors.New("AEAD decryption failed")
	ErrAeadEncryptionFailed = errors.New("AEAD encryption failed")
	ErrHkdfDerivationFailed = errors.New("HKDF derivation failed")
	ErrBase64Decode         = errors.New("base64url decode failed")
	ErrRelayHTTP            = errors.New("relay request failed")
	ErrHandshakeTimeout     = errors.New("timed out waiting for wrap key seed")
	ErrForbiddenSecretField = errors.New("payload contains a forbidden secret field")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidModulus       = errors.New("invalid modulus configuration")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNoResidentKeypair, KindNoResidentKeypair},
	{ErrPublicKeyMismatch, KindPublicKeyMismatch},
	{ErrInvalidNonceLength, KindInvalidNonceLength},
	{ErrAeadDecryptionFailed, KindAeadDecryptionFailed},
	{ErrAeadEncryptionFailed, KindAeadEncryptionFailed},
	{ErrHkdfDerivationFailed, KindHkdfDerivationFailed},
	{ErrBase64Decode, KindBase64DecodeError},
	{ErrRelayHTTP, KindRelayHttpError},
	{ErrHandshakeTimeout, KindHandshakeTimeout},
	{ErrForbiddenSecretField, KindForbiddenSecretField},
	{ErrInvalidInput, KindInvalidInput},
	{ErrInvalidModulus, KindInvalidModulus},
}

// KindOf classifies err. Unknown errors are KindInternal; nil yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Message renders err for a response payload.
func Message(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	msg := strings.TrimSpace(err.Error())
	if strings.HasPrefix(msg, string(kind)+":") {
		return msg
	}
	return string(kind) + ": " + msg
}
