// Package vrf implements ECVRF-EDWARDS25519-SHA512-TAI (RFC 9381).
//
// A Keypair is built from a 32-byte seed exactly like an Ed25519 key: the
// secret scalar is the clamped low half of SHA-512(seed) and the nonce prefix
// is the high half. Proofs are 80 bytes (Gamma || c || s) and outputs are the
// 64-byte beta string.
package vrf

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"runtime"

	"filippo.io/edwards25519"
	"github.com/fxamacker/cbor/v2"

	"tatchi/internal/security"
)

const (
	SeedSize      = 32
	PublicKeySize = 32
	ProofSize     = 80
	OutputSize    = 64

	suite         = 0x03
	challengeSize = 16
)

var (
	ErrInvalidSeed      = errors.New("vrf: seed must be 32 bytes")
	ErrInvalidPublicKey = errors.New("vrf: invalid public key")
	ErrInvalidProof     = errors.New("vrf: invalid proof")
	ErrDestroyed        = errors.New("vrf: keypair has been destroyed")
	ErrEncodeToCurve    = errors.New("vrf: encode to curve failed")
)

// Keypair holds the expanded secret for one VRF key. The seed and nonce
// prefix live in one mlocked buffer laid out as seed || prefix.
type Keypair struct {
	secret *security.SecureBytes
	x      *edwards25519.Scalar
	public [PublicKeySize]byte
}

// GenerateKeypair draws a fresh seed from r, or crypto/rand when r is nil.
func GenerateKeypair(r io.Reader) (*Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	var seed [SeedSize]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, fmt.Errorf("vrf: read seed: %w", err)
	}
	defer security.Wipe(seed[:])
	return NewKeypairFromSeed(seed[:])
}

// NewKeypairFromSeed expands seed. The caller keeps ownership of seed.
func NewKeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidSeed
	}
	h := sha512.Sum512(seed)
	defer security.Wipe(h[:])

	x, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("vrf: clamp scalar: %w", err)
	}

	kp := &Keypair{secret: security.NewSecureBytes(SeedSize + 32), x: x}
	buf := kp.secret.Bytes()
	copy(buf[:SeedSize], seed)
	copy(buf[SeedSize:], h[32:])
	copy(kp.public[:], new(edwards25519.Point).ScalarBaseMult(x).Bytes())
	return kp, nil
}

// PublicKey returns the 32-byte compressed public point.
func (kp *Keypair) PublicKey() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, kp.public[:])
	return out
}

// Seed returns a copy of the secret seed. The caller must wipe it.
func (kp *Keypair) Seed() ([]byte, error) {
	buf := kp.secret.Copy()
	if buf == nil {
		return nil, ErrDestroyed
	}
	defer security.Wipe(buf)
	return append([]byte(nil), buf[:SeedSize]...), nil
}

// Destroyed reports whether Wipe has run.
func (kp *Keypair) Destroyed() bool { return kp.secret.Destroyed() }

// Wipe zeroes the seed, nonce prefix and secret scalar.
func (kp *Keypair) Wipe() {
	kp.secret.Destroy()
	if kp.x != nil {
		kp.x.Set(edwards25519.NewScalar())
	}
	runtime.KeepAlive(kp)
}

// Prove returns the 80-byte proof for alpha.
func (kp *Keypair) Prove(alpha []byte) ([]byte, error) {
	secret := kp.secret.Copy()
	if secret == nil {
		return nil, ErrDestroyed
	}
	defer security.Wipe(secret)

	h, err := encodeToCurve(kp.public[:], alpha)
	if err != nil {
		return nil, err
	}
	hBytes := h.Bytes()
	gamma := new(edwards25519.Point).ScalarMult(kp.x, h)

	nonceHash := sha512.New()
	nonceHash.Write(secret[SeedSize:])
	nonceHash.Write(hBytes)
	var digest [64]byte
	nonceHash.Sum(digest[:0])
	k, err := edwards25519.NewScalar().SetUniformBytes(digest[:])
	security.Wipe(digest[:])
	if err != nil {
		return nil, fmt.Errorf("vrf: nonce: %w", err)
	}

	kB := new(edwards25519.Point).ScalarBaseMult(k)
	kH := new(edwards25519.Point).ScalarMult(k, h)
	cBytes := challenge(kp.public[:], hBytes, gamma.Bytes(), kB.Bytes(), kH.Bytes())
	c, err := scalarFromChallenge(cBytes)
	if err != nil {
		return nil, err
	}
	s := edwards25519.NewScalar().MultiplyAdd(c, kp.x, k)
	k.Set(edwards25519.NewScalar())

	pi := make([]byte, 0, ProofSize)
	pi = append(pi, gamma.Bytes()...)
	pi = append(pi, cBytes...)
	pi = append(pi, s.Bytes()...)
	return pi, nil
}

// ProofToHash derives beta from a proof without verifying it.
func ProofToHash(pi []byte) ([]byte, error) {
	if len(pi) != ProofSize {
		return nil, ErrInvalidProof
	}
	gamma, err := new(edwards25519.Point).SetBytes(pi[:32])
	if err != nil {
		return nil, ErrInvalidProof
	}
	h := sha512.New()
	h.Write([]byte{suite, 0x03})
	h.Write(new(edwards25519.Point).MultByCofactor(gamma).Bytes())
	h.Write([]byte{0x00})
	return h.Sum(nil), nil
}

// Verify checks pi against publicKey and alpha and returns beta on success.
func Verify(publicKey, alpha, pi []byte) ([]byte, error) {
	if len(publicKey) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	y, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	if new(edwards25519.Point).MultByCofactor(y).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, ErrInvalidPublicKey
	}
	if len(pi) != ProofSize {
		return nil, ErrInvalidProof
	}
	gamma, err := new(edwards25519.Point).SetBytes(pi[:32])
	if err != nil {
		return nil, ErrInvalidProof
	}
	c, err := scalarFromChallenge(pi[32:48])
	if err != nil {
		return nil, ErrInvalidProof
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(pi[48:80])
	if err != nil {
		return nil, ErrInvalidProof
	}

	h, err := encodeToCurve(publicKey, alpha)
	if err != nil {
		return nil, err
	}
	negC := edwards25519.NewScalar().Negate(c)
	u := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(negC, y, s)
	v := new(edwards25519.Point).Add(
		new(edwards25519.Point).ScalarMult(s, h),
		new(edwards25519.Point).ScalarMult(negC, gamma),
	)

	got := challenge(publicKey, h.Bytes(), pi[:32], u.Bytes(), v.Bytes())
	if !security.ConstantTimeEqual(got, pi[32:48]) {
		return nil, ErrInvalidProof
	}
	return ProofToHash(pi)
}

// encodeToCurve is the try-and-increment hash to the prime-order subgroup.
func encodeToCurve(publicKey, alpha []byte) (*edwards25519.Point, error) {
	for ctr := 0; ctr < 256; ctr++ {
		h := sha512.New()
		h.Write([]byte{suite, 0x01})
		h.Write(publicKey)
		h.Write(alpha)
		h.Write([]byte{byte(ctr), 0x00})
		digest := h.Sum(nil)

		p, err := new(edwards25519.Point).SetBytes(digest[:32])
		if err != nil {
			continue
		}
		return p.MultByCofactor(p), nil
	}
	return nil, ErrEncodeToCurve
}

func challenge(points ...[]byte) []byte {
	h := sha512.New()
	h.Write([]byte{suite, 0x02})
	for _, p := range points {
		h.Write(p)
	}
	h.Write([]byte{0x00})
	return h.Sum(nil)[:challengeSize]
}

func scalarFromChallenge(c []byte) (*edwards25519.Scalar, error) {
	var wide [32]byte
	copy(wide[:], c)
	s, err := edwards25519.NewScalar().SetCanonicalBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("vrf: challenge scalar: %w", err)
	}
	return s, nil
}

type keypairWire struct {
	Secret []byte `cbor:"1,keyasint"`
	Public []byte `cbor:"2,keyasint"`
}

// MarshalBinary encodes the keypair as a CBOR map {1: seed, 2: public}.
func (kp *Keypair) MarshalBinary() ([]byte, error) {
	seed, err := kp.Seed()
	if err != nil {
		return nil, err
	}
	defer security.Wipe(seed)
	out, err := cbor.Marshal(keypairWire{Secret: seed, Public: kp.public[:]})
	if err != nil {
		return nil, fmt.Errorf("vrf: encode keypair: %w", err)
	}
	return out, nil
}

// UnmarshalKeypair decodes a MarshalBinary blob and checks that the stored
// public key matches the seed.
func UnmarshalKeypair(data []byte) (*Keypair, error) {
	var w keypairWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("vrf: decode keypair: %w", err)
	}
	defer security.Wipe(w.Secret)

	kp, err := NewKeypairFromSeed(w.Secret)
	if err != nil {
		return nil, err
	}
	if !security.ConstantTimeEqual(kp.public[:], w.Public) {
		kp.Wipe()
		return nil, fmt.Errorf("vrf: stored public key does not match seed: %w", ErrInvalidPublicKey)
	}
	return kp, nil
}
