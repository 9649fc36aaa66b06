// Package modexp implements the commutative modular-exponentiation locks used
// by the escrow exchange.
//
// A lock is x^e mod p for a prime p and an exponent e coprime to p-1. Locks
// applied by different parties commute, and each party removes its own lock
// with d = e^-1 mod (p-1) without learning the other party's exponent.
package modexp

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"tatchi/internal/b64u"
	"tatchi/internal/security"
	"tatchi/internal/vrferr"
)

// DefaultPrimeHex is the RFC 3526 2048-bit MODP group prime, a safe prime.
const DefaultPrimeHex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// maxLockKeyAttempts bounds the coprimality search. For a safe prime the
// expected number of draws is about two.
const maxLockKeyAttempts = 256

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// LockKeys is an (e, d) pair with e*d = 1 mod (p-1).
type LockKeys struct {
	E *big.Int
	D *big.Int
}

// Wipe zeroes both exponents.
func (k *LockKeys) Wipe() {
	if k == nil {
		return
	}
	security.WipeBig(k.E)
	security.WipeBig(k.D)
}

// Params is an immutable prime modulus plus the engine that exponentiates under it.
type Params struct {
	p      *big.Int
	pm1    *big.Int
	size   int
	engine Engine
}

// NewParams validates p and binds it to engine. A nil engine selects BigEngine.
func NewParams(p *big.Int, engine Engine) (*Params, error) {
	if p == nil || p.Cmp(big.NewInt(3)) <= 0 {
		return nil, fmt.Errorf("modexp: modulus must be greater than 3: %w", vrferr.ErrInvalidModulus)
	}
	if p.Bit(0) == 0 {
		return nil, fmt.Errorf("modexp: modulus must be odd: %w", vrferr.ErrInvalidModulus)
	}
	if !p.ProbablyPrime(32) {
		return nil, fmt.Errorf("modexp: modulus is not prime: %w", vrferr.ErrInvalidModulus)
	}
	if engine == nil {
		engine = BigEngine{}
	}
	pc := new(big.Int).Set(p)
	return &Params{
		p:      pc,
		pm1:    new(big.Int).Sub(pc, one),
		size:   (pc.BitLen() + 7) / 8,
		engine: engine,
	}, nil
}

// DefaultParams returns the 2048-bit MODP prime with engine.
func DefaultParams(engine Engine) *Params {
	p, _ := new(big.Int).SetString(DefaultPrimeHex, 16)
	params, err := NewParams(p, engine)
	if err != nil {
		panic(err)
	}
	return params
}

// ParamsFromB64u builds Params from a base64url big-endian prime. An empty
// string yields DefaultParams.
func ParamsFromB64u(s string, engine Engine) (*Params, error) {
	if s == "" {
		return DefaultParams(engine), nil
	}
	raw, err := b64u.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("modexp: decode modulus: %w", err)
	}
	return NewParams(new(big.Int).SetBytes(raw), engine)
}

// P returns a copy of the modulus.
func (p *Params) P() *big.Int { return new(big.Int).Set(p.p) }

// Size is the byte width of the modulus.
func (p *Params) Size() int { return p.size }

// Engine returns the exponentiation engine in use.
func (p *Params) Engine() Engine { return p.engine }

// GenerateLockKeys draws e uniformly from [2, p-2] until gcd(e, p-1) = 1 and
// returns it with its inverse. A nil reader uses crypto/rand.
func (p *Params) GenerateLockKeys(r io.Reader) (*LockKeys, error) {
	gcd := new(big.Int)
	for i := 0; i < maxLockKeyAttempts; i++ {
		e, err := p.randomInRange(r)
		if err != nil {
			return nil, err
		}
		if gcd.GCD(nil, nil, e, p.pm1).Cmp(one) != 0 {
			security.WipeBig(e)
			continue
		}
		d := new(big.Int).ModInverse(e, p.pm1)
		if d == nil {
			security.WipeBig(e)
			continue
		}
		return &LockKeys{E: e, D: d}, nil
	}
	return nil, fmt.Errorf("modexp: no exponent coprime to p-1 after %d draws: %w",
		maxLockKeyAttempts, vrferr.ErrInvalidModulus)
}

// RandomKEK draws a key-encryption integer uniformly from [2, p-2].
func (p *Params) RandomKEK(r io.Reader) (*big.Int, error) {
	return p.randomInRange(r)
}

// AddLock returns x^e mod p.
func (p *Params) AddLock(x, e *big.Int) *big.Int {
	return p.engine.Exp(x, e, p.p)
}

// RemoveLock returns y^d mod p.
func (p *Params) RemoveLock(y, d *big.Int) *big.Int {
	return p.engine.Exp(y, d, p.p)
}

// Encode renders x as minimal unsigned big-endian base64url.
func (p *Params) Encode(x *big.Int) string {
	return b64u.Encode(x.Bytes())
}

// Decode parses a base64url integer and rejects values outside [0, p).
func (p *Params) Decode(s string) (*big.Int, error) {
	raw, err := b64u.Decode(s)
	if err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(raw)
	security.Wipe(raw)
	if x.Cmp(p.p) >= 0 {
		return nil, fmt.Errorf("modexp: value not reduced modulo p: %w", vrferr.ErrInvalidInput)
	}
	return x, nil
}

// FixedBytes renders x big-endian, left-padded to the modulus width.
func (p *Params) FixedBytes(x *big.Int) []byte {
	return x.FillBytes(make([]byte, p.size))
}

func (p *Params) randomInRange(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	// [0, p-3) shifted by 2 gives [2, p-2].
	span := new(big.Int).Sub(p.pm1, two)
	n, err := rand.Int(r, span)
	if err != nil {
		return nil, fmt.Errorf("modexp: read random: %w", err)
	}
	return n.Add(n, two), nil
}
