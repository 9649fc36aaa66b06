package modexp

import (
	"math/big"

	"github.com/cronokirby/saferith"
)

// Engine computes x^y mod m for non-negative x and y.
type Engine interface {
	Exp(x, y, m *big.Int) *big.Int
	Name() string
}

// BigEngine uses math/big square-and-multiply. It is not constant time.
type BigEngine struct{}

func (BigEngine) Exp(x, y, m *big.Int) *big.Int {
	return new(big.Int).Exp(x, y, m)
}

func (BigEngine) Name() string { return "big" }

// ConstantTimeEngine runs exponentiation on saferith naturals, whose running
// time depends only on the announced operand sizes.
type ConstantTimeEngine struct{}

func (ConstantTimeEngine) Exp(x, y, m *big.Int) *big.Int {
	mod := saferith.ModulusFromBytes(m.Bytes())
	base := new(saferith.Nat).SetBig(new(big.Int).Mod(x, m), m.BitLen())
	exp := new(saferith.Nat).SetBig(y, m.BitLen())
	return new(saferith.Nat).Exp(base, exp, mod).Big()
}

func (ConstantTimeEngine) Name() string { return "constant-time" }

// EngineByName maps a config value to an Engine. Unknown names return nil.
func EngineByName(name string) Engine {
	switch name {
	case "", "big":
		return BigEngine{}
	case "constant-time", "consttime", "saferith":
		return ConstantTimeEngine{}
	default:
		return nil
	}
}
