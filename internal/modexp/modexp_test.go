package modexp

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tatchi/internal/vrferr"
)

func toyParams(t *testing.T, engine Engine) *Params {
	t.Helper()
	p, err := NewParams(big.NewInt(467), engine)
	require.NoError(t, err)
	return p
}

func TestToyThreePassScenario(t *testing.T) {
	for _, engine := range []Engine{BigEngine{}, ConstantTimeEngine{}} {
		t.Run(engine.Name(), func(t *testing.T) {
			p := toyParams(t, engine)
			kek := big.NewInt(13)
			server := &LockKeys{E: big.NewInt(3), D: big.NewInt(311)}
			client := &LockKeys{E: big.NewInt(7), D: big.NewInt(333)}
			fresh := &LockKeys{E: big.NewInt(5), D: big.NewInt(373)}

			kekC := p.AddLock(kek, client.E)
			assert.Equal(t, int64(62), kekC.Int64())

			kekCS := p.AddLock(kekC, server.E)
			assert.Equal(t, int64(158), kekCS.Int64())

			kekS := p.RemoveLock(kekCS, client.D)
			assert.Equal(t, int64(329), kekS.Int64())
			assert.Equal(t, new(big.Int).Exp(kek, big.NewInt(3), big.NewInt(467)), kekS)

			kekCS2 := p.AddLock(kekS, fresh.E)
			kekC2 := p.RemoveLock(kekCS2, server.D)
			assert.Equal(t, int64(28), kekC2.Int64(), "relay output should be 13^5 mod 467")

			recovered := p.RemoveLock(kekC2, fresh.D)
			assert.Equal(t, int64(13), recovered.Int64())
		})
	}
}

func TestCommutativity(t *testing.T) {
	p := DefaultParams(nil)
	for i := 0; i < 8; i++ {
		a, err := p.GenerateLockKeys(nil)
		require.NoError(t, err)
		b, err := p.GenerateLockKeys(nil)
		require.NoError(t, err)
		x, err := p.RandomKEK(nil)
		require.NoError(t, err)

		ab := p.AddLock(p.AddLock(x, a.E), b.E)
		ba := p.AddLock(p.AddLock(x, b.E), a.E)
		assert.Equal(t, 0, ab.Cmp(ba))
	}
}

func TestEscrowRoundTripDefaultModulus(t *testing.T) {
	p := DefaultParams(nil)
	server, err := p.GenerateLockKeys(nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		kek, err := p.RandomKEK(nil)
		require.NoError(t, err)

		c, err := p.GenerateLockKeys(nil)
		require.NoError(t, err)
		kekS := p.RemoveLock(p.AddLock(p.AddLock(kek, c.E), server.E), c.D)
		assert.Equal(t, 0, kekS.Cmp(p.AddLock(kek, server.E)))

		c2, err := p.GenerateLockKeys(nil)
		require.NoError(t, err)
		got := p.RemoveLock(p.RemoveLock(p.AddLock(kekS, c2.E), server.D), c2.D)
		assert.Equal(t, 0, got.Cmp(kek))
	}
}

func TestGenerateLockKeysInvariants(t *testing.T) {
	p := toyParams(t, nil)
	pm1 := big.NewInt(466)
	for i := 0; i < 64; i++ {
		k, err := p.GenerateLockKeys(nil)
		require.NoError(t, err)

		assert.True(t, k.E.Cmp(big.NewInt(2)) >= 0)
		assert.True(t, k.E.Cmp(big.NewInt(465)) <= 0)
		assert.Equal(t, int64(1), new(big.Int).GCD(nil, nil, k.E, pm1).Int64())
		prod := new(big.Int).Mul(k.E, k.D)
		assert.Equal(t, int64(1), prod.Mod(prod, pm1).Int64())
	}
}

func TestGenerateLockKeysRNGFailure(t *testing.T) {
	p := DefaultParams(nil)
	_, err := p.GenerateLockKeys(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestLockKeysWipe(t *testing.T) {
	k := &LockKeys{E: big.NewInt(7), D: big.NewInt(333)}
	k.Wipe()
	assert.Equal(t, 0, k.E.Sign())
	assert.Equal(t, 0, k.D.Sign())

	var nilKeys *LockKeys
	nilKeys.Wipe()
}

func TestNewParamsValidation(t *testing.T) {
	tests := []struct {
		name string
		p    *big.Int
	}{
		{"nil", nil},
		{"too small", big.NewInt(3)},
		{"even", big.NewInt(468)},
		{"composite", big.NewInt(465)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParams(tt.p, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, vrferr.ErrInvalidModulus))
		})
	}
}

func TestParamsFromB64u(t *testing.T) {
	p, err := ParamsFromB64u("", nil)
	require.NoError(t, err)
	assert.Equal(t, 256, p.Size())
	assert.Equal(t, 2048, p.P().BitLen())

	toy, err := ParamsFromB64u("AdM", nil) // 467
	require.NoError(t, err)
	assert.Equal(t, int64(467), toy.P().Int64())
	assert.Equal(t, "big", toy.Engine().Name())

	_, err = ParamsFromB64u("***", nil)
	assert.True(t, errors.Is(err, vrferr.ErrBase64Decode))
}

func TestEncodeDecode(t *testing.T) {
	p := toyParams(t, nil)

	x := big.NewInt(329)
	s := p.Encode(x)
	assert.Equal(t, "AUk", s)

	got, err := p.Decode(s)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(x))

	_, err = p.Decode(p.Encode(big.NewInt(467)))
	assert.True(t, errors.Is(err, vrferr.ErrInvalidInput))

	_, err = p.Decode("a+b")
	assert.True(t, errors.Is(err, vrferr.ErrBase64Decode))
}

func TestFixedBytes(t *testing.T) {
	p := DefaultParams(nil)
	b := p.FixedBytes(big.NewInt(13))
	assert.Len(t, b, 256)
	assert.Equal(t, byte(13), b[255])
	assert.Equal(t, byte(0), b[0])
}

func TestEnginesAgree(t *testing.T) {
	p := DefaultParams(nil)
	ct := ConstantTimeEngine{}
	for i := 0; i < 4; i++ {
		x, err := p.RandomKEK(nil)
		require.NoError(t, err)
		k, err := p.GenerateLockKeys(nil)
		require.NoError(t, err)

		want := BigEngine{}.Exp(x, k.E, p.P())
		got := ct.Exp(x, k.E, p.P())
		assert.Equal(t, 0, want.Cmp(got))
	}
}

func TestEngineByName(t *testing.T) {
	assert.Equal(t, "big", EngineByName("").Name())
	assert.Equal(t, "big", EngineByName("big").Name())
	assert.Equal(t, "constant-time", EngineByName("constant-time").Name())
	assert.Equal(t, "constant-time", EngineByName("saferith").Name())
	assert.Nil(t, EngineByName("gmp"))
}
