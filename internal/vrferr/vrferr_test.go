package vrferr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", ErrNoResidentKeypair, KindNoResidentKeypair},
		{"wrapped", fmt.Errorf("escrow: decode kek_s: %w", ErrBase64Decode), KindBase64DecodeError},
		{"double wrapped", fmt.Errorf("a: %w", fmt.Errorf("b: %w", ErrRelayHTTP)), KindRelayHttpError},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t,
		"HandshakeTimeout: handshake: session s1: timed out waiting for wrap key seed",
		Message(fmt.Errorf("handshake: session s1: %w", ErrHandshakeTimeout)))
	assert.Equal(t, "Internal: boom", Message(errors.New("boom")))
}
