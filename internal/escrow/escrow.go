// Package escrow runs the client side of the three-pass commutative
// exchange that parks a VRF keypair with the relay.
//
// Encrypt: a random KEK seals the keypair, the client locks the KEK with a
// fresh exponent, the relay adds its lock, and the client strips its own,
// leaving kek_s = KEK^e_s. Decrypt reverses it with a new ephemeral exponent.
// The raw KEK never leaves the process and the relay only ever sees values
// locked by at least one client exponent.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"tatchi/internal/b64u"
	"tatchi/internal/keymanager"
	"tatchi/internal/modexp"
	"tatchi/internal/security"
	"tatchi/internal/vrferr"
)

// InfoKEK is the HKDF info used to turn a KEK integer into an AEAD key.
const InfoKEK = "tatchi-shamir3pass-kek-v1"

// RelayClient is the relay's lock API.
type RelayClient interface {
	ApplyServerLock(ctx context.Context, kekC string) (*ApplyLockResponse, error)
	RemoveServerLock(ctx context.Context, kekCS, keyID string) (*RemoveLockResponse, error)
}

// KeypairStore is the resident-keypair slot escrow reads from and commits to.
type KeypairStore interface {
	ExportResident() (*keymanager.VrfKeypairData, error)
	LoadKeypairData(data *keymanager.VrfKeypairData) (string, error)
}

// Client drives escrow against one relay.
type Client struct {
	params *modexp.Params
	relay  RelayClient
	keys   KeypairStore
	rand   io.Reader
	logger *slog.Logger
}

// NewClient wires an escrow client. A nil logger discards output.
func NewClient(params *modexp.Params, relay RelayClient, keys KeypairStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		params: params,
		relay:  relay,
		keys:   keys,
		logger: logger,
	}
}

// EncryptCurrent escrows the resident keypair.
func (c *Client) EncryptCurrent(ctx context.Context) (*ServerEncryptedVrfKeypair, error) {
	data, err := c.keys.ExportResident()
	if err != nil {
		return nil, fmt.Errorf("escrow: encrypt: %w", err)
	}
	defer security.Wipe(data.KeypairBytes)

	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("escrow: serialize keypair: %w", vrferr.ErrAeadEncryptionFailed)
	}
	defer security.Wipe(plaintext)

	kek, err := c.params.RandomKEK(c.rand)
	if err != nil {
		return nil, fmt.Errorf("escrow: kek: %w", err)
	}
	defer security.WipeBig(kek)

	ciphertext, err := c.seal(kek, plaintext)
	if err != nil {
		return nil, err
	}

	lock, err := c.params.GenerateLockKeys(c.rand)
	if err != nil {
		return nil, fmt.Errorf("escrow: client lock: %w", err)
	}
	defer lock.Wipe()

	kekC := c.params.AddLock(kek, lock.E)
	resp, err := c.relay.ApplyServerLock(ctx, c.params.Encode(kekC))
	if err != nil {
		return nil, fmt.Errorf("escrow: apply server lock: %w", err)
	}
	kekCS, err := c.params.Decode(resp.KekCSB64u)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode kek_cs: %w", err)
	}
	kekS := c.params.RemoveLock(kekCS, lock.D)

	out := &ServerEncryptedVrfKeypair{
		CiphertextVrfB64u: b64u.Encode(ciphertext),
		KEKSB64u:          c.params.Encode(kekS),
		VrfPublicKey:      data.PublicKeyBase64,
		ServerKeyID:       resp.KeyID,
	}
	c.logger.Info("keypair escrowed", "vrf_public", out.VrfPublicKey, "relay_key_id", out.ServerKeyID)
	return out, nil
}

// Decrypt recovers the keypair data from blob without touching resident state.
// The caller must wipe KeypairBytes.
func (c *Client) Decrypt(ctx context.Context, blob *ServerEncryptedVrfKeypair) (*keymanager.VrfKeypairData, error) {
	if blob == nil {
		return nil, fmt.Errorf("escrow: missing blob: %w", vrferr.ErrInvalidInput)
	}
	kekS, err := c.params.Decode(blob.KEKSB64u)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode kek_s: %w", err)
	}
	ciphertext, err := b64u.Decode(blob.CiphertextVrfB64u)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode ciphertext: %w", err)
	}
	if len(ciphertext) < security.NonceSize {
		return nil, fmt.Errorf("escrow: ciphertext shorter than nonce: %w", vrferr.ErrInvalidNonceLength)
	}

	lock, err := c.params.GenerateLockKeys(c.rand)
	if err != nil {
		return nil, fmt.Errorf("escrow: client lock: %w", err)
	}
	defer lock.Wipe()

	kekCS := c.params.AddLock(kekS, lock.E)
	resp, err := c.relay.RemoveServerLock(ctx, c.params.Encode(kekCS), blob.ServerKeyID)
	if err != nil {
		return nil, fmt.Errorf("escrow: remove server lock: %w", err)
	}
	kekC, err := c.params.Decode(resp.KekCB64u)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode kek_c: %w", err)
	}
	kek := c.params.RemoveLock(kekC, lock.D)
	defer security.WipeBig(kek)

	plaintext, err := c.open(kek, ciphertext)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(plaintext)

	var data keymanager.VrfKeypairData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("escrow: parse keypair: %w", vrferr.ErrInvalidInput)
	}
	if blob.VrfPublicKey != "" && data.PublicKeyBase64 != blob.VrfPublicKey {
		security.Wipe(data.KeypairBytes)
		return nil, fmt.Errorf("escrow: recovered keypair: %w", vrferr.ErrPublicKeyMismatch)
	}
	return &data, nil
}

// DecryptAndLoad recovers the keypair and installs it as resident. The
// resident slot changes only after every step succeeded.
func (c *Client) DecryptAndLoad(ctx context.Context, blob *ServerEncryptedVrfKeypair) (string, error) {
	data, err := c.Decrypt(ctx, blob)
	if err != nil {
		return "", err
	}
	defer security.Wipe(data.KeypairBytes)

	pk, err := c.keys.LoadKeypairData(data)
	if err != nil {
		return "", fmt.Errorf("escrow: load keypair: %w", err)
	}
	c.logger.Info("keypair recovered from relay", "vrf_public", pk, "relay_key_id", blob.ServerKeyID)
	return pk, nil
}

func (c *Client) aeadKey(kek *big.Int) ([]byte, error) {
	ikm := c.params.FixedBytes(kek)
	defer security.Wipe(ikm)
	key, err := security.DeriveKey32(ikm, nil, InfoKEK)
	if err != nil {
		return nil, fmt.Errorf("escrow: kek to aead key: %w", err)
	}
	return key, nil
}

// seal returns nonce || ciphertext.
func (c *Client) seal(kek *big.Int, plaintext []byte) ([]byte, error) {
	key, err := c.aeadKey(kek)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)

	nonce, ct, err := security.Seal(c.rand, key, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: seal: %w", err)
	}
	return append(nonce, ct...), nil
}

func (c *Client) open(kek *big.Int, sealed []byte) ([]byte, error) {
	key, err := c.aeadKey(kek)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)

	pt, err := security.Open(key, sealed[:security.NonceSize], sealed[security.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: open: %w", err)
	}
	return pt, nil
}
