package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tatchi/internal/b64u"
	"tatchi/internal/handshake"
	"tatchi/internal/security"
	"tatchi/internal/vrferr"
	"tatchi/internal/wrapseed"
)

// InfoKEK is the HKDF info for the signing-key wrapping key.
const InfoKEK = "near-kek"

// ErrSaltMismatch is returned when delivered material was derived for a
// different WrapKeySalt than the sealed key records.
var ErrSaltMismatch = errors.New("signer: wrap key salt does not match sealed key")

// SealedKey is an Ed25519 signing key sealed under a WrapKeySeed-derived
// key. PublicKey is bound as associated data.
type SealedKey struct {
	PublicKey   string `json:"publicKey"`
	WrapKeySalt string `json:"wrapKeySalt"`
	Ciphertext  string `json:"ciphertext"`
	Nonce       string `json:"nonce"`
}

// Service consumes handshake deliveries for signing sessions.
type Service struct {
	hub     *handshake.Hub
	timeout time.Duration
	rand    io.Reader
	logger  *slog.Logger
}

// NewService creates a Service. A non-positive timeout uses handshake.DefaultTimeout.
func NewService(timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		hub:     handshake.NewHub(logger),
		timeout: timeout,
		logger:  logger,
	}
}

// Hub exposes the session hub, mainly to attach an observer.
func (s *Service) Hub() *handshake.Hub {
	return s.hub
}

// OpenSession creates a one-shot channel for sessionID, arms the receiving
// end and returns the sending end for the VRF context. A session that
// already has a port cannot be reopened until EndSession.
func (s *Service) OpenSession(sessionID string) (*handshake.SendPort, error) {
	send, recv := handshake.NewChannel()
	if err := s.hub.Attach(sessionID, recv); err != nil {
		return nil, err
	}
	return send, nil
}

// EndSession wipes anything cached for sessionID.
func (s *Service) EndSession(sessionID string) {
	s.hub.Forget(sessionID)
}

// Close releases every session.
func (s *Service) Close() {
	s.hub.Close()
}

// WrappingKey waits for the session's material and derives the 32-byte
// wrapping key HKDF(seed, salt, "near-kek"). The returned salt is the one
// the material was derived for.
func (s *Service) WrappingKey(ctx context.Context, sessionID string) (key, salt []byte, err error) {
	m, err := s.hub.Await(ctx, sessionID, s.timeout)
	if err != nil {
		return nil, nil, err
	}
	defer m.Wipe()

	if len(m.WrapKeySeed) != wrapseed.SeedSize || len(m.WrapKeySalt) != wrapseed.SaltSize {
		return nil, nil, fmt.Errorf("signer: malformed material: %w", vrferr.ErrInvalidInput)
	}
	key, err = security.DeriveKey32(m.WrapKeySeed, m.WrapKeySalt, InfoKEK)
	if err != nil {
		return nil, nil, err
	}
	return key, append([]byte(nil), m.WrapKeySalt...), nil
}

// Seal waits for the session's material and seals priv under it.
func (s *Service) Seal(ctx context.Context, sessionID string, priv ed25519.PrivateKey) (*SealedKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: private key: %w", vrferr.ErrInvalidInput)
	}
	key, salt, err := s.WrappingKey(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)

	pub := FormatPublicKey(priv.Public().(ed25519.PublicKey))
	nonce, ct, err := security.Seal(s.rand, key, priv.Seed(), []byte(pub))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("signing key sealed", "session_id", sessionID, "public_key", pub)
	return &SealedKey{
		PublicKey:   pub,
		WrapKeySalt: b64u.Encode(salt),
		Ciphertext:  b64u.Encode(ct),
		Nonce:       b64u.Encode(nonce),
	}, nil
}

// Import parses keyData (see ParsePrivateKey) and seals it for sessionID.
func (s *Service) Import(ctx context.Context, sessionID string, keyData, passphrase []byte) (*SealedKey, error) {
	priv, err := ParsePrivateKey(keyData, passphrase)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(priv)
	return s.Seal(ctx, sessionID, priv)
}

// ImportFile reads an OpenSSH or raw key file and seals it for sessionID.
func (s *Service) ImportFile(ctx context.Context, sessionID, path string, passphrase []byte) (*SealedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read key file: %w", err)
	}
	defer security.Wipe(data)
	return s.Import(ctx, sessionID, data, passphrase)
}

// Open waits for the session's material and recovers the sealed key.
func (s *Service) Open(ctx context.Context, sessionID string, sealed *SealedKey) (ed25519.PrivateKey, error) {
	if sealed == nil {
		return nil, fmt.Errorf("signer: sealed key: %w", vrferr.ErrInvalidInput)
	}
	nonce, err := b64u.Decode(sealed.Nonce)
	if err != nil {
		return nil, err
	}
	ct, err := b64u.Decode(sealed.Ciphertext)
	if err != nil {
		return nil, err
	}
	wantSalt, err := b64u.Decode(sealed.WrapKeySalt)
	if err != nil {
		return nil, err
	}

	key, salt, err := s.WrappingKey(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)
	if !security.ConstantTimeEqual(salt, wantSalt) {
		return nil, ErrSaltMismatch
	}

	seed, err := security.Open(key, nonce, ct, []byte(sealed.PublicKey))
	if err != nil {
		return nil, err
	}
	defer security.Wipe(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: opened seed: %w", vrferr.ErrInvalidInput)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	if FormatPublicKey(priv.Public().(ed25519.PublicKey)) != sealed.PublicKey {
		security.Wipe(priv)
		return nil, vrferr.ErrPublicKeyMismatch
	}
	return priv, nil
}

// Sign opens the sealed key, signs msg and wipes the key.
func (s *Service) Sign(ctx context.Context, sessionID string, sealed *SealedKey, msg []byte) ([]byte, error) {
	priv, err := s.Open(ctx, sessionID, sealed)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(priv)

	sig := ed25519.Sign(priv, msg)
	pub, err := ParsePublicKey(sealed.PublicKey)
	if err != nil {
		return nil, err
	}
	if !Verify(pub, msg, sig) {
		return nil, fmt.Errorf("signer: signature does not verify: %w", vrferr.ErrPublicKeyMismatch)
	}
	return sig, nil
}
