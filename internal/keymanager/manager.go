// Package keymanager owns the resident VRF keypair of a worker.
//
// The Manager is a state machine with two states. It is Empty until a
// keypair is bootstrapped, derived with saveResident, or unlocked, and returns
// to Empty on Logout. At most one SecureVrfKeypair is resident at a time, and
// any outgoing keypair is destroyed before its replacement is installed.
package keymanager

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"tatchi/internal/b64u"
	"tatchi/internal/security"
	"tatchi/internal/vrf"
	"tatchi/internal/vrferr"
	"tatchi/internal/wrapseed"
)

// HKDF info strings.
const (
	InfoKeypairDerivation = "tatchi-vrf-keypair-derivation-v1"
	InfoAEADKey           = "tatchi-vrf-aead-key-v1"
)

// Manager holds at most one resident keypair plus its session metadata.
type Manager struct {
	mu       sync.Mutex
	resident *SecureVrfKeypair
	session  SessionState

	rand   io.Reader
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty Manager. A nil logger discards output.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		now:    time.Now,
		logger: logger,
	}
}

// GenerateBootstrap installs a fresh random keypair and, when in is non-nil,
// proves a challenge with it.
func (m *Manager) GenerateBootstrap(in *ChallengeInput) (*KeypairResult, error) {
	alpha, err := challengeAlpha(in)
	if err != nil {
		return nil, err
	}
	kp, err := vrf.GenerateKeypair(m.rand)
	if err != nil {
		return nil, fmt.Errorf("keymanager: generate: %w", err)
	}
	result, err := resultFor(kp, in, alpha)
	if err != nil {
		kp.Wipe()
		return nil, err
	}

	m.mu.Lock()
	m.replaceLocked(kp)
	m.mu.Unlock()

	m.logger.Info("bootstrap keypair generated", "vrf_public", result.PublicKey)
	return result, nil
}

// DeriveKeypair deterministically derives a keypair from secret and accountID:
// seed = HKDF-SHA256(ikm=secret, salt=accountID, info=InfoKeypairDerivation).
func DeriveKeypair(secret []byte, accountID string) (*vrf.Keypair, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("keymanager: empty secret: %w", vrferr.ErrInvalidInput)
	}
	if accountID == "" {
		return nil, fmt.Errorf("keymanager: empty account id: %w", vrferr.ErrInvalidInput)
	}
	seed, err := security.DeriveKey(secret, []byte(accountID), []byte(InfoKeypairDerivation), vrf.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("keymanager: derive seed: %w", err)
	}
	defer security.Wipe(seed)
	return vrf.NewKeypairFromSeed(seed)
}

// DeriveFromSecret derives the account keypair, optionally proves in with
// it, and installs it as resident only when saveResident is set.
func (m *Manager) DeriveFromSecret(secret []byte, accountID string, in *ChallengeInput, saveResident bool) (*KeypairResult, error) {
	alpha, err := challengeAlpha(in)
	if err != nil {
		return nil, err
	}
	kp, err := DeriveKeypair(secret, accountID)
	if err != nil {
		return nil, err
	}
	result, err := resultFor(kp, in, alpha)
	if err != nil {
		kp.Wipe()
		return nil, err
	}

	if !saveResident {
		kp.Wipe()
		return result, nil
	}

	m.mu.Lock()
	m.replaceLocked(kp)
	m.mu.Unlock()

	m.logger.Info("derived keypair loaded", "account", accountID, "vrf_public", result.PublicKey)
	return result, nil
}

// DeriveSealAndInstall derives the account keypair, seals it under secret
// and hands the sealed form to commit before installing it as resident.
// When any step, commit included, fails the resident keypair is untouched.
func (m *Manager) DeriveSealAndInstall(secret []byte, accountID string, in *ChallengeInput, commit func(pk string, enc *EncryptedVrfKeypair) error) (*KeypairResult, *EncryptedVrfKeypair, error) {
	alpha, err := challengeAlpha(in)
	if err != nil {
		return nil, nil, err
	}
	kp, err := DeriveKeypair(secret, accountID)
	if err != nil {
		return nil, nil, err
	}
	result, err := resultFor(kp, in, alpha)
	if err != nil {
		kp.Wipe()
		return nil, nil, err
	}
	data, err := keypairData(kp)
	if err != nil {
		kp.Wipe()
		return nil, nil, err
	}
	enc, err := m.seal(data, secret)
	security.Wipe(data.KeypairBytes)
	if err != nil {
		kp.Wipe()
		return nil, nil, err
	}
	if commit != nil {
		if err := commit(result.PublicKey, enc); err != nil {
			kp.Wipe()
			return nil, nil, err
		}
	}

	m.mu.Lock()
	m.replaceLocked(kp)
	m.mu.Unlock()

	m.logger.Info("derived keypair loaded", "account", accountID, "vrf_public", result.PublicKey)
	return result, enc, nil
}

// EncryptResidentWithSecret seals the resident keypair under a key derived
// from secret. expectedPublicKey must name the resident key.
func (m *Manager) EncryptResidentWithSecret(expectedPublicKey string, secret []byte) (*EncryptedVrfKeypair, error) {
	data, err := m.ExportResident()
	if err != nil {
		return nil, err
	}
	defer security.Wipe(data.KeypairBytes)

	if data.PublicKeyBase64 != expectedPublicKey {
		return nil, fmt.Errorf("keymanager: encrypt: %w", vrferr.ErrPublicKeyMismatch)
	}
	return m.seal(data, secret)
}

func (m *Manager) seal(data *VrfKeypairData, secret []byte) (*EncryptedVrfKeypair, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("keymanager: empty secret: %w", vrferr.ErrInvalidInput)
	}
	key, err := security.DeriveKey32(secret, nil, InfoAEADKey)
	if err != nil {
		return nil, fmt.Errorf("keymanager: aead key: %w", err)
	}
	defer security.Wipe(key)

	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("keymanager: serialize keypair: %w", vrferr.ErrAeadEncryptionFailed)
	}
	defer security.Wipe(plaintext)

	nonce, ct, err := security.Seal(m.rand, key, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("keymanager: encrypt: %w", err)
	}
	return &EncryptedVrfKeypair{
		Ciphertext: b64u.Encode(ct),
		Nonce:      b64u.Encode(nonce),
	}, nil
}

// DecryptAndLoad opens enc with a key derived from secret and installs the
// keypair. Resident state is untouched on any failure.
func (m *Manager) DecryptAndLoad(enc *EncryptedVrfKeypair, secret []byte) (string, error) {
	if enc == nil {
		return "", fmt.Errorf("keymanager: missing encrypted keypair: %w", vrferr.ErrInvalidInput)
	}
	nonce, err := b64u.Decode(enc.Nonce)
	if err != nil {
		return "", fmt.Errorf("keymanager: nonce: %w", err)
	}
	if len(nonce) != security.NonceSize {
		return "", fmt.Errorf("keymanager: nonce is %d bytes: %w", len(nonce), vrferr.ErrInvalidNonceLength)
	}
	ct, err := b64u.Decode(enc.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("keymanager: ciphertext: %w", err)
	}

	key, err := security.DeriveKey32(secret, nil, InfoAEADKey)
	if err != nil {
		return "", fmt.Errorf("keymanager: aead key: %w", err)
	}
	defer security.Wipe(key)

	plaintext, err := security.Open(key, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("keymanager: decrypt: %w", err)
	}
	defer security.Wipe(plaintext)

	var data VrfKeypairData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return "", fmt.Errorf("keymanager: parse keypair: %w", vrferr.ErrInvalidInput)
	}
	defer security.Wipe(data.KeypairBytes)

	return m.LoadKeypairData(&data)
}

// ExportResident serializes the resident keypair. The caller must wipe
// KeypairBytes when done.
func (m *Manager) ExportResident() (*VrfKeypairData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resident == nil {
		return nil, fmt.Errorf("keymanager: %w", vrferr.ErrNoResidentKeypair)
	}
	return keypairData(m.resident.Keypair())
}

// LoadKeypairData reconstructs a keypair from data, checks it against the
// recorded public key and installs it as resident.
func (m *Manager) LoadKeypairData(data *VrfKeypairData) (string, error) {
	kp, err := vrf.UnmarshalKeypair(data.KeypairBytes)
	if err != nil {
		return "", fmt.Errorf("keymanager: restore keypair: %w: %v", vrferr.ErrInvalidInput, err)
	}
	pk := b64u.Encode(kp.PublicKey())
	if pk != data.PublicKeyBase64 {
		kp.Wipe()
		return "", fmt.Errorf("keymanager: restore keypair: %w", vrferr.ErrPublicKeyMismatch)
	}

	m.mu.Lock()
	m.replaceLocked(kp)
	m.mu.Unlock()

	m.logger.Info("keypair unlocked", "vrf_public", pk)
	return pk, nil
}

// ProveChallenge proves in with the resident keypair.
func (m *Manager) ProveChallenge(in ChallengeInput) (*ChallengeProof, error) {
	alpha, err := BuildChallengeInput(in)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resident == nil || !m.session.Active {
		return nil, fmt.Errorf("keymanager: prove: %w", vrferr.ErrNoResidentKeypair)
	}
	return prove(m.resident.Keypair(), in, alpha)
}

// DeriveWrapKeySeed binds authSecret to the resident VRF secret key.
func (m *Manager) DeriveWrapKeySeed(authSecret []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resident == nil {
		return nil, fmt.Errorf("keymanager: wrap key seed: %w", vrferr.ErrNoResidentKeypair)
	}
	sk, err := m.resident.Keypair().Seed()
	if err != nil {
		return nil, fmt.Errorf("keymanager: wrap key seed: %w", vrferr.ErrNoResidentKeypair)
	}
	defer security.Wipe(sk)
	return wrapseed.Derive(authSecret, sk)
}

// Status reports whether a keypair is resident and for how long.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resident == nil || !m.session.Active {
		return Status{}
	}
	return Status{
		Active:          true,
		VrfPublicKey:    b64u.Encode(m.resident.PublicKey()),
		SessionDuration: m.now().Sub(m.session.StartTime).Milliseconds(),
	}
}

// Logout destroys the resident keypair and clears the session. Idempotent.
func (m *Manager) Logout() {
	m.mu.Lock()
	hadKey := m.resident != nil
	m.clearLocked()
	m.mu.Unlock()

	if hadKey {
		m.logger.Info("logged out, keypair destroyed")
	}
}

func (m *Manager) replaceLocked(kp *vrf.Keypair) {
	m.clearLocked()
	m.resident = newSecureVrfKeypair(kp)
	m.session = SessionState{Active: true, StartTime: m.now()}
}

func (m *Manager) clearLocked() {
	if m.resident != nil {
		m.resident.Destroy()
		m.resident = nil
	}
	m.session = SessionState{}
}

func keypairData(kp *vrf.Keypair) (*VrfKeypairData, error) {
	blob, err := kp.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keymanager: serialize keypair: %w", err)
	}
	return &VrfKeypairData{
		KeypairBytes:    blob,
		PublicKeyBase64: b64u.Encode(kp.PublicKey()),
	}, nil
}

func challengeAlpha(in *ChallengeInput) ([]byte, error) {
	if in == nil {
		return nil, nil
	}
	return BuildChallengeInput(*in)
}

func resultFor(kp *vrf.Keypair, in *ChallengeInput, alpha []byte) (*KeypairResult, error) {
	result := &KeypairResult{PublicKey: b64u.Encode(kp.PublicKey())}
	if in == nil {
		return result, nil
	}
	proof, err := prove(kp, *in, alpha)
	if err != nil {
		return nil, err
	}
	result.Challenge = proof
	return result, nil
}

func prove(kp *vrf.Keypair, in ChallengeInput, alpha []byte) (*ChallengeProof, error) {
	pi, err := kp.Prove(alpha)
	if err != nil {
		return nil, fmt.Errorf("keymanager: prove: %w", err)
	}
	beta, err := vrf.ProofToHash(pi)
	if err != nil {
		return nil, fmt.Errorf("keymanager: proof to hash: %w", err)
	}
	return &ChallengeProof{
		VrfInput:     b64u.Encode(alpha),
		VrfOutput:    b64u.Encode(beta),
		VrfProof:     b64u.Encode(pi),
		VrfPublicKey: b64u.Encode(kp.PublicKey()),
		UserID:       in.UserID,
		RpID:         in.RpID,
		BlockHeight:  in.BlockHeight,
		BlockHash:    in.BlockHash,
	}, nil
}
