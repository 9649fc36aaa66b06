// Package worker is the message boundary of the VRF context. The host sends
// JSON envelopes; each is screened for raw signing secrets, validated
// against an embedded schema and dispatched to the key manager, the escrow
// client or the signer link.
package worker

import (
	"encoding/json"

	"tatchi/internal/escrow"
	"tatchi/internal/keymanager"
	"tatchi/internal/signer"
)

// Message types.
const (
	TypePing                 = "PING"
	TypeGenerateBootstrap    = "GENERATE_VRF_KEYPAIR_BOOTSTRAP"
	TypeDeriveFromPRF        = "DERIVE_VRF_KEYPAIR_FROM_PRF"
	TypeEncryptWithPRF       = "ENCRYPT_VRF_KEYPAIR_WITH_PRF"
	TypeUnlock               = "UNLOCK_VRF_KEYPAIR"
	TypeGenerateChallenge    = "GENERATE_VRF_CHALLENGE"
	TypeCheckStatus          = "CHECK_VRF_STATUS"
	TypeLogout               = "LOGOUT"
	TypeShamirEncryptCurrent = "SHAMIR3PASS_CLIENT_ENCRYPT_CURRENT_VRF_KEYPAIR"
	TypeShamirDecrypt        = "SHAMIR3PASS_CLIENT_DECRYPT_VRF_KEYPAIR"
	TypeDeriveWrapKeySeed    = "DERIVE_WRAP_KEY_SEED_AND_SEND_TO_SIGNER"
	TypeSignerGenerateKey    = "SIGNER_GENERATE_KEY"
	TypeSignerImportKey      = "SIGNER_IMPORT_KEY"
	TypeSignerSign           = "SIGNER_SIGN"
)

// Envelope is an inbound message.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers one Envelope.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

type bootstrapPayload struct {
	VrfInputData *keymanager.ChallengeInput `json:"vrfInputData,omitempty"`
}

type derivePayload struct {
	PrfOutput     string                     `json:"prfOutput"`
	NearAccountID string                     `json:"nearAccountId"`
	VrfInputData  *keymanager.ChallengeInput `json:"vrfInputData,omitempty"`
	SaveInMemory  bool                       `json:"saveInMemory"`
}

type deriveResult struct {
	keymanager.KeypairResult
	EncryptedVrfKeypair *keymanager.EncryptedVrfKeypair `json:"encryptedVrfKeypair,omitempty"`
}

type encryptPayload struct {
	ExpectedPublicKey string `json:"expectedPublicKey"`
	PrfOutput         string `json:"prfOutput"`
	NearAccountID     string `json:"nearAccountId,omitempty"`
}

type encryptResult struct {
	VrfPublicKey        string                          `json:"vrfPublicKey"`
	EncryptedVrfKeypair *keymanager.EncryptedVrfKeypair `json:"encryptedVrfKeypair"`
}

type unlockPayload struct {
	NearAccountID       string                          `json:"nearAccountId"`
	EncryptedVrfKeypair *keymanager.EncryptedVrfKeypair `json:"encryptedVrfKeypair,omitempty"`
	PrfOutput           string                          `json:"prfOutput"`
}

type publicKeyResult struct {
	VrfPublicKey string `json:"vrfPublicKey"`
}

type challengePayload struct {
	VrfInputData keymanager.ChallengeInput `json:"vrfInputData"`
}

type shamirEncryptPayload struct {
	NearAccountID string `json:"nearAccountId,omitempty"`
}

type shamirDecryptPayload struct {
	NearAccountID             string                            `json:"nearAccountId"`
	ServerEncryptedVrfKeypair *escrow.ServerEncryptedVrfKeypair `json:"serverEncryptedVrfKeypair,omitempty"`
}

type wrapSeedPayload struct {
	SessionID   string `json:"sessionId"`
	PrfOutput   string `json:"prfOutput"`
	WrapKeySalt string `json:"wrapKeySalt,omitempty"`
	Secondary   string `json:"secondaryB64u,omitempty"`
}

type wrapSeedResult struct {
	SessionID   string `json:"sessionId"`
	WrapKeySalt string `json:"wrapKeySalt"`
}

type signerKeyPayload struct {
	SessionID string `json:"sessionId"`
}

type signerImportPayload struct {
	SessionID  string `json:"sessionId"`
	KeyPath    string `json:"keyPath"`
	Passphrase string `json:"passphrase,omitempty"`
}

type signerSignPayload struct {
	SessionID  string            `json:"sessionId"`
	SealedKey  *signer.SealedKey `json:"sealedKey"`
	Message    string            `json:"messageB64u"`
	EndSession bool              `json:"endSession,omitempty"`
}

type signResult struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signatureB64u"`
}
