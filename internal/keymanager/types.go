package keymanager

import "time"

// VrfKeypairData is the canonical serialized keypair. KeypairBytes is the
// opaque CBOR blob produced by vrf.Keypair.MarshalBinary.
type VrfKeypairData struct {
	KeypairBytes    []byte `json:"keypair_bytes"`
	PublicKeyBase64 string `json:"public_key_base64"`
}

// EncryptedVrfKeypair is a VrfKeypairData sealed under a PRF-derived key.
// Both fields are base64url; the nonce decodes to 12 bytes.
type EncryptedVrfKeypair struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// ChallengeInput carries the fields hashed into a VRF challenge.
type ChallengeInput struct {
	UserID      string `json:"userId"`
	RpID        string `json:"rpId"`
	BlockHeight uint64 `json:"blockHeight"`
	BlockHash   string `json:"blockHash"`
}

// ChallengeProof is a proved challenge, binary fields base64url encoded.
type ChallengeProof struct {
	VrfInput     string `json:"vrfInput"`
	VrfOutput    string `json:"vrfOutput"`
	VrfProof     string `json:"vrfProof"`
	VrfPublicKey string `json:"vrfPublicKey"`
	UserID       string `json:"userId"`
	RpID         string `json:"rpId"`
	BlockHeight  uint64 `json:"blockHeight"`
	BlockHash    string `json:"blockHash"`
}

// KeypairResult is returned by bootstrap and derivation.
type KeypairResult struct {
	PublicKey string          `json:"vrfPublicKey"`
	Challenge *ChallengeProof `json:"vrfChallengeData,omitempty"`
}

// SessionState tracks whether a keypair is resident and since when.
type SessionState struct {
	Active    bool
	StartTime time.Time
}

// Status is a point-in-time view of the manager.
type Status struct {
	Active          bool   `json:"active"`
	VrfPublicKey    string `json:"vrfPublicKey,omitempty"`
	SessionDuration int64  `json:"sessionDuration"` // milliseconds
}
