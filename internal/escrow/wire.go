package escrow

// Relay endpoint paths.
const (
	PathApplyServerLock  = "/vrf/apply-server-lock"
	PathRemoveServerLock = "/vrf/remove-server-lock"
	PathKeyInfo          = "/shamir/key-info"
)

// ApplyLockRequest carries kek_c = KEK^e_c mod p.
type ApplyLockRequest struct {
	KekCB64u string `json:"kek_c_b64u"`
}

// ApplyLockResponse carries kek_cs = kek_c^e_s mod p and the id of the server key used.
type ApplyLockResponse struct {
	KekCSB64u string `json:"kek_cs_b64u"`
	KeyID     string `json:"keyId,omitempty"`
}

// RemoveLockRequest carries kek_cs' = kek_s^e_c' mod p. KeyID selects the
// server key that produced kek_s; empty means the current key.
type RemoveLockRequest struct {
	KekCSB64u string `json:"kek_cs_b64u"`
	KeyID     string `json:"keyId,omitempty"`
}

// RemoveLockResponse carries kek_c' = kek_cs'^d_s mod p.
type RemoveLockResponse struct {
	KekCB64u string `json:"kek_c_b64u"`
}

// KeyInfo describes the relay's lock keys without revealing them.
type KeyInfo struct {
	CurrentKeyID string   `json:"currentKeyId"`
	GraceKeyIDs  []string `json:"graceKeyIds"`
	PB64u        string   `json:"p_b64u"`
}

// ErrorResponse is the relay's error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerEncryptedVrfKeypair is the escrowed artifact handed to external
// storage. Neither field alone permits reconstruction.
type ServerEncryptedVrfKeypair struct {
	CiphertextVrfB64u string `json:"ciphertext_vrf_b64u"`
	KEKSB64u          string `json:"kek_s_b64u"`
	VrfPublicKey      string `json:"vrf_public_key"`
	ServerKeyID       string `json:"server_key_id,omitempty"`
}
