package keymanager

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"

	"tatchi/internal/vrferr"
)

// ChallengeDomain separates VRF challenge inputs from every other hash in the wallet.
const ChallengeDomain = "web3_authn_challenge_v3"

// BuildChallengeInput hashes
//
//	domain || userId || rpId || blockHeight (u64 LE) || blockHash (base58-decoded)
//
// with SHA-256 and returns the 32-byte VRF input.
func BuildChallengeInput(in ChallengeInput) ([]byte, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("keymanager: challenge: empty userId: %w", vrferr.ErrInvalidInput)
	}
	if in.RpID == "" {
		return nil, fmt.Errorf("keymanager: challenge: empty rpId: %w", vrferr.ErrInvalidInput)
	}
	blockHash, err := base58.Decode(in.BlockHash)
	if err != nil || len(blockHash) == 0 {
		return nil, fmt.Errorf("keymanager: challenge: blockHash is not base58: %w", vrferr.ErrInvalidInput)
	}

	var height [8]byte
	binary.LittleEndian.PutUint64(height[:], in.BlockHeight)

	h := sha256.New()
	h.Write([]byte(ChallengeDomain))
	h.Write([]byte(in.UserID))
	h.Write([]byte(in.RpID))
	h.Write(height[:])
	h.Write(blockHash)
	return h.Sum(nil), nil
}
