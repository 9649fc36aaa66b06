package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"tatchi/internal/b64u"
	"tatchi/internal/modexp"
	"tatchi/internal/security"
	"tatchi/internal/vrferr"
)

// ServerKey is one long-lived relay lock pair.
type ServerKey struct {
	ID        string
	Keys      *modexp.LockKeys
	CreatedAt time.Time
}

// GenerateServerKey draws a fresh lock pair under params.
func GenerateServerKey(params *modexp.Params, r io.Reader) (*ServerKey, error) {
	keys, err := params.GenerateLockKeys(r)
	if err != nil {
		return nil, fmt.Errorf("relay: generate server key: %w", err)
	}
	return &ServerKey{
		ID:        uuid.NewString(),
		Keys:      keys,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// KeyFile is the on-disk form of the relay's keys.
type KeyFile struct {
	PB64u   string         `json:"p_b64u,omitempty"`
	Current KeyFileEntry   `json:"current"`
	Grace   []KeyFileEntry `json:"grace,omitempty"`
}

// KeyFileEntry is one serialized ServerKey.
type KeyFileEntry struct {
	ID        string    `json:"id"`
	EB64u     string    `json:"e_b64u"`
	DB64u     string    `json:"d_b64u"`
	CreatedAt time.Time `json:"created_at"`
}

// NewKeyFile serializes current and grace keys. An empty pB64u means the default modulus.
func NewKeyFile(pB64u string, current *ServerKey, grace ...*ServerKey) *KeyFile {
	kf := &KeyFile{PB64u: pB64u, Current: entryFor(current)}
	for _, g := range grace {
		kf.Grace = append(kf.Grace, entryFor(g))
	}
	return kf
}

func entryFor(k *ServerKey) KeyFileEntry {
	return KeyFileEntry{
		ID:        k.ID,
		EB64u:     b64u.Encode(k.Keys.E.Bytes()),
		DB64u:     b64u.Encode(k.Keys.D.Bytes()),
		CreatedAt: k.CreatedAt,
	}
}

// Keys decodes and validates every entry against params.
func (kf *KeyFile) Keys(params *modexp.Params) (current *ServerKey, grace []*ServerKey, err error) {
	current, err = kf.Current.decode(params)
	if err != nil {
		return nil, nil, err
	}
	for _, g := range kf.Grace {
		k, err := g.decode(params)
		if err != nil {
			current.Keys.Wipe()
			return nil, nil, err
		}
		grace = append(grace, k)
	}
	return current, grace, nil
}

func (e KeyFileEntry) decode(params *modexp.Params) (*ServerKey, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("relay: key file entry without id: %w", vrferr.ErrInvalidInput)
	}
	eRaw, err := b64u.Decode(e.EB64u)
	if err != nil {
		return nil, fmt.Errorf("relay: key %s: e: %w", e.ID, err)
	}
	dRaw, err := b64u.Decode(e.DB64u)
	if err != nil {
		return nil, fmt.Errorf("relay: key %s: d: %w", e.ID, err)
	}
	keys := &modexp.LockKeys{E: new(big.Int).SetBytes(eRaw), D: new(big.Int).SetBytes(dRaw)}
	security.Wipe(eRaw)
	security.Wipe(dRaw)

	pm1 := new(big.Int).Sub(params.P(), big.NewInt(1))
	check := new(big.Int).Mul(keys.E, keys.D)
	if check.Mod(check, pm1).Cmp(big.NewInt(1)) != 0 {
		keys.Wipe()
		return nil, fmt.Errorf("relay: key %s: e*d != 1 mod p-1: %w", e.ID, vrferr.ErrInvalidModulus)
	}
	return &ServerKey{ID: e.ID, Keys: keys, CreatedAt: e.CreatedAt}, nil
}

// WriteKeyFile atomically replaces path with kf, owner-only.
func WriteKeyFile(path string, kf *KeyFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("relay: create key dir: %w", err)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("relay: encode key file: %w", err)
	}
	defer security.Wipe(data)
	// replace rather than rewrite so a watching relay never reads a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("relay: write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("relay: replace key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a key file written by WriteKeyFile.
func LoadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay: read key file: %w", err)
	}
	defer security.Wipe(data)

	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("relay: parse key file: %w", err)
	}
	return &kf, nil
}
