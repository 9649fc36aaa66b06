// Package relay is the server half of the escrow exchange.
//
// The relay holds a long-lived lock pair (e_s, d_s) per key id. It applies
// e_s to client-locked values and removes d_s from them, and never sees a
// value that is not also locked by a client exponent. Exponents live in
// memguard enclaves and are only decrypted for the duration of one
// exponentiation. Older keys stay available for unlock as grace keys after
// a rotation so existing escrow blobs keep working.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"tatchi/internal/escrow"
	"tatchi/internal/metrics"
	"tatchi/internal/modexp"
	"tatchi/internal/security"
	"tatchi/internal/vrferr"
)

// ErrUnknownKeyID is returned when a request names a key the relay does not hold.
var ErrUnknownKeyID = errors.New("relay: unknown key id")

type sealedKey struct {
	id        string
	e         *memguard.Enclave
	d         *memguard.Enclave
	createdAt time.Time
}

// LockService applies and removes the relay's lock.
type LockService struct {
	mu        sync.RWMutex
	params    *modexp.Params
	currentID string
	keys      map[string]*sealedKey

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewLockService seals current and grace into enclaves and wipes their
// plaintext exponents.
func NewLockService(params *modexp.Params, current *ServerKey, grace []*ServerKey, m *metrics.Metrics, logger *slog.Logger) (*LockService, error) {
	if current == nil {
		return nil, fmt.Errorf("relay: current key is required: %w", vrferr.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &LockService{
		params:  params,
		keys:    make(map[string]*sealedKey),
		metrics: m,
		logger:  logger,
	}
	for _, g := range grace {
		if err := s.addLocked(g); err != nil {
			return nil, err
		}
	}
	if err := s.addLocked(current); err != nil {
		return nil, err
	}
	s.currentID = current.ID
	return s, nil
}

// Params returns the modulus the service operates under.
func (s *LockService) Params() *modexp.Params { return s.params }

// ApplyLock returns kek_c^e_s for the current key and that key's id.
func (s *LockService) ApplyLock(kekC string) (kekCS, keyID string, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveLock("apply", status(err), time.Since(start)) }()

	x, err := s.decodeLocked(kekC)
	if err != nil {
		return "", "", err
	}

	s.mu.RLock()
	key := s.keys[s.currentID]
	s.mu.RUnlock()

	y, err := s.exp(x, key.e)
	if err != nil {
		return "", "", err
	}
	return s.params.Encode(y), key.id, nil
}

// RemoveLock returns kek_cs^d_s for keyID, or the current key when keyID is empty.
func (s *LockService) RemoveLock(kekCS, keyID string) (kekC string, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveLock("remove", status(err), time.Since(start)) }()

	x, err := s.decodeLocked(kekCS)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	if keyID == "" {
		keyID = s.currentID
	}
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q: %w", ErrUnknownKeyID, keyID, vrferr.ErrInvalidInput)
	}

	y, err := s.exp(x, key.d)
	if err != nil {
		return "", err
	}
	return s.params.Encode(y), nil
}

// Rotate makes next the current key and keeps the previous one as a grace
// key. A key already held as a grace key is promoted.
func (s *LockService) Rotate(next *ServerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next != nil {
		if _, held := s.keys[next.ID]; held {
			if next.Keys != nil {
				next.Keys.Wipe()
			}
			return s.promoteLocked(next.ID)
		}
	}
	if err := s.addLocked(next); err != nil {
		return err
	}
	return s.promoteLocked(next.ID)
}

func (s *LockService) promoteLocked(id string) error {
	prev := s.currentID
	if prev == id {
		return nil
	}
	s.currentID = id
	s.logger.Info("relay key rotated", "current", id, "previous", prev)
	return nil
}

// SyncKeys brings the held keys in line with a key set read from disk: grace
// keys not yet held are added, a new current key is rotated in and held keys
// the set no longer names are retired. Exponents of keys already held are
// wiped without being sealed again.
func (s *LockService) SyncKeys(current *ServerKey, grace []*ServerKey) error {
	if current == nil {
		return fmt.Errorf("relay: current key is required: %w", vrferr.ErrInvalidInput)
	}
	want := map[string]bool{current.ID: true}
	for _, g := range grace {
		if g == nil {
			continue
		}
		want[g.ID] = true
		if err := s.addGrace(g); err != nil {
			return err
		}
	}
	if err := s.Rotate(current); err != nil {
		return err
	}
	for _, id := range s.KeyInfo().GraceKeyIDs {
		if !want[id] {
			if err := s.Retire(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *LockService) addGrace(k *ServerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.keys[k.ID]; held {
		if k.Keys != nil {
			k.Keys.Wipe()
		}
		return nil
	}
	return s.addLocked(k)
}

// Retire drops a grace key. The current key cannot be retired.
func (s *LockService) Retire(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keyID == s.currentID {
		return fmt.Errorf("relay: cannot retire current key: %w", vrferr.ErrInvalidInput)
	}
	if _, ok := s.keys[keyID]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownKeyID, keyID)
	}
	delete(s.keys, keyID)
	s.logger.Info("relay key retired", "id", keyID)
	return nil
}

// KeyInfo lists key ids and the modulus.
func (s *LockService) KeyInfo() escrow.KeyInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grace := make([]string, 0, len(s.keys)-1)
	for id := range s.keys {
		if id != s.currentID {
			grace = append(grace, id)
		}
	}
	sort.Strings(grace)
	return escrow.KeyInfo{
		CurrentKeyID: s.currentID,
		GraceKeyIDs:  grace,
		PB64u:        s.params.Encode(s.params.P()),
	}
}

func (s *LockService) addLocked(k *ServerKey) error {
	if k == nil || k.Keys == nil || k.ID == "" {
		return fmt.Errorf("relay: incomplete server key: %w", vrferr.ErrInvalidInput)
	}
	if _, dup := s.keys[k.ID]; dup {
		return fmt.Errorf("relay: duplicate key id %q: %w", k.ID, vrferr.ErrInvalidInput)
	}
	s.keys[k.ID] = &sealedKey{
		id:        k.ID,
		e:         memguard.NewEnclave(s.params.FixedBytes(k.Keys.E)),
		d:         memguard.NewEnclave(s.params.FixedBytes(k.Keys.D)),
		createdAt: k.CreatedAt,
	}
	k.Keys.Wipe()
	return nil
}

// SelfTest locks and unlocks a random value under every held key and
// reports the first key whose pair no longer round-trips.
func (s *LockService) SelfTest() error {
	s.mu.RLock()
	keys := make([]*sealedKey, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	for _, k := range keys {
		x, err := s.params.RandomKEK(nil)
		if err != nil {
			return err
		}
		y, err := s.exp(x, k.e)
		if err != nil {
			return err
		}
		z, err := s.exp(y, k.d)
		if err != nil {
			return err
		}
		ok := x.Cmp(z) == 0
		security.WipeBig(x)
		security.WipeBig(z)
		if !ok {
			return fmt.Errorf("relay: key %s does not round-trip: %w", k.id, vrferr.ErrInvalidModulus)
		}
	}
	return nil
}

// decodeLocked parses a locked value and rejects the trivial elements 0, 1
// and p-1, which would let a caller learn the exponent's parity.
func (s *LockService) decodeLocked(v string) (*big.Int, error) {
	x, err := s.params.Decode(v)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	pm1 := new(big.Int).Sub(s.params.P(), big.NewInt(1))
	if x.Cmp(big.NewInt(2)) < 0 || x.Cmp(pm1) >= 0 {
		return nil, fmt.Errorf("relay: locked value outside [2, p-2]: %w", vrferr.ErrInvalidInput)
	}
	return x, nil
}

func (s *LockService) exp(x *big.Int, enclave *memguard.Enclave) (*big.Int, error) {
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("relay: open key enclave: %w", err)
	}
	defer buf.Destroy()

	k := new(big.Int).SetBytes(buf.Bytes())
	defer security.WipeBig(k)
	return s.params.Engine().Exp(x, k, s.params.P()), nil
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	return string(vrferr.KindOf(err))
}
