package keymanager

import (
	"runtime"
	"sync"

	"tatchi/internal/vrf"
)

// SecureVrfKeypair exclusively owns one vrf.Keypair and wipes it on Destroy.
// A finalizer destroys instances that are dropped without an explicit release.
type SecureVrfKeypair struct {
	kp   *vrf.Keypair
	once sync.Once
}

func newSecureVrfKeypair(kp *vrf.Keypair) *SecureVrfKeypair {
	s := &SecureVrfKeypair{kp: kp}
	runtime.SetFinalizer(s, func(s *SecureVrfKeypair) {
		s.Destroy()
	})
	return s
}

// Keypair returns the wrapped keypair. It must not be retained by callers.
func (s *SecureVrfKeypair) Keypair() *vrf.Keypair {
	return s.kp
}

// PublicKey returns the compressed public key.
func (s *SecureVrfKeypair) PublicKey() []byte {
	return s.kp.PublicKey()
}

// Destroy overwrites the secret material. Later calls are no-ops.
func (s *SecureVrfKeypair) Destroy() {
	s.once.Do(func() {
		s.kp.Wipe()
		runtime.SetFinalizer(s, nil)
	})
}
