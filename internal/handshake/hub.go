// Package handshake delivers WrapKeySeed material from the VRF context to the
// signer context over one-shot ports keyed by session id.
//
// Delivery is exactly once per session. The first message on an attached
// port resolves the session; the result is cached and every Await for that
// session returns it.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"tatchi/internal/vrferr"
)

// DefaultTimeout bounds Await when the caller passes a non-positive timeout.
const DefaultTimeout = 60 * time.Second

// Outcomes reported to the observer.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

var (
	// ErrSessionAttached is returned by Attach when the session already has a
	// port. A session is resolved by at most one delivery.
	ErrSessionAttached = errors.New("handshake: session already has a port")
	// ErrHubClosed is returned by Attach after Close.
	ErrHubClosed = errors.New("handshake: hub closed")

	errPortDropped  = errors.New("handshake: port closed before delivery")
	errSessionEnded = errors.New("handshake: session ended")
)

// session fields attached and waiters are guarded by Hub.mu; ended,
// material and err by session.mu.
type session struct {
	done     chan struct{}
	once     sync.Once
	attached bool
	waiters  int

	mu       sync.Mutex
	ended    bool
	material *Material
	err      error
}

// resolve stores the first outcome. It reports false when the session was
// already resolved or ended, in which case the caller still owns m.
func (s *session) resolve(m *Material, err error) bool {
	resolved := false
	s.once.Do(func() {
		s.mu.Lock()
		if !s.ended {
			s.material, s.err = m, err
			resolved = true
		}
		s.mu.Unlock()
		close(s.done)
	})
	return resolved
}

// end wipes the cached material and wakes any waiter.
func (s *session) end() {
	s.mu.Lock()
	s.ended = true
	s.material.Wipe()
	s.material = nil
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *session) result(sessionID string) (*Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, fmt.Errorf("handshake: session %s: %w", sessionID, s.err)
	}
	if s.ended || s.material == nil {
		return nil, fmt.Errorf("handshake: session %s: %w", sessionID, errSessionEnded)
	}
	return s.material.Clone(), nil
}

// Hub is the signer-side registry of sessions.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	stop     chan struct{}
	stopOnce sync.Once
	observe  func(outcome string)
	logger   *slog.Logger
}

// NewHub creates an empty Hub. A nil logger discards output.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
		observe:  func(string) {},
		logger:   logger,
	}
}

// SetObserver installs a callback invoked once per resolution or timeout.
func (h *Hub) SetObserver(fn func(outcome string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		fn = func(string) {}
	}
	h.observe = fn
}

// Attach listens on port for exactly one message and resolves sessionID
// with it. A session accepts one port; a second Attach for the same id
// returns ErrSessionAttached until the session is forgotten.
func (h *Hub) Attach(sessionID string, port *RecvPort) error {
	h.mu.Lock()
	select {
	case <-h.stop:
		h.mu.Unlock()
		return ErrHubClosed
	default:
	}
	s := h.sessionLocked(sessionID)
	if s.attached {
		h.mu.Unlock()
		return fmt.Errorf("handshake: session %s: %w", sessionID, ErrSessionAttached)
	}
	s.attached = true
	h.mu.Unlock()

	go func() {
		select {
		case d, ok := <-port.ch:
			switch {
			case !ok:
				h.resolve(sessionID, s, nil, errPortDropped)
			case d.Err != "":
				h.resolve(sessionID, s, nil, errors.New(d.Err))
			case d.Material == nil:
				h.resolve(sessionID, s, nil, errors.New("handshake: empty delivery"))
			default:
				if !h.resolve(sessionID, s, d.Material, nil) {
					d.Material.Wipe()
				}
			}
		case <-h.stop:
		}
	}()
	return nil
}

// Await returns the material for sessionID, waiting at most timeout.
// A cached result is returned immediately. On timeout an attached listener
// stays armed and a later Await can still succeed; a session that never got
// a port is dropped once its last waiter gives up.
func (h *Hub) Await(ctx context.Context, sessionID string, timeout time.Duration) (*Material, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h.mu.Lock()
	s := h.sessionLocked(sessionID)
	s.waiters++
	h.mu.Unlock()
	defer h.release(sessionID, s)

	select {
	case <-s.done:
		return s.result(sessionID)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.result(sessionID)
	case <-timer.C:
		h.emit(OutcomeTimeout)
		return nil, fmt.Errorf("handshake: session %s after %s: %w", sessionID, timeout, vrferr.ErrHandshakeTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) release(sessionID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.waiters--
	if s.waiters == 0 && !s.attached && h.sessions[sessionID] == s {
		delete(h.sessions, sessionID)
	}
}

// Forget wipes and drops any cached result for sessionID. Waiters still
// blocked on it return an error.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	if ok {
		s.end()
	}
}

// Pending returns the number of sessions known to the hub: attached ones
// until they are forgotten, unattached ones while somebody awaits them.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops every listener and wipes cached material.
func (h *Hub) Close() {
	h.mu.Lock()
	h.stopOnce.Do(func() { close(h.stop) })
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.end()
	}
}

func (h *Hub) sessionLocked(sessionID string) *session {
	s, ok := h.sessions[sessionID]
	if !ok {
		s = &session{done: make(chan struct{})}
		h.sessions[sessionID] = s
	}
	return s
}

func (h *Hub) resolve(sessionID string, s *session, m *Material, err error) bool {
	if !s.resolve(m, err) {
		return false
	}
	if err != nil {
		h.logger.Warn("handshake failed", "session_id", sessionID, "error", err)
		h.emit(OutcomeFailed)
	} else {
		h.logger.Debug("handshake delivered", "session_id", sessionID)
		h.emit(OutcomeDelivered)
	}
	return true
}

func (h *Hub) emit(outcome string) {
	h.mu.Lock()
	fn := h.observe
	h.mu.Unlock()
	fn(outcome)
}
