package handshake

import (
	"errors"
	"sync"

	"tatchi/internal/security"
)

// ErrPortClosed is returned when sending on a port that already delivered.
var ErrPortClosed = errors.New("handshake: port already closed")

// Material is what the VRF context hands to the signer context.
type Material struct {
	WrapKeySeed []byte
	WrapKeySalt []byte
	Secondary   []byte
}

// Clone returns a deep copy.
func (m *Material) Clone() *Material {
	if m == nil {
		return nil
	}
	return &Material{
		WrapKeySeed: append([]byte(nil), m.WrapKeySeed...),
		WrapKeySalt: append([]byte(nil), m.WrapKeySalt...),
		Secondary:   append([]byte(nil), m.Secondary...),
	}
}

// Wipe zeroes every field.
func (m *Material) Wipe() {
	if m == nil {
		return
	}
	security.Wipe(m.WrapKeySeed)
	security.Wipe(m.WrapKeySalt)
	security.Wipe(m.Secondary)
}

// Delivery is the single message a port carries: material or an error text.
type Delivery struct {
	Material *Material
	Err      string
}

// SendPort is the VRF-side end of a one-shot channel.
type SendPort struct {
	mu     sync.Mutex
	ch     chan Delivery
	closed bool
}

// RecvPort is the signer-side end of a one-shot channel.
type RecvPort struct {
	ch <-chan Delivery
}

// NewChannel returns a connected one-shot port pair.
func NewChannel() (*SendPort, *RecvPort) {
	ch := make(chan Delivery, 1)
	return &SendPort{ch: ch}, &RecvPort{ch: ch}
}

// Send delivers d and closes the port. Any later Send returns ErrPortClosed
// and has no effect.
func (p *SendPort) Send(d Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}
	p.closed = true
	p.ch <- d
	close(p.ch)
	return nil
}

// Fail delivers an explicit failure.
func (p *SendPort) Fail(msg string) error {
	return p.Send(Delivery{Err: msg})
}

// Close closes the port without delivering.
func (p *SendPort) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}

// Closed reports whether the port has delivered or been closed.
func (p *SendPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
