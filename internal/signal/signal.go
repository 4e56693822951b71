// Package signal carries envelopes between this client and the relay.
// The transport is deliberately dumb: it moves envelopes and reports
// disconnection, and everything above it treats the relay as a pipe.
package signal

import (
	"errors"
	"sync"

	"github.com/mikeyg42/peercall/internal/event"
)

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("signal transport closed")

// Transport is a bidirectional envelope pipe to the relay. Events()
// is closed when the transport goes away, whichever side closed it.
type Transport interface {
	Send(env event.Envelope) error
	Events() <-chan event.Envelope
	Close() error
}

// MemoryPair links two in-process transports back to back. Envelopes
// sent on one side arrive on the other. Used in tests in place of the
// relay.
func MemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := &MemoryTransport{in: make(chan event.Envelope, 64)}
	b := &MemoryTransport{in: make(chan event.Envelope, 64)}
	a.peer, b.peer = b, a
	return a, b
}

type MemoryTransport struct {
	peer *MemoryTransport

	mu     sync.Mutex
	in     chan event.Envelope
	closed bool
}

func (t *MemoryTransport) Send(env event.Envelope) error {
	t.peer.mu.Lock()
	defer t.peer.mu.Unlock()
	if t.peer.closed {
		return ErrClosed
	}
	select {
	case t.peer.in <- env:
		return nil
	default:
		return errors.New("transport buffer full")
	}
}

func (t *MemoryTransport) Events() <-chan event.Envelope { return t.in }

// Close severs both ends, the way a dropped socket would: the peer's
// Events channel closes as well.
func (t *MemoryTransport) Close() error {
	t.shutdown()
	t.peer.shutdown()
	return nil
}

func (t *MemoryTransport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.in)
	}
}
