package transport

import (
	"context"
	"sync"

	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

const pipeBuffer = 64

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.closed) })
}

type pipeConn struct {
	in     <-chan protocol.Envelope
	out    chan<- protocol.Envelope
	shared *pipeShared
	name   string
}

// Pipe returns two connected in-memory Conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan protocol.Envelope, pipeBuffer)
	ba := make(chan protocol.Envelope, pipeBuffer)
	shared := &pipeShared{closed: make(chan struct{})}
	a := &pipeConn{in: ba, out: ab, shared: shared, name: "pipe-a"}
	b := &pipeConn{in: ab, out: ba, shared: shared, name: "pipe-b"}
	return a, b
}

func (p *pipeConn) Send(env protocol.Envelope) error {
	select {
	case <-p.shared.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.shared.closed:
		return ErrClosed
	}
}

func (p *pipeConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	// Drain what was sent before a close.
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.shared.closed:
		return protocol.Envelope{}, ErrClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.shared.close()
	return nil
}

func (p *pipeConn) RemoteAddr() string {
	return p.name
}
