// Package transporttest provides an in-memory protocol.Transport pair for
// tests: everything Send puts on one end, Recv takes off the other, with
// no real network involved.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/luxfi/ouisync/protocol"
)

// ErrClosed is returned by a Pipe's Send and Recv once Close has been
// called on that Pipe.
var ErrClosed = errors.New("transporttest: closed")

// Pipe is one end of an in-memory, bidirectional Message channel pair.
// Use NewPair to get both ends already wired together.
type Pipe struct {
	out    chan protocol.Message
	in     chan protocol.Message
	once   sync.Once
	closed chan struct{}
}

// NewPair returns two Pipes, each other's Transport: a's Send feeds b's
// Recv and vice versa.
func NewPair() (a *Pipe, b *Pipe) {
	ab := make(chan protocol.Message, 16)
	ba := make(chan protocol.Message, 16)
	a = &Pipe{out: ab, in: ba, closed: make(chan struct{})}
	b = &Pipe{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

// Send implements protocol.Transport.
func (p *Pipe) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	}
}

// Recv implements protocol.Transport.
func (p *Pipe) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return protocol.Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-p.closed:
		return protocol.Message{}, ErrClosed
	}
}

// Close implements protocol.Transport. It only marks this end closed; the
// peer end keeps working until its own Close is called, matching a real
// half-open TCP-ish disconnect.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
