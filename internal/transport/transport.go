// Package transport moves protocol envelopes over bidirectional connections.
// WebSocket is the primary carrier; QUIC and in-memory pipes implement the
// same Conn so the relay does not care which one a peer used.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

var (
	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("connection closed")
	// ErrInvalidFrame wraps a frame that could not be decoded. The connection stays usable.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Conn is a message connection carrying envelopes.
// Send is safe for concurrent use and preserves call order. Receive must be
// called from a single goroutine; Close unblocks it.
type Conn interface {
	Send(env protocol.Envelope) error
	Receive(ctx context.Context) (protocol.Envelope, error)
	Close() error
	RemoteAddr() string
}

// CloseOnDone closes c when ctx ends. Once stop returns, c will not be
// closed by the watcher.
func CloseOnDone(ctx context.Context, c Conn) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// IsNormalClose reports whether err is an expected end of a session: a local
// Close, a clean hang-up by the peer, or a WebSocket close the peer meant to
// send. Resets and other read failures are not normal.
func IsNormalClose(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrClosed), errors.Is(err, io.EOF):
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode == 0
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
