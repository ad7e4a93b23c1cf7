package relay

import (
	"log/slog"
	"sync"

	"github.com/sheerbytes/fanrelay/internal/transport"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

const outboxSize = 256

// outbox serializes every frame bound for one connection through a single
// writer goroutine, so frames leave in the order Send accepted them.
// Send blocks when the buffer is full rather than dropping.
type outbox struct {
	conn   transport.Conn
	ch     chan protocol.Envelope
	done   chan struct{}
	once   sync.Once
	start  sync.Once
	logger *slog.Logger
}

func newOutbox(conn transport.Conn, logger *slog.Logger) *outbox {
	return &outbox{
		conn:   conn,
		ch:     make(chan protocol.Envelope, outboxSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// run starts the writer. Frames queued before run are sent first.
func (o *outbox) run() {
	o.start.Do(func() { go o.writeLoop() })
}

func (o *outbox) writeLoop() {
	for {
		select {
		case <-o.done:
			return
		case env := <-o.ch:
			if err := o.conn.Send(env); err != nil {
				o.logger.Debug("write failed, closing connection", "remote", o.conn.RemoteAddr(), "error", err)
				_ = o.Close()
				return
			}
		}
	}
}

func (o *outbox) Send(env protocol.Envelope) error {
	select {
	case <-o.done:
		return transport.ErrClosed
	default:
	}
	select {
	case o.ch <- env:
		return nil
	case <-o.done:
		return transport.ErrClosed
	}
}

func (o *outbox) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		err = o.conn.Close()
	})
	return err
}
