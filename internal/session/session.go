// Package session is the client side of a relay connection: dial, identify,
// then exchange envelopes until either side hangs up.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sheerbytes/fanrelay/internal/transport"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// ErrRejected is returned when the relay refuses the identify.
var ErrRejected = errors.New("relay rejected identify")

// RejectedError carries the relay's reason for refusing the identify.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrRejected, e.Message, e.Code)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Transport names accepted by Dial.
const (
	TransportWS   = "ws"
	TransportQUIC = "quic"
)

const identifyTimeout = 10 * time.Second

// Options describe how to reach the relay.
type Options struct {
	// URL is ws://host:port/ws for WebSocket, or host:port (optionally quic://) for QUIC.
	URL       string
	Transport string
	Name      string
	WS        transport.WSOptions
	QUIC      transport.QUICOptions
	Logger    *slog.Logger
}

// Session is an identified connection to the relay.
type Session struct {
	conn   transport.Conn
	name   string
	role   string
	logger *slog.Logger
}

// Dial connects to the relay and identifies as opts.Name.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	var (
		conn transport.Conn
		err  error
	)
	switch opts.Transport {
	case "", TransportWS:
		conn, err = transport.DialWS(ctx, opts.URL, opts.WS)
	case TransportQUIC:
		conn, err = transport.DialQUIC(ctx, strings.TrimPrefix(opts.URL, "quic://"), opts.QUIC)
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}
	if err != nil {
		return nil, err
	}
	return Open(ctx, conn, opts.Name, opts.Logger)
}

// Open runs the identify handshake on an established connection. On failure
// the connection is closed.
func Open(ctx context.Context, conn transport.Conn, name string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := conn.Send(protocol.MustEnvelope(protocol.TypeIdentify, protocol.Identify{Name: name})); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send identify: %w", err)
	}

	idCtx, cancel := context.WithTimeout(ctx, identifyTimeout)
	defer cancel()
	watch := transport.CloseOnDone(idCtx, conn)
	env, err := conn.Receive(idCtx)
	watch()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await identified: %w", err)
	}

	switch env.Type {
	case protocol.TypeIdentified:
		var id protocol.Identified
		if err := env.DecodePayload(&id); err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("identified with relay", "name", id.Name, "role", id.Role, "remote", conn.RemoteAddr())
		return &Session{conn: conn, name: id.Name, role: id.Role, logger: logger}, nil
	case protocol.TypeError:
		var e protocol.Error
		_ = env.DecodePayload(&e)
		_ = conn.Close()
		return nil, &RejectedError{Code: e.Code, Message: e.Message}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected %q before identified", env.Type)
	}
}

// Name is the identity the relay bound this session to.
func (s *Session) Name() string { return s.name }

// Role is protocol.RoleController or protocol.RoleDestination.
func (s *Session) Role() string { return s.role }

// Send queues env to the relay.
func (s *Session) Send(env protocol.Envelope) error {
	return s.conn.Send(env)
}

// ReadLoop calls onEnv for every inbound envelope until the connection ends
// or ctx is cancelled. A clean shutdown returns nil.
func (s *Session) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	stop := transport.CloseOnDone(ctx, s.conn)
	defer stop()
	for {
		env, err := s.conn.Receive(ctx)
		if errors.Is(err, transport.ErrInvalidFrame) {
			s.logger.Warn("invalid frame from relay", "error", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil || transport.IsNormalClose(err) {
				return nil
			}
			s.logger.Error("relay read error", "error", err)
			return err
		}
		onEnv(env)
	}
}

// Close hangs up.
func (s *Session) Close() error {
	return s.conn.Close()
}
