package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sheerbytes/fanrelay/internal/presence"
	"github.com/sheerbytes/fanrelay/internal/transport"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// Serve runs one connection from identify to disconnect. It returns when the
// peer goes away, the connection is rejected, or ctx ends.
func (r *Relay) Serve(ctx context.Context, conn transport.Conn) {
	stop := transport.CloseOnDone(ctx, conn)
	defer stop()
	defer conn.Close()

	name, role, err := r.identify(ctx, conn)
	if err != nil {
		r.logger.Warn("connection rejected", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	switch role {
	case protocol.RoleController:
		r.serveController(ctx, conn, name)
	default:
		r.serveDestination(ctx, conn, name)
	}
}

func (r *Relay) identify(ctx context.Context, conn transport.Conn) (string, string, error) {
	idCtx, cancel := context.WithTimeout(ctx, r.opts.IdentifyTimeout)
	defer cancel()
	watch := transport.CloseOnDone(idCtx, conn)
	env, err := conn.Receive(idCtx)
	watch()
	if err != nil {
		if idCtx.Err() != nil {
			return "", "", fmt.Errorf("%w: no identify within %s", ErrIdentifyRequired, r.opts.IdentifyTimeout)
		}
		return "", "", err
	}

	var id protocol.Identify
	if env.Type != protocol.TypeIdentify || env.DecodePayload(&id) != nil || id.Name == "" {
		sendDirect(conn, protocol.CodeIdentifyRequired, "first frame must be identify")
		return "", "", fmt.Errorf("%w: got %q", ErrIdentifyRequired, env.Type)
	}

	switch {
	case id.Name == r.opts.ControllerName:
		return id.Name, protocol.RoleController, nil
	case r.reg.Known(id.Name):
		return id.Name, protocol.RoleDestination, nil
	default:
		sendDirect(conn, protocol.CodeUnknownIdentity, "unknown identity: "+id.Name)
		return "", "", fmt.Errorf("%w: %s", ErrUnknownIdentity, id.Name)
	}
}

func (r *Relay) serveController(ctx context.Context, conn transport.Conn, name string) {
	out := newOutbox(conn, r.logger)
	defer out.Close()
	_ = out.Send(identified(name, protocol.RoleController))
	out.run()

	unsubscribe := r.reg.Subscribe(protocol.NewMsgID(), out)
	defer unsubscribe()
	r.logger.Info("controller connected", "name", name, "remote", conn.RemoteAddr())
	defer r.logger.Info("controller disconnected", "name", name)

	r.readLoop(ctx, conn, out, name, func(env protocol.Envelope) {
		r.handleController(out, env)
	})
}

func (r *Relay) serveDestination(ctx context.Context, conn transport.Conn, name string) {
	out := newOutbox(conn, r.logger)
	// Queued ahead of anything routed once the name is attached.
	_ = out.Send(identified(name, protocol.RoleDestination))

	if err := r.reg.Attach(name, out); err != nil {
		r.logger.Warn("duplicate destination rejected", "name", name, "remote", conn.RemoteAddr(), "error", err)
		code := protocol.CodeUnknownIdentity
		if errors.Is(err, presence.ErrAlreadyConnected) {
			code = protocol.CodeAlreadyConnected
		}
		sendDirect(conn, code, err.Error())
		return
	}
	out.run()
	defer out.Close()
	defer r.reg.Detach(name, out)

	r.readLoop(ctx, conn, out, name, func(env protocol.Envelope) {
		r.handleDestination(out, name, env)
	})
}

func (r *Relay) readLoop(ctx context.Context, conn transport.Conn, out *outbox, name string, handle func(protocol.Envelope)) {
	limiter := newLimiter(r.opts.MsgsPerSec, r.opts.MsgsBurst)
	for {
		env, err := conn.Receive(ctx)
		if errors.Is(err, transport.ErrInvalidFrame) {
			r.logger.Warn("invalid frame", "name", name, "error", err)
			sendError(out, protocol.Error{Code: protocol.CodeInvalidFrame, Message: err.Error()})
			continue
		}
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				r.logger.Info("connection idle timeout", "name", name)
			case !transport.IsNormalClose(err) && ctx.Err() == nil:
				r.logger.Error("read failed", "name", name, "error", err)
			}
			return
		}
		if !limiter.Allow() {
			r.logger.Warn("message rate limit exceeded", "name", name)
			sendDirect(conn, protocol.CodeRateLimited, "message rate limit exceeded")
			return
		}
		if err := env.ValidateBasic(); err != nil {
			r.logger.Warn("invalid envelope", "name", name, "error", err)
			sendError(out, protocol.Error{Code: protocol.CodeInvalidFrame, Message: err.Error()})
			continue
		}
		env.From = name
		handle(env)
	}
}

func (r *Relay) handleController(out *outbox, env protocol.Envelope) {
	switch {
	case env.Type == protocol.TypeDataChunk:
		ack, err := r.RouteData(env.To, env)
		if err != nil {
			r.routingFailure(out, env, err)
			return
		}
		_ = out.Send(protocol.MustEnvelope(protocol.TypeAck, ack))

	case protocol.IsControl(env.Type):
		err := r.RouteControl(env.To, env)
		if err == nil {
			return
		}
		// Cancelling something that is not connected is accepted.
		if env.Type == protocol.TypeCancel && errors.Is(err, ErrDestinationUnavailable) {
			r.logger.Info("cancel for offline destination accepted", "target", env.To)
			return
		}
		r.routingFailure(out, env, err)

	case env.Type == protocol.TypeTextMessage:
		var msg protocol.TextMessage
		if err := env.DecodePayload(&msg); err != nil {
			sendError(out, protocol.Error{Code: protocol.CodeInvalidFrame, Message: err.Error()})
			return
		}
		targets := msg.Targets
		if env.To != "" {
			targets = append(targets, env.To)
		}
		fwd := protocol.MustEnvelope(protocol.TypeTextMessage, protocol.TextMessage{From: env.From, Text: msg.Text})
		delivered := r.Broadcast(fwd, targets)
		r.logger.Info("text message fanned out", "from", env.From, "delivered", len(delivered), "requested", len(targets))

	default:
		sendError(out, protocol.Error{Code: protocol.CodeInvalidFrame, Message: "unexpected frame from controller: " + env.Type})
	}
}

func (r *Relay) handleDestination(out *outbox, name string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeReport:
		var rep protocol.Report
		if err := env.DecodePayload(&rep); err != nil {
			sendError(out, protocol.Error{Code: protocol.CodeInvalidFrame, Message: err.Error()})
			return
		}
		r.logger.Info("destination report", "name", name, "file", rep.FileName, "kind", rep.Kind)
		r.reg.Observers(env)
	default:
		r.logger.Debug("ignoring frame from destination", "name", name, "type", env.Type)
	}
}

func (r *Relay) routingFailure(out *outbox, env protocol.Envelope, err error) {
	e := protocol.Error{Code: protocol.CodeInvalidFrame, Message: err.Error(), Target: env.To}
	if errors.Is(err, ErrDestinationUnavailable) {
		e.Code = protocol.CodeDestinationUnavailable
		var hdr chunkHeader
		if env.DecodePayload(&hdr) == nil {
			e.TransferID, e.FileName, e.Seq = hdr.TransferID, hdr.FileName, hdr.Seq
		}
	}
	r.logger.Warn("routing failed", "type", env.Type, "target", env.To, "error", err)
	sendError(out, e)
}

func identified(name, role string) protocol.Envelope {
	env := protocol.MustEnvelope(protocol.TypeIdentified, protocol.Identified{Name: name, Role: role})
	env.From = ServerName
	return env
}

func errorEnvelope(e protocol.Error) protocol.Envelope {
	env := protocol.MustEnvelope(protocol.TypeError, e)
	env.From = ServerName
	return env
}

func sendError(out *outbox, e protocol.Error) {
	_ = out.Send(errorEnvelope(e))
}

// sendDirect writes an error before the connection is handed to an outbox.
func sendDirect(conn transport.Conn, code, message string) {
	_ = conn.Send(errorEnvelope(protocol.Error{Code: code, Message: message}))
}
