// Package destination is the receiving side: it feeds frames from a relay
// session into a receiver and sends the receiver's reports back.
package destination

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/sheerbytes/fanrelay/internal/receiver"
	"github.com/sheerbytes/fanrelay/internal/storage"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// Session is the relay connection the agent reads from.
type Session interface {
	Name() string
	Send(env protocol.Envelope) error
	ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error
}

// Options configure an Agent.
type Options struct {
	Store      storage.Store
	MaxPending int
	Logger     *slog.Logger
	// OnText, if set, is called for every text message.
	OnText func(msg protocol.TextMessage)
}

// Agent serves one destination identity.
type Agent struct {
	sess   Session
	recv   *receiver.Receiver
	logger *slog.Logger
	onText func(protocol.TextMessage)
}

// New creates an agent over an identified session.
func New(sess Session, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Agent{sess: sess, logger: logger, onText: opts.OnText}
	a.recv = receiver.New(receiver.Config{
		Store:      opts.Store,
		MaxPending: opts.MaxPending,
		Logger:     logger,
		OnReport:   a.report,
	})
	return a
}

// Run consumes frames until the session ends or ctx is cancelled, then
// closes the receiver.
func (a *Agent) Run(ctx context.Context) error {
	err := a.sess.ReadLoop(ctx, a.handle)
	return errors.Join(err, a.recv.Close())
}

// Status reports where the receiver is.
func (a *Agent) Status() receiver.Status {
	return a.recv.Status()
}

func (a *Agent) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDataChunk:
		var c protocol.DataChunk
		if err := env.DecodePayload(&c); err != nil {
			a.logger.Warn("bad data chunk", "error", err)
			return
		}
		err := a.recv.HandleChunk(receiver.Chunk{
			TransferID: c.TransferID,
			FileName:   c.FileName,
			Seq:        c.Seq,
			Data:       c.Data,
			Final:      c.IsFinal,
		})
		if err != nil {
			a.logger.Debug("chunk not written", "file", c.FileName, "seq", c.Seq, "error", err)
		}
	case protocol.TypePause:
		a.recv.Pause()
	case protocol.TypeResume:
		if err := a.recv.Resume(); err != nil {
			a.logger.Warn("buffered chunks rejected on resume", "error", err)
		}
	case protocol.TypeCancel:
		var ctl protocol.Control
		if err := env.DecodePayload(&ctl); err != nil {
			a.logger.Warn("bad cancel", "error", err)
			return
		}
		if err := a.recv.Cancel(ctl.TransferID, ctl.FileName); err != nil {
			a.logger.Error("cancel cleanup failed", "file", ctl.FileName, "error", err)
		}
	case protocol.TypeTextMessage:
		var msg protocol.TextMessage
		if err := env.DecodePayload(&msg); err != nil {
			a.logger.Warn("bad text message", "error", err)
			return
		}
		a.logger.Info("message", "from", msg.From, "text", msg.Text)
		if a.onText != nil {
			a.onText(msg)
		}
	case protocol.TypeError:
		var e protocol.Error
		_ = env.DecodePayload(&e)
		a.logger.Warn("relay error", "code", e.Code, "message", e.Message)
	default:
		a.logger.Debug("ignoring frame", "type", env.Type)
	}
}

func (a *Agent) report(rep protocol.Report) {
	if err := a.sess.Send(protocol.MustEnvelope(protocol.TypeReport, rep)); err != nil {
		a.logger.Warn("report not sent", "kind", rep.Kind, "file", rep.FileName, "error", err)
	}
}
