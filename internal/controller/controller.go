// Package controller is the sending side: it holds a relay session, runs the
// chunk scheduler over it and keeps a view of destination presence.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/sheerbytes/fanrelay/internal/progress"
	"github.com/sheerbytes/fanrelay/internal/scheduler"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// ErrNothingOnline is returned when an upload names no targets and no
// destination is online to default to.
var ErrNothingOnline = errors.New("no destination online")

// Session is the relay connection the controller drives.
type Session interface {
	Name() string
	Send(env protocol.Envelope) error
	ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error
}

// Options tune a Controller.
type Options struct {
	ChunkSize   int
	PausePolicy scheduler.PausePolicy
	Logger      *slog.Logger
}

// Controller wires a scheduler to a relay session.
type Controller struct {
	sess   Session
	sched  *scheduler.Scheduler
	logger *slog.Logger

	mu       sync.Mutex
	presence map[string]bool
	changed  chan struct{}
}

// New creates a controller over an identified session.
func New(sess Session, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		sess:     sess,
		logger:   logger,
		presence: make(map[string]bool),
		changed:  make(chan struct{}),
	}
	c.sched = scheduler.New(sessionSender{sess: sess}, scheduler.Config{
		ChunkSize:   opts.ChunkSize,
		PausePolicy: opts.PausePolicy,
		Logger:      logger,
	})
	return c
}

// Run dispatches inbound frames until the session ends or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	return c.sess.ReadLoop(ctx, c.handle)
}

func (c *Controller) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAck:
		var ack protocol.Ack
		if err := env.DecodePayload(&ack); err != nil {
			c.logger.Warn("bad ack", "error", err)
			return
		}
		c.sched.HandleAck(ack)
		c.notify()
	case protocol.TypeError:
		var e protocol.Error
		if err := env.DecodePayload(&e); err != nil {
			c.logger.Warn("bad error frame", "error", err)
			return
		}
		c.logger.Warn("relay error", "code", e.Code, "message", e.Message, "target", e.Target, "file", e.FileName, "seq", e.Seq)
		if e.Code == protocol.CodeDestinationUnavailable && e.Target != "" {
			c.sched.HandleRouteError(e)
			c.notify()
		}
	case protocol.TypeReport:
		var rep protocol.Report
		if err := env.DecodePayload(&rep); err != nil {
			c.logger.Warn("bad report", "error", err)
			return
		}
		c.logReport(env.From, rep)
		c.sched.HandleReport(env.From, rep)
		c.notify()
	case protocol.TypeStatus:
		var st protocol.DestinationStatus
		if err := env.DecodePayload(&st); err != nil {
			c.logger.Warn("bad status", "error", err)
			return
		}
		c.setPresence([]protocol.DestinationStatus{st}, false)
	case protocol.TypePresenceSnapshot:
		var snap protocol.PresenceSnapshot
		if err := env.DecodePayload(&snap); err != nil {
			c.logger.Warn("bad presence snapshot", "error", err)
			return
		}
		c.setPresence(snap.Destinations, true)
	default:
		c.logger.Debug("ignoring frame", "type", env.Type, "from", env.From)
	}
}

func (c *Controller) logReport(from string, rep protocol.Report) {
	attrs := []any{"from", from, "file", rep.FileName, "kind", rep.Kind}
	switch rep.Kind {
	case protocol.ReportViolation, protocol.ReportOverflow:
		c.logger.Warn("destination reported a problem", append(attrs, "seq", rep.Seq, "expected", rep.Expected, "detail", rep.Detail)...)
	case protocol.ReportCompleted:
		c.logger.Info("destination completed", append(attrs, "bytes", rep.Bytes, "content_type", rep.ContentType)...)
	default:
		c.logger.Info("destination reported", attrs...)
	}
}

func (c *Controller) setPresence(list []protocol.DestinationStatus, full bool) {
	c.mu.Lock()
	if full {
		clear(c.presence)
	}
	for _, st := range list {
		if prev, ok := c.presence[st.Name]; !full && (!ok || prev != st.Online) {
			c.logger.Info("destination presence", "name", st.Name, "online", st.Online)
		}
		c.presence[st.Name] = st.Online
	}
	c.mu.Unlock()
	c.notify()
}

// notify wakes everyone blocked in waitFor.
func (c *Controller) notify() {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// waitFor blocks until cond holds, re-checking whenever inbound state changes.
func (c *Controller) waitFor(ctx context.Context, cond func() bool) error {
	for {
		c.mu.Lock()
		ch := c.changed
		c.mu.Unlock()
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Presence returns the last known presence of every destination, by name.
func (c *Controller) Presence() []protocol.DestinationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := lo.MapToSlice(c.presence, func(name string, online bool) protocol.DestinationStatus {
		return protocol.DestinationStatus{Name: name, Online: online}
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Online returns the names currently online.
func (c *Controller) Online() []string {
	return lo.FilterMap(c.Presence(), func(st protocol.DestinationStatus, _ int) (string, bool) {
		return st.Name, st.Online
	})
}

// WaitOnline blocks until every name is online.
func (c *Controller) WaitOnline(ctx context.Context, names ...string) error {
	return c.waitFor(ctx, func() bool {
		online := c.Online()
		return lo.Every(online, names)
	})
}

// WaitAnyOnline blocks until at least one destination is online.
func (c *Controller) WaitAnyOnline(ctx context.Context) error {
	return c.waitFor(ctx, func() bool { return len(c.Online()) > 0 })
}

// Upload starts sending the file at path to targets. With no targets it goes
// to every destination currently online. The file stays open until emission
// finishes.
func (c *Controller) Upload(ctx context.Context, path string, targets []string) (string, error) {
	if len(targets) == 0 {
		targets = c.Online()
		if len(targets) == 0 {
			return "", ErrNothingOnline
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return "", fmt.Errorf("upload %s: is a directory", path)
	}

	id, err := c.UploadFrom(ctx, filepath.Base(path), f, info.Size(), targets)
	if err != nil {
		f.Close()
		return "", err
	}
	go func() {
		_, _ = c.sched.Wait(context.Background())
		f.Close()
	}()
	return id, nil
}

// UploadFrom starts sending size bytes of src as fileName. src must stay
// readable until Wait returns.
func (c *Controller) UploadFrom(ctx context.Context, fileName string, src io.ReaderAt, size int64, targets []string) (string, error) {
	if len(targets) == 0 {
		targets = c.Online()
		if len(targets) == 0 {
			return "", ErrNothingOnline
		}
	}
	if offline := lo.Without(targets, c.Online()...); len(offline) > 0 {
		c.logger.Warn("uploading to destinations not known online", "targets", offline)
	}
	return c.sched.Start(ctx, fileName, src, size, targets)
}

// Pause, Resume and Cancel act on one destination of the running transfer.
func (c *Controller) Pause(target string) error  { return c.sched.Pause(target) }
func (c *Controller) Resume(target string) error { return c.sched.Resume(target) }
func (c *Controller) Cancel(target string) error { return c.sched.Cancel(target) }

// Abort cancels every destination still receiving.
func (c *Controller) Abort() error { return c.sched.Abort() }

// Transfer returns the current or most recent transfer.
func (c *Controller) Transfer() (scheduler.Snapshot, bool) { return c.sched.Snapshot() }

// Wait blocks until the running transfer has emitted its last frame.
func (c *Controller) Wait(ctx context.Context) (scheduler.Snapshot, error) {
	return c.sched.Wait(ctx)
}

// WaitSettled blocks until the transfer is done and every destination that
// got the whole file has reported back.
func (c *Controller) WaitSettled(ctx context.Context) (scheduler.Snapshot, error) {
	if _, err := c.sched.Wait(ctx); err != nil {
		return scheduler.Snapshot{}, err
	}
	var snap scheduler.Snapshot
	err := c.waitFor(ctx, func() bool {
		snap, _ = c.sched.Snapshot()
		return snap.Settled()
	})
	return snap, err
}

// SendText fans text out to targets, or to every online destination when
// targets is empty.
func (c *Controller) SendText(targets []string, text string) error {
	env := protocol.MustEnvelope(protocol.TypeTextMessage, protocol.TextMessage{Targets: targets, Text: text})
	return c.sess.Send(env)
}

// View is the progress table for the running transfer.
func (c *Controller) View() progress.View {
	snap, ok := c.sched.Snapshot()
	if !ok {
		return progress.View{Header: "no transfer"}
	}
	header := fmt.Sprintf("%s  %s  %d chunks", snap.FileName, progress.FormatBytes(snap.Size), snap.TotalChunks)
	if snap.Done {
		header += "  (sent)"
	}
	return progress.View{
		Header: header,
		Rows: lo.Map(snap.Dests, func(d scheduler.DestSnapshot, _ int) progress.Row {
			status := d.State.String()
			if d.Report != "" && d.Report != status {
				status += "/" + d.Report
			}
			if d.RouteErrors > 0 {
				status += fmt.Sprintf(" (%d undelivered)", d.RouteErrors)
			}
			return progress.Row{Name: d.Name, Status: status, Stats: d.Progress}
		}),
	}
}

// sessionSender addresses scheduler frames to one destination each.
type sessionSender struct {
	sess Session
}

func (s sessionSender) SendChunk(target string, chunk protocol.DataChunk) error {
	env := protocol.MustEnvelope(protocol.TypeDataChunk, chunk)
	env.To = target
	return s.sess.Send(env)
}

func (s sessionSender) SendControl(target, kind string, ctl protocol.Control) error {
	env := protocol.MustEnvelope(kind, ctl)
	env.To = target
	return s.sess.Send(env)
}
