package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/sheerbytes/fanrelay/internal/bufpool"
	"github.com/sheerbytes/fanrelay/internal/progress"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// Config tunes a Scheduler.
type Config struct {
	ChunkSize   int
	PausePolicy PausePolicy
	Logger      *slog.Logger
}

type dest struct {
	name        string
	state       DestState
	sentChunks  uint64
	sentBytes   int64
	ackedChunks uint64
	meter       *progress.Meter
	report      string
	routeErrors int
}

type transfer struct {
	id        string
	fileName  string
	size      int64
	chunkSize int
	total     uint64
	next      uint64
	order     []string
	dests     map[string]*dest
	done      chan struct{}
	finished  bool
	wake      chan struct{}
	stop      context.CancelFunc
}

// Scheduler runs at most one transfer at a time.
type Scheduler struct {
	sender Sender
	cfg    Config
	logger *slog.Logger
	pool   *bufpool.Pool

	mu  sync.Mutex
	cur *transfer

	// sendMu orders every frame the scheduler emits, so a cancel is never
	// overtaken by a chunk for the same destination.
	sendMu sync.Mutex
}

// New creates a scheduler that emits through sender.
func New(sender Sender, cfg Config) *Scheduler {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scheduler{sender: sender, cfg: cfg, logger: logger}
	if cfg.ChunkSize > 0 {
		s.pool = bufpool.New(cfg.ChunkSize)
	}
	return s
}

// Start begins sending src (size bytes) as fileName to targets and returns
// the transfer ID. Emission runs in the background until every chunk has
// been offered, every target is cancelled, or ctx ends.
func (s *Scheduler) Start(ctx context.Context, fileName string, src io.ReaderAt, size int64, targets []string) (string, error) {
	if s.cfg.ChunkSize <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidChunkSize, s.cfg.ChunkSize)
	}
	targets = lo.Uniq(lo.Compact(targets))
	if len(targets) == 0 {
		return "", ErrNoDestinations
	}

	s.mu.Lock()
	if s.cur != nil && !s.cur.finished {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTransferInProgress, s.cur.fileName)
	}
	runCtx, stop := context.WithCancel(ctx)
	t := &transfer{
		id:        uuid.NewString(),
		fileName:  fileName,
		size:      size,
		chunkSize: s.cfg.ChunkSize,
		total:     chunkCount(size, s.cfg.ChunkSize),
		order:     targets,
		dests:     make(map[string]*dest, len(targets)),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		stop:      stop,
	}
	for _, name := range targets {
		t.dests[name] = &dest{name: name, state: Active, meter: progress.NewMeter(size, nil)}
	}
	s.cur = t
	s.mu.Unlock()

	s.logger.Info("transfer started", "transfer", t.id, "file", fileName, "size", size,
		"chunks", t.total, "chunk_size", t.chunkSize, "targets", targets, "pause_policy", s.cfg.PausePolicy)
	go s.emit(runCtx, t, src)
	return t.id, nil
}

func (s *Scheduler) emit(ctx context.Context, t *transfer, src io.ReaderAt) {
	defer t.stop()
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	for seq := uint64(0); seq < t.total; seq++ {
		off := int64(seq) * int64(t.chunkSize)
		n := int(min(int64(t.chunkSize), t.size-off))
		if n < 0 {
			n = 0
		}
		data := buf[:n]
		if n > 0 {
			if read, err := src.ReadAt(data, off); err != nil && !(errors.Is(err, io.EOF) && read == n) {
				s.logger.Error("read failed, abandoning transfer", "file", t.fileName, "seq", seq, "error", err)
				s.finish(t, "read error")
				return
			}
		}
		final := seq == t.total-1

		// Hold is checked after the read so a pause that lands while the
		// read is blocked still keeps this chunk back.
		if !s.waitHold(ctx, t) {
			s.finish(t, "stopped")
			return
		}

		live := s.emitChunk(t, protocol.DataChunk{
			TransferID: t.id,
			FileName:   t.fileName,
			Seq:        seq,
			Data:       data,
			IsFinal:    final,
			FileSize:   t.size,
		})

		s.mu.Lock()
		t.next = seq + 1
		s.mu.Unlock()

		if live == 0 {
			s.logger.Info("every destination cancelled, stopping early", "file", t.fileName, "seq", seq)
			s.finish(t, "all cancelled")
			return
		}
	}
	s.finish(t, "completed")
}

// emitChunk offers one chunk to every destination not cancelled at the
// moment of its send. It returns how many destinations are still live.
func (s *Scheduler) emitChunk(t *transfer, chunk protocol.DataChunk) int {
	for _, name := range t.order {
		s.sendMu.Lock()
		s.mu.Lock()
		d := t.dests[name]
		skip := d.state == Cancelled
		s.mu.Unlock()
		if skip {
			s.sendMu.Unlock()
			continue
		}
		err := s.sender.SendChunk(name, chunk)
		s.mu.Lock()
		d.sentChunks = chunk.Seq + 1
		d.sentBytes = int64(chunk.Seq)*int64(t.chunkSize) + int64(len(chunk.Data))
		s.mu.Unlock()
		s.sendMu.Unlock()

		if err != nil {
			s.logger.Warn("chunk not delivered", "target", name, "file", chunk.FileName, "seq", chunk.Seq, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.CountBy(lo.Values(t.dests), func(d *dest) bool { return d.state != Cancelled })
}

// waitHold blocks under PolicyHold while any live destination is paused.
// It returns false if ctx ended.
func (s *Scheduler) waitHold(ctx context.Context, t *transfer) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		if s.cfg.PausePolicy != PolicyHold || !s.anyPaused(t) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.wake:
		}
	}
}

func (s *Scheduler) anyPaused(t *transfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SomeBy(lo.Values(t.dests), func(d *dest) bool { return d.state == Paused })
}

// finish settles every destination. Destinations still paused will never
// get more data, so they are cancelled rather than left holding a partial file.
func (s *Scheduler) finish(t *transfer, reason string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	complete := reason == "completed"
	var stranded []string
	s.mu.Lock()
	for _, name := range t.order {
		d := t.dests[name]
		switch {
		case d.state == Paused || (!complete && !d.state.Terminal()):
			d.state = Cancelled
			stranded = append(stranded, name)
		case d.state == Active:
			d.state = Completed
		}
	}
	s.mu.Unlock()

	for _, name := range stranded {
		if err := s.sender.SendControl(name, protocol.TypeCancel, protocol.Control{TransferID: t.id, FileName: t.fileName}); err != nil {
			s.logger.Warn("cancel for stranded destination not delivered", "target", name, "error", err)
		}
	}

	s.mu.Lock()
	t.finished = true
	s.mu.Unlock()
	close(t.done)
	s.logger.Info("transfer finished", "transfer", t.id, "file", t.fileName, "reason", reason, "cancelled_at_end", stranded)
}

// Pause marks target paused and tells its receiver to buffer.
func (s *Scheduler) Pause(target string) error {
	return s.control(target, protocol.TypePause, func(d *dest) bool {
		if d.state != Active {
			return false
		}
		d.state = Paused
		return true
	})
}

// Resume marks target active again and releases a held cursor.
func (s *Scheduler) Resume(target string) error {
	return s.control(target, protocol.TypeResume, func(d *dest) bool {
		if d.state != Paused {
			return false
		}
		d.state = Active
		return true
	})
}

// Cancel stops addressing target for the rest of the transfer and tells its
// receiver to discard the partial file.
func (s *Scheduler) Cancel(target string) error {
	return s.control(target, protocol.TypeCancel, func(d *dest) bool {
		if d.state.Terminal() {
			return false
		}
		d.state = Cancelled
		return true
	})
}

func (s *Scheduler) control(target, kind string, apply func(*dest) bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	t := s.cur
	if t == nil || t.finished {
		s.mu.Unlock()
		return ErrNoTransfer
	}
	d, ok := t.dests[target]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDestination, target)
	}
	changed := apply(d)
	state := d.state
	s.mu.Unlock()

	if !changed {
		s.logger.Debug("control is a no-op in current state", "target", target, "kind", kind, "state", state)
		return nil
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	s.logger.Info("destination "+kind, "target", target, "file", t.fileName)
	if err := s.sender.SendControl(target, kind, protocol.Control{TransferID: t.id, FileName: t.fileName}); err != nil {
		return fmt.Errorf("%s %s: %w", kind, target, err)
	}
	return nil
}

// Abort discards the running transfer, cancelling every destination that has
// not finished.
func (s *Scheduler) Abort() error {
	s.mu.Lock()
	t := s.cur
	s.mu.Unlock()
	if t == nil {
		return ErrNoTransfer
	}
	t.stop()
	<-t.done
	return nil
}

// HandleAck records that the relay forwarded chunk ack.Seq to ack.Target.
func (s *Scheduler) HandleAck(ack protocol.Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cur
	if t == nil || !t.owns(ack.TransferID, ack.FileName) {
		return
	}
	d, ok := t.dests[ack.Target]
	if !ok || ack.Seq+1 <= d.ackedChunks {
		return
	}
	d.ackedChunks = ack.Seq + 1
	d.meter.Set(min(int64(d.ackedChunks)*int64(t.chunkSize), t.size))
}

// HandleRouteError records that the relay could not deliver one of this
// transfer's frames to e.Target.
func (s *Scheduler) HandleRouteError(e protocol.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cur
	if t == nil || !t.owns(e.TransferID, e.FileName) {
		return
	}
	if d, ok := t.dests[e.Target]; ok {
		d.routeErrors++
	}
}

// HandleReport records an outcome reported by a destination.
func (s *Scheduler) HandleReport(from string, rep protocol.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cur
	if t == nil || !t.owns(rep.TransferID, rep.FileName) {
		return
	}
	d, ok := t.dests[from]
	if !ok {
		return
	}
	d.report = rep.Kind
	if rep.Kind == protocol.ReportCancelled && !d.state.Terminal() {
		d.state = Cancelled
	}
}

// Snapshot returns the current or most recent transfer.
func (s *Scheduler) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cur
	if t == nil {
		return Snapshot{}, false
	}
	snap := Snapshot{
		TransferID:  t.id,
		FileName:    t.fileName,
		Size:        t.size,
		ChunkSize:   t.chunkSize,
		TotalChunks: t.total,
		NextSeq:     t.next,
		Done:        t.finished,
	}
	snap.Dests = lo.Map(t.order, func(name string, _ int) DestSnapshot {
		d := t.dests[name]
		return DestSnapshot{
			Name:        name,
			State:       d.state,
			SentChunks:  d.sentChunks,
			SentBytes:   d.sentBytes,
			AckedChunks: d.ackedChunks,
			Progress:    d.meter.Snapshot(),
			Report:      d.report,
			RouteErrors: d.routeErrors,
		}
	})
	return snap, true
}

// Wait blocks until the current transfer has finished emitting.
func (s *Scheduler) Wait(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	t := s.cur
	s.mu.Unlock()
	if t == nil {
		return Snapshot{}, ErrNoTransfer
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	snap, _ := s.Snapshot()
	return snap, nil
}

// owns reports whether a frame tagged with transferID and fileName belongs to
// t. Frames from peers that omit the transfer id fall back to the file name.
func (t *transfer) owns(transferID, fileName string) bool {
	if transferID != "" {
		return transferID == t.id
	}
	return fileName != "" && fileName == t.fileName
}
