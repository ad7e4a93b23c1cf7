// Package receiver reassembles chunked files on a destination.
//
// A Receiver consumes data and control frames for one destination. Chunks are
// written in sequence order to a partial artifact; anything out of order is
// dropped and leaves the receiver stuck on that file until a new file starts
// or the file is cancelled. No retransmission is ever requested.
//
//	Idle -> Active -> {Paused <-> Active} -> {Completed | Cancelled}
package receiver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sheerbytes/fanrelay/internal/storage"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

var (
	// ErrProtocolViolation marks a chunk whose sequence number is not the expected one.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPendingOverflow marks a chunk dropped because the paused buffer is full.
	ErrPendingOverflow = errors.New("pending buffer overflow")
	// ErrClosed is returned once the receiver has been closed.
	ErrClosed = errors.New("receiver closed")
)

// DefaultMaxPending caps the number of chunks buffered while paused.
const DefaultMaxPending = 256

// finishedMemory is how many completed or cancelled files are remembered so
// their stragglers are ignored instead of reopening the file.
const finishedMemory = 64

// State is the receiver's position in its state machine.
type State uint8

const (
	Idle State = iota
	Active
	Paused
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Chunk is one data frame as seen by the destination.
type Chunk struct {
	TransferID string
	FileName   string
	Seq        uint64
	Data       []byte
	Final      bool
}

func (c Chunk) key() string {
	return fileKey(c.TransferID, c.FileName)
}

func fileKey(transferID, fileName string) string {
	if transferID == "" {
		return fileName
	}
	return transferID + "/" + fileName
}

// ViolationError describes an out-of-order or duplicate chunk.
type ViolationError struct {
	FileName string
	Expected uint64
	Got      uint64
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation on %s: expected seq %d, got %d", e.FileName, e.Expected, e.Got)
}

func (e *ViolationError) Unwrap() error { return ErrProtocolViolation }

// Config configures a Receiver.
type Config struct {
	Store storage.Store
	// MaxPending caps the paused buffer. Zero means DefaultMaxPending, negative means unbounded.
	MaxPending int
	Logger     *slog.Logger
	// OnReport is called, without the receiver lock held, for every outcome worth
	// telling the controller about.
	OnReport func(protocol.Report)
}

// Status is a point-in-time view of the receiver.
type Status struct {
	State    State
	FileName string
	Expected uint64
	Written  int64
	Pending  int
	// Stuck holds the first violation or overflow since the current file was opened.
	Stuck error
}

type artifact struct {
	key         string
	transferID  string
	name        string
	out         storage.Artifact
	expected    uint64
	written     int64
	contentType string
}

// Receiver is the destination-side reassembly state machine.
type Receiver struct {
	mu         sync.Mutex
	store      storage.Store
	logger     *slog.Logger
	maxPending int
	onReport   func(protocol.Report)

	state        State
	cur          *artifact
	finished     map[string]State
	finishedKeys []string // oldest first
	pending      []Chunk
	stuck        error
	closed       bool
	reports      []protocol.Report
}

// New creates a receiver in the Idle state.
func New(cfg Config) *Receiver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxPending := cfg.MaxPending
	if maxPending == 0 {
		maxPending = DefaultMaxPending
	}
	return &Receiver{
		store:      cfg.Store,
		logger:     logger,
		maxPending: maxPending,
		onReport:   cfg.OnReport,
		finished:   make(map[string]State),
	}
}

// HandleChunk feeds one data frame into the state machine.
// Violations and overflows are returned but never abort the transfer.
func (r *Receiver) HandleChunk(c Chunk) error {
	r.mu.Lock()
	err := r.chunkLocked(c)
	reports := r.takeReports()
	r.mu.Unlock()
	r.emit(reports)
	return err
}

// Pause stops writing; chunks are buffered until Resume. With no file open
// the pause carries over to whichever file arrives next.
func (r *Receiver) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.state == Paused:
		r.logger.Debug("pause ignored", "state", r.state)
	case r.state == Active, r.cur == nil:
		r.state = Paused
		r.logger.Info("transfer paused", "file", r.currentName())
	default:
		r.logger.Debug("pause ignored", "state", r.state)
	}
}

// Resume drains the paused buffer in arrival order and goes back to Active.
func (r *Receiver) Resume() error {
	r.mu.Lock()
	if r.state != Paused {
		r.mu.Unlock()
		return nil
	}
	if r.cur != nil {
		r.state = Active
	} else {
		r.state = Idle
	}
	pending := r.pending
	r.pending = nil
	r.logger.Info("transfer resumed", "file", r.currentName(), "pending", len(pending))

	var errs []error
	for _, c := range pending {
		if err := r.chunkLocked(c); err != nil {
			errs = append(errs, err)
		}
	}
	reports := r.takeReports()
	r.mu.Unlock()
	r.emit(reports)
	return errors.Join(errs...)
}

// Cancel abandons a file: buffered chunks are dropped, an open artifact is
// closed and deleted, and later chunks for the file are ignored.
func (r *Receiver) Cancel(transferID, fileName string) error {
	r.mu.Lock()
	err := r.cancelLocked(transferID, fileName)
	reports := r.takeReports()
	r.mu.Unlock()
	r.emit(reports)
	return err
}

// Status returns a snapshot of the receiver.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{State: r.state, Pending: len(r.pending), Stuck: r.stuck}
	if r.cur != nil {
		st.FileName = r.cur.name
		st.Expected = r.cur.expected
		st.Written = r.cur.written
	}
	return st
}

// Close finalizes any open artifact without deleting it.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.pending = nil
	return r.closeCurrent()
}

func (r *Receiver) chunkLocked(c Chunk) error {
	if r.closed {
		return ErrClosed
	}
	if st, ok := r.finished[c.key()]; ok {
		r.logger.Debug("chunk for finished file ignored", "file", c.FileName, "seq", c.Seq, "outcome", st)
		return nil
	}
	if r.state == Paused {
		if r.maxPending > 0 && len(r.pending) >= r.maxPending {
			err := fmt.Errorf("%w: %s seq %d dropped (limit %d)", ErrPendingOverflow, c.FileName, c.Seq, r.maxPending)
			r.logger.Warn("paused buffer full, chunk dropped", "file", c.FileName, "seq", c.Seq, "limit", r.maxPending)
			r.markStuck(err, protocol.Report{TransferID: c.TransferID, FileName: c.FileName, Kind: protocol.ReportOverflow, Seq: c.Seq, Detail: err.Error()})
			return err
		}
		r.pending = append(r.pending, c)
		r.logger.Debug("chunk buffered while paused", "file", c.FileName, "seq", c.Seq, "pending", len(r.pending))
		return nil
	}
	return r.writeLocked(c)
}

func (r *Receiver) writeLocked(c Chunk) error {
	if r.cur == nil || r.cur.key != c.key() {
		if err := r.switchFile(c); err != nil {
			return err
		}
	}
	cur := r.cur

	if c.Seq != cur.expected {
		v := &ViolationError{FileName: c.FileName, Expected: cur.expected, Got: c.Seq}
		r.logger.Warn("out-of-order chunk dropped", "file", c.FileName, "expected", cur.expected, "got", c.Seq)
		r.markStuck(v, protocol.Report{TransferID: c.TransferID, FileName: c.FileName, Kind: protocol.ReportViolation, Seq: c.Seq, Expected: cur.expected, Detail: v.Error()})
		return v
	}

	if cur.written == 0 && len(c.Data) > 0 {
		cur.contentType = mimetype.Detect(c.Data).String()
	}
	if _, err := cur.out.Write(c.Data); err != nil {
		return fmt.Errorf("write %s seq %d: %w", c.FileName, c.Seq, err)
	}
	cur.expected++
	cur.written += int64(len(c.Data))

	if c.Final {
		return r.completeCurrent()
	}
	return nil
}

// switchFile closes whatever is open (keeping it on disk) and opens c's file.
func (r *Receiver) switchFile(c Chunk) error {
	if r.cur != nil {
		r.logger.Info("new file started, closing previous artifact", "previous", r.cur.name, "file", c.FileName)
		if err := r.closeCurrent(); err != nil {
			r.logger.Warn("closing previous artifact failed", "error", err)
		}
	}
	out, err := r.store.Create(c.FileName)
	if err != nil {
		return fmt.Errorf("open artifact for %s: %w", c.FileName, err)
	}
	r.cur = &artifact{key: c.key(), transferID: c.TransferID, name: c.FileName, out: out}
	r.state = Active
	r.stuck = nil
	r.logger.Info("receiving file", "file", c.FileName, "path", out.Path())
	return nil
}

func (r *Receiver) completeCurrent() error {
	cur := r.cur
	r.cur = nil
	r.markFinished(cur.key, Completed)
	r.state = Completed
	if err := cur.out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", cur.name, err)
	}
	r.logger.Info("file assembled", "file", cur.name, "bytes", cur.written, "chunks", cur.expected, "content_type", cur.contentType)
	r.reports = append(r.reports, protocol.Report{
		TransferID:  cur.transferID,
		FileName:    cur.name,
		Kind:        protocol.ReportCompleted,
		Seq:         cur.expected - 1,
		Bytes:       cur.written,
		ContentType: cur.contentType,
	})
	return nil
}

func (r *Receiver) cancelLocked(transferID, fileName string) error {
	key := fileKey(transferID, fileName)

	kept := r.pending[:0]
	for _, c := range r.pending {
		if c.key() != key && !(transferID == "" && c.FileName == fileName) {
			kept = append(kept, c)
		}
	}
	dropped := len(r.pending) - len(kept)
	r.pending = kept

	var removeErr error
	tid := transferID
	open := r.cur != nil && (r.cur.key == key || (transferID == "" && r.cur.name == fileName))
	if open {
		key, tid = r.cur.key, r.cur.transferID
		written := r.cur.written
		if err := r.closeCurrent(); err != nil {
			r.logger.Warn("closing cancelled artifact failed", "file", fileName, "error", err)
		}
		if err := r.store.Remove(fileName); err != nil {
			removeErr = fmt.Errorf("delete partial %s: %w", fileName, err)
			r.logger.Error("deleting partial artifact failed", "file", fileName, "error", err)
		} else {
			r.logger.Info("partial artifact deleted", "file", fileName, "bytes", written)
		}
	}
	r.markFinished(key, Cancelled)
	r.logger.Info("transfer cancelled", "file", fileName, "was_open", open, "dropped_pending", dropped)
	r.reports = append(r.reports, protocol.Report{TransferID: tid, FileName: fileName, Kind: protocol.ReportCancelled})
	if r.cur != nil {
		return removeErr
	}

	r.state = Cancelled
	r.stuck = nil
	// Chunks of other files buffered behind the cancelled one are no longer paused.
	leftover := r.pending
	r.pending = nil
	errs := []error{removeErr}
	for _, c := range leftover {
		errs = append(errs, r.chunkLocked(c))
	}
	return errors.Join(errs...)
}

func (r *Receiver) markFinished(key string, st State) {
	if _, ok := r.finished[key]; !ok {
		r.finishedKeys = append(r.finishedKeys, key)
	}
	r.finished[key] = st
	if len(r.finishedKeys) > finishedMemory {
		delete(r.finished, r.finishedKeys[0])
		r.finishedKeys = r.finishedKeys[1:]
	}
}

func (r *Receiver) closeCurrent() error {
	if r.cur == nil {
		return nil
	}
	out := r.cur.out
	r.cur = nil
	return out.Close()
}

// markStuck records the first failure for the current file and queues its report.
func (r *Receiver) markStuck(err error, report protocol.Report) {
	if r.stuck != nil {
		return
	}
	r.stuck = err
	r.reports = append(r.reports, report)
}

func (r *Receiver) currentName() string {
	if r.cur == nil {
		return ""
	}
	return r.cur.name
}

func (r *Receiver) takeReports() []protocol.Report {
	reports := r.reports
	r.reports = nil
	return reports
}

func (r *Receiver) emit(reports []protocol.Report) {
	if r.onReport == nil {
		return
	}
	for _, rep := range reports {
		r.onReport(rep)
	}
}
