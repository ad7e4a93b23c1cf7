// Package scheduler drives one file out to many destinations on a single
// global cursor: every destination still in the transfer gets chunk N before
// any gets chunk N+1.
package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sheerbytes/fanrelay/internal/progress"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

var (
	ErrTransferInProgress = errors.New("transfer already in progress")
	ErrNoTransfer         = errors.New("no transfer in progress")
	ErrUnknownDestination = errors.New("destination is not part of the transfer")
	ErrInvalidChunkSize   = errors.New("chunk size must be positive")
	ErrNoDestinations     = errors.New("no destinations selected")
)

// DefaultChunkSize is the slice size used when Config.ChunkSize is zero.
const DefaultChunkSize = 64 * 1024

// Sender puts frames on the wire. SendChunk must not keep chunk.Data after it
// returns; the buffer is reused for the next chunk.
type Sender interface {
	SendChunk(target string, chunk protocol.DataChunk) error
	SendControl(target, kind string, ctl protocol.Control) error
}

// DestState is the controller's view of one destination. It is advisory:
// the receiver is the authority on what was written.
type DestState int

const (
	Idle DestState = iota
	Active
	Paused
	Cancelled
	Completed
)

func (s DestState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no more frames will be sent for this destination.
func (s DestState) Terminal() bool {
	return s == Cancelled || s == Completed
}

// PausePolicy decides what pausing a destination does to the cursor.
type PausePolicy int

const (
	// PolicyBuffer keeps emitting to paused destinations; their receivers buffer.
	PolicyBuffer PausePolicy = iota
	// PolicyHold stops the cursor while any live destination is paused.
	PolicyHold
)

func (p PausePolicy) String() string {
	if p == PolicyHold {
		return "hold"
	}
	return "buffer"
}

// ParsePausePolicy accepts "buffer" or "hold".
func ParsePausePolicy(s string) (PausePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "buffer":
		return PolicyBuffer, nil
	case "hold":
		return PolicyHold, nil
	}
	return PolicyBuffer, fmt.Errorf("unknown pause policy %q", s)
}

// DestSnapshot is a point-in-time view of one destination.
type DestSnapshot struct {
	Name        string
	State       DestState
	SentChunks  uint64
	SentBytes   int64
	AckedChunks uint64
	Progress    progress.Stats
	// Report is the last outcome the destination itself reported, if any.
	Report      string
	RouteErrors int
}

// Snapshot is a point-in-time view of a transfer.
type Snapshot struct {
	TransferID  string
	FileName    string
	Size        int64
	ChunkSize   int
	TotalChunks uint64
	NextSeq     uint64
	Done        bool
	Dests       []DestSnapshot
}

// Dest returns the named destination's snapshot.
func (s Snapshot) Dest(name string) (DestSnapshot, bool) {
	for _, d := range s.Dests {
		if d.Name == name {
			return d, true
		}
	}
	return DestSnapshot{}, false
}

// Settled reports whether the transfer is done and every destination that
// was handed the whole file without a routing failure has reported back.
func (s Snapshot) Settled() bool {
	if !s.Done {
		return false
	}
	for _, d := range s.Dests {
		if d.State == Completed && d.Report == "" && d.RouteErrors == 0 {
			return false
		}
	}
	return true
}

// chunkCount is the number of chunks for size bytes. An empty file is one
// empty final chunk.
func chunkCount(size int64, chunkSize int) uint64 {
	if size <= 0 {
		return 1
	}
	return uint64((size + int64(chunkSize) - 1) / int64(chunkSize))
}
