// Package relay routes frames between the controller and named destinations.
// It holds no file data: chunks are forwarded as received and acknowledged
// to the issuing controller as soon as they are handed to the destination's
// connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"github.com/sheerbytes/fanrelay/internal/presence"
	"github.com/sheerbytes/fanrelay/internal/transport"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
	"golang.org/x/time/rate"
)

var (
	// ErrDestinationUnavailable is returned when the target has no live connection.
	ErrDestinationUnavailable = errors.New("destination unavailable")
	// ErrUnknownIdentity is returned when a connection names neither a destination nor the controller.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrIdentifyRequired is returned when the first frame is not an identify.
	ErrIdentifyRequired = errors.New("identify required")
)

// ServerName is the From value of frames the relay originates.
const ServerName = "relay"

const (
	DefaultControllerName  = "master"
	DefaultIdentifyTimeout = 10 * time.Second
)

// Options configures a Relay.
type Options struct {
	ControllerName   string
	IdentifyTimeout  time.Duration
	SnapshotInterval time.Duration
	// MsgsPerSec limits inbound frames per connection. Zero means unlimited.
	MsgsPerSec float64
	MsgsBurst  int
	WS         transport.WSOptions
	Logger     *slog.Logger
}

// Relay is the mediating process every destination and controller connects to.
type Relay struct {
	reg    *presence.Registry
	opts   Options
	logger *slog.Logger
}

// New creates a relay that routes through reg.
func New(reg *presence.Registry, opts Options) *Relay {
	if opts.ControllerName == "" {
		opts.ControllerName = DefaultControllerName
	}
	if opts.IdentifyTimeout <= 0 {
		opts.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = presence.DefaultSnapshotInterval
	}
	if opts.MsgsBurst <= 0 {
		opts.MsgsBurst = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{reg: reg, opts: opts, logger: logger}
}

// Registry returns the presence registry the relay routes through.
func (r *Relay) Registry() *presence.Registry {
	return r.reg
}

// Run broadcasts periodic presence snapshots until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	r.reg.Run(ctx, r.opts.SnapshotInterval)
}

// RouteData forwards a data_chunk envelope to target unchanged apart from
// routing fields, and returns the ack owed to the controller. The ack only
// means the relay handed the chunk to the target's connection.
func (r *Relay) RouteData(target string, env protocol.Envelope) (protocol.Ack, error) {
	var hdr chunkHeader
	if err := env.DecodePayload(&hdr); err != nil {
		return protocol.Ack{}, err
	}
	conn, ok := r.reg.Lookup(target)
	if !ok {
		return protocol.Ack{}, fmt.Errorf("%w: %s", ErrDestinationUnavailable, target)
	}
	if err := conn.Send(forwarded(env, r.opts.ControllerName)); err != nil {
		return protocol.Ack{}, fmt.Errorf("%w: %s: %v", ErrDestinationUnavailable, target, err)
	}
	r.logger.Debug("chunk forwarded", "target", target, "file", hdr.FileName, "seq", hdr.Seq, "final", hdr.IsFinal)
	return protocol.Ack{TransferID: hdr.TransferID, FileName: hdr.FileName, Seq: hdr.Seq, Target: target}, nil
}

// RouteControl forwards a pause, resume or cancel envelope to target.
func (r *Relay) RouteControl(target string, env protocol.Envelope) error {
	if !protocol.IsControl(env.Type) {
		return fmt.Errorf("not a control frame: %s", env.Type)
	}
	conn, ok := r.reg.Lookup(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDestinationUnavailable, target)
	}
	if err := conn.Send(forwarded(env, r.opts.ControllerName)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDestinationUnavailable, target, err)
	}
	r.logger.Debug("control forwarded", "target", target, "kind", env.Type)
	return nil
}

// Broadcast fans a non-file message out to targets, skipping offline ones.
// An empty target list means every online destination. It returns the names
// the message was handed to.
func (r *Relay) Broadcast(env protocol.Envelope, targets []string) []string {
	if len(targets) == 0 {
		targets = r.reg.Online()
	}
	fwd := forwarded(env, r.opts.ControllerName)
	return lo.Filter(lo.Uniq(targets), func(name string, _ int) bool {
		conn, ok := r.reg.Lookup(name)
		if !ok {
			return false
		}
		return conn.Send(fwd) == nil
	})
}

type chunkHeader struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	Seq        uint64 `json:"seq"`
	IsFinal    bool   `json:"is_final"`
}

func forwarded(env protocol.Envelope, from string) protocol.Envelope {
	env.To = ""
	env.From = from
	return env
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}
