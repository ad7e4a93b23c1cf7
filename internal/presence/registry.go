// Package presence tracks which named destinations are connected.
package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

var (
	// ErrUnknownDestination is returned for names that were never registered.
	ErrUnknownDestination = errors.New("unknown destination")
	// ErrAlreadyConnected is returned when a name already has a live connection.
	ErrAlreadyConnected = errors.New("destination already connected")
)

// DefaultSnapshotInterval is how often full snapshots go out.
const DefaultSnapshotInterval = 5 * time.Second

// Conn is a connection handle held by the registry.
type Conn interface {
	Send(env protocol.Envelope) error
	Close() error
}

type destination struct {
	name string
	conn Conn
}

// Registry maps destination names to their live connection.
// The first connection to attach a name keeps it until it detaches.
type Registry struct {
	// pubMu orders presence edges: a state change and its status frame happen
	// under it, so observers see edges in the order they were applied.
	// Always taken before mu.
	pubMu     sync.Mutex
	mu        sync.RWMutex
	dests     map[string]*destination
	order     []string
	observers map[string]Conn
	logger    *slog.Logger
}

// NewRegistry creates a registry with the given names registered and offline.
func NewRegistry(names []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		dests:     make(map[string]*destination),
		observers: make(map[string]Conn),
		logger:    logger,
	}
	for _, name := range names {
		r.Register(name)
	}
	return r
}

// Register adds an offline destination. Registering an existing name is a no-op.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dests[name]; ok {
		return
	}
	r.dests[name] = &destination{name: name}
	r.order = append(r.order, name)
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dests[name]
	return ok
}

// Attach binds conn to name. A second attach for a live name fails with
// ErrAlreadyConnected and leaves the existing connection in place; the
// caller owns closing conn.
func (r *Registry) Attach(name string, conn Conn) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Lock()
	d, ok := r.dests[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDestination, name)
	}
	if d.conn != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, name)
	}
	d.conn = conn
	r.mu.Unlock()

	r.logger.Info("destination connected", "name", name)
	r.publish(protocol.TypeStatus, protocol.DestinationStatus{Name: name, Online: true})
	return nil
}

// Detach marks name offline. Only the attached connection may be detached,
// so a rejected duplicate closing down cannot knock the owner offline.
func (r *Registry) Detach(name string, conn Conn) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Lock()
	d, ok := r.dests[name]
	if !ok || d.conn == nil || d.conn != conn {
		r.mu.Unlock()
		return
	}
	d.conn = nil
	r.mu.Unlock()

	r.logger.Info("destination disconnected", "name", name)
	r.publish(protocol.TypeStatus, protocol.DestinationStatus{Name: name, Online: false})
}

// Lookup returns the live connection for name.
func (r *Registry) Lookup(name string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dests[name]
	if !ok || d.conn == nil {
		return nil, false
	}
	return d.conn, true
}

// List returns every destination in registration order.
func (r *Registry) List() []protocol.DestinationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(name string, _ int) protocol.DestinationStatus {
		return protocol.DestinationStatus{Name: name, Online: r.dests[name].conn != nil}
	})
}

// Online returns the names of connected destinations.
func (r *Registry) Online() []string {
	return lo.FilterMap(r.List(), func(s protocol.DestinationStatus, _ int) (string, bool) {
		return s.Name, s.Online
	})
}

// Subscribe registers a controller-side observer and sends it a snapshot.
func (r *Registry) Subscribe(id string, conn Conn) (unsubscribe func()) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Lock()
	r.observers[id] = conn
	r.mu.Unlock()

	env := protocol.MustEnvelope(protocol.TypePresenceSnapshot, protocol.PresenceSnapshot{Destinations: r.List()})
	if err := conn.Send(env); err != nil {
		r.logger.Warn("initial snapshot send failed", "observer", id, "error", err)
	}
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// Observers sends env to every observer.
func (r *Registry) Observers(env protocol.Envelope) {
	r.mu.RLock()
	observers := lo.Entries(r.observers)
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o.Value.Send(env); err != nil {
			r.logger.Debug("observer send failed", "observer", o.Key, "error", err)
		}
	}
}

// BroadcastSnapshot sends the full presence list to every observer.
func (r *Registry) BroadcastSnapshot() {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.publish(protocol.TypePresenceSnapshot, protocol.PresenceSnapshot{Destinations: r.List()})
}

// Run broadcasts a snapshot every interval until ctx is done, so observers
// that missed a status edge converge.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.BroadcastSnapshot()
		}
	}
}

func (r *Registry) publish(msgType string, payload any) {
	r.Observers(protocol.MustEnvelope(msgType, payload))
}
