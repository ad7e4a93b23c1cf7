// Package progress derives per-destination transfer progress from acks.
// Acks only say the relay forwarded a chunk, so these numbers describe the
// send side, not what a destination has written.
package progress

import (
	"sync"
	"time"
)

// smoothing is the weight of the newest rate sample.
const smoothing = 0.2

// Stats is a point-in-time view of one destination's progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter turns a monotonically growing acked byte count into rate and ETA.
type Meter struct {
	mu      sync.Mutex
	total   int64
	acked   int64
	started time.Time
	sampled time.Time
	rateBps float64
	clock   func() time.Time
}

// NewMeter starts a meter for total bytes. clock may be nil.
func NewMeter(total int64, clock func() time.Time) *Meter {
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Meter{total: total, started: now, sampled: now, clock: clock}
}

// Set records the absolute acked byte count. Counts that do not move
// forward are ignored, so late or duplicate acks cannot rewind progress.
func (m *Meter) Set(acked int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acked <= m.acked {
		return
	}
	now := m.clock()
	elapsed := now.Sub(m.sampled).Seconds()
	delta := acked - m.acked
	m.acked = acked
	if elapsed <= 0 {
		return
	}
	sample := float64(delta) / elapsed
	if m.rateBps == 0 {
		m.rateBps = sample
	} else {
		m.rateBps = smoothing*sample + (1-smoothing)*m.rateBps
	}
	m.sampled = now
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{BytesDone: m.acked, Total: m.total, RateBps: m.rateBps, StartedAt: m.started}
	if m.total > 0 {
		st.Percent = float64(m.acked) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.acked {
		st.ETA = time.Duration(float64(m.total-m.acked) / m.rateBps * float64(time.Second))
	}
	return st
}
