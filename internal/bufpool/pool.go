// Package bufpool recycles the fixed-size read buffers the scheduler slices
// chunks out of.
package bufpool

import (
	"sync"
)

// Pool hands out buffers of exactly one size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers. bufSize must be positive.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of len BufSize. Contents are not zeroed.
func (p *Pool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.bufSize]
}

// Put recycles buf. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
