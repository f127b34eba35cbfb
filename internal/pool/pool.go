// Package pool bounds the number of concurrently open inference-service
// connections. Acquire never queues: a stalled upstream must not hold a
// live carrier call waiting, so callers get ErrCapacity immediately and
// the admission layer surfaces a rejection.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrCapacity = errors.New("pool: no inference connection slots available")

// Pool is a fixed-size, non-blocking slot pool.
type Pool struct {
	slots chan struct{}
	inUse atomic.Int64
}

func New(maxConnections int) *Pool {
	if maxConnections <= 0 {
		maxConnections = 1
	}
	p := &Pool{slots: make(chan struct{}, maxConnections)}
	for i := 0; i < maxConnections; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Lease is a token for one slot. It is owned exclusively by the bridge that
// acquired it; Release returns the slot at most once regardless of how many
// times it is called, so a teardown race cannot inflate capacity.
type Lease struct {
	pool *Pool
	once sync.Once
}

// Acquire takes a slot or fails immediately with ErrCapacity.
func (p *Pool) Acquire() (*Lease, error) {
	select {
	case <-p.slots:
		p.inUse.Add(1)
		return &Lease{pool: p}, nil
	default:
		return nil, ErrCapacity
	}
}

// Release returns the lease's slot. Calling it more than once is a caller
// bug (teardown must run exactly once); extra calls are ignored.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.pool.inUse.Add(-1)
		l.pool.slots <- struct{}{}
	})
}

// InUse returns the number of outstanding leases.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Cap returns the configured slot count.
func (p *Pool) Cap() int {
	return cap(p.slots)
}
