package diskio

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Buffers for queued writes, keyed by size. Buffers handed to QueueWrite with freeBuffer set are
// returned here once written. An optional limit bounds the bytes handed out and not yet returned.
type BufferPool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool

	limit     *semaphore.Weighted
	limitSize int64
	// Buffers handed out, by their first byte.
	outstandingMu sync.Mutex
	outstanding   map[*byte]int
}

func NewBufferPool(limit int64) *BufferPool {
	ret := &BufferPool{
		pools:       make(map[int]*sync.Pool),
		outstanding: make(map[*byte]int),
	}
	if limit > 0 {
		ret.limit = semaphore.NewWeighted(limit)
		ret.limitSize = limit
	}
	return ret
}

func (p *BufferPool) pool(size int) *sync.Pool {
	p.mu.RLock()
	pool, ok := p.pools[size]
	p.mu.RUnlock()
	if ok {
		return pool
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok = p.pools[size]
	if !ok {
		pool = &sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		}
		p.pools[size] = pool
	}
	return pool
}

// The part of the limit a buffer of size holds. A buffer larger than the limit holds all of it.
func (p *BufferPool) weight(size int) int64 {
	return min(int64(size), p.limitSize)
}

// Returns a buffer of len size, waiting for the limit if there is one. The contents are
// unspecified.
func (p *BufferPool) Get(ctx context.Context, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if p.limit != nil {
		if err := p.limit.Acquire(ctx, p.weight(size)); err != nil {
			return nil, err
		}
	}
	b := *p.pool(size).Get().(*[]byte)
	p.outstandingMu.Lock()
	p.outstanding[&b[0]] = size
	p.outstandingMu.Unlock()
	return b, nil
}

// Returns b to the pool. Reports false if b didn't come from Get, or was already returned.
func (p *BufferPool) Put(b []byte) bool {
	if cap(b) == 0 {
		return false
	}
	b = b[:cap(b)]
	p.outstandingMu.Lock()
	size, ok := p.outstanding[&b[0]]
	delete(p.outstanding, &b[0])
	p.outstandingMu.Unlock()
	if !ok {
		return false
	}
	b = b[:size]
	p.pool(size).Put(&b)
	if p.limit != nil {
		p.limit.Release(p.weight(size))
	}
	return true
}

// Number of buffers handed out and not yet returned.
func (p *BufferPool) Outstanding() int {
	p.outstandingMu.Lock()
	defer p.outstandingMu.Unlock()
	return len(p.outstanding)
}
