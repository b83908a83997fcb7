package diskio

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/multiless"
	"github.com/anacrolix/sync"
	"github.com/tidwall/btree"

	"github.com/anacrolix/diskio/storage"
)

const (
	// Another worker is started when more than this many requests are waiting.
	spawnQueueDepth          = 32
	defaultWorkerIdleTimeout = 30 * time.Second
	// How often the aggregation index is checked for files that have gone away.
	tidyInterval = 30 * time.Second
)

// Requests with priority >= 0 go first, highest first. Everything else is FIFO.
func requestLess(a, b *Request) bool {
	return multiless.New().Int(
		max(b.priority, -1), max(a.priority, -1),
	).Int64(
		int64(a.seq), int64(b.seq),
	).Less()
}

// One queue and the workers that serve it.
type lane struct {
	s     *scheduler
	index int

	mu    sync.Mutex
	queue *btree.BTreeG[*Request]
	// Queued aggregatable requests by file and offset.
	byFile   map[storage.File]map[int64]*Request
	lastTidy time.Time
	nextSeq  uint64
	workers  int
	closed   bool
	queued   chansync.BroadcastCond
}

func newLane(s *scheduler, index int) *lane {
	return &lane{
		s:     s,
		index: index,
		queue: btree.NewBTreeG(requestLess),
	}
}

func (l *lane) queueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Returns false if the lane is closed.
func (l *lane) enqueue(r *Request) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	r.seq = l.nextSeq
	l.nextSeq++
	l.queue.Set(r)
	if l.s.cfg.Aggregation {
		l.indexLocked(r)
		l.maybeTidyLocked(time.Now())
	}
	l.s.counters.queuedRequests.Add(1)
	l.s.counters.queuedBytes.Add(r.size)
	l.queued.Broadcast()
	l.maybeSpawnWorkerLocked()
	return true
}

func (l *lane) maybeSpawnWorkerLocked() {
	if l.workers >= l.s.cfg.WorkersPerLane {
		return
	}
	if l.workers != 0 && l.queue.Len() <= spawnQueueDepth {
		return
	}
	l.workers++
	diskio.Add("lane workers started", 1)
	go l.worker()
}

func (l *lane) indexLocked(r *Request) {
	if r.priority >= 0 {
		return
	}
	g.MakeMapIfNil(&l.byFile)
	m := l.byFile[r.file]
	if m == nil {
		m = make(map[int64]*Request)
		l.byFile[r.file] = m
	}
	m[r.offset] = r
}

func (l *lane) unindexLocked(r *Request) {
	m := l.byFile[r.file]
	if m[r.offset] == r {
		delete(m, r.offset)
	}
}

// Drops the per-file maps of files that have been closed and have nothing queued.
func (l *lane) maybeTidyLocked(now time.Time) {
	if now.Sub(l.lastTidy) < tidyInterval && !now.Before(l.lastTidy) {
		return
	}
	l.lastTidy = now
	for f, m := range l.byFile {
		if len(m) == 0 && !f.IsOpen() {
			delete(l.byFile, f)
		}
	}
}

// Removes the next request to perform, and any queued requests that can be performed with it.
func (l *lane) takeLocked() (batch []*Request) {
	r, ok := l.queue.PopMin()
	if !ok {
		return nil
	}
	l.unindexLocked(r)
	batch = append(batch, r)
	cfg := &l.s.cfg
	if cfg.Aggregation && r.priority < 0 && !r.Cancelled() {
		bytes := r.size
		cur := r
		for len(batch) < cfg.AggregationRequestLimit && bytes < cfg.AggregationByteLimit {
			next := l.byFile[r.file][cur.end()]
			if next == nil || !cur.canAggregateWith(next) {
				break
			}
			l.queue.Delete(next)
			l.unindexLocked(next)
			batch = append(batch, next)
			bytes += next.size
			cur = next
		}
	}
	for _, r := range batch {
		l.s.counters.queuedRequests.Add(-1)
		l.s.counters.queuedBytes.Add(-r.size)
	}
	return
}

func (l *lane) worker() {
	ctx := withLane(context.Background(), l)
	idleTimeout := l.s.cfg.WorkerIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultWorkerIdleTimeout
	}
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	for {
		l.mu.Lock()
		batch := l.takeLocked()
		if len(batch) != 0 {
			l.mu.Unlock()
			l.s.execute(ctx, batch)
			idle.Reset(idleTimeout)
			continue
		}
		if l.closed {
			l.workers--
			l.mu.Unlock()
			return
		}
		queued := l.queued.Signaled()
		l.mu.Unlock()
		select {
		case <-queued:
		case <-l.s.closeCtx.Done():
		case <-idle.C:
			l.mu.Lock()
			if l.queue.Len() == 0 {
				l.workers--
				l.mu.Unlock()
				diskio.Add("lane workers retired", 1)
				return
			}
			l.mu.Unlock()
		}
		idle.Reset(idleTimeout)
	}
}

// Stops accepting requests and returns those that were queued.
func (l *lane) close() (dropped []*Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for {
		r, ok := l.queue.PopMin()
		if !ok {
			break
		}
		l.s.counters.queuedRequests.Add(-1)
		l.s.counters.queuedBytes.Add(-r.size)
		dropped = append(dropped, r)
	}
	l.byFile = nil
	l.queued.Broadcast()
	return
}
