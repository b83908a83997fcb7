package diskio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"
	"github.com/elliotchance/orderedmap"
	"golang.org/x/time/rate"

	"github.com/anacrolix/diskio/groupsem"
	"github.com/anacrolix/diskio/storage"
	"github.com/anacrolix/torrent/metainfo"
)

// Lane assignments unused for this long are forgotten.
const laneAssignmentTimeout = time.Minute

type laneAssignment struct {
	lane     *lane
	lastUsed time.Time
}

// Spreads the requests of one direction over lanes, and bounds the bytes queued.
type scheduler struct {
	name     string
	cfg      DirectionConfig
	logger   log.Logger
	sem      *groupsem.Semaphore
	lanes    []*lane
	buffers  *BufferPool
	counters directionCounters

	closeCtx    context.Context
	closeCancel context.CancelCauseFunc

	mu sync.Mutex
	// metainfo.Hash to *laneAssignment, least recently used first.
	assignments *orderedmap.OrderedMap

	logQueued rate.Sometimes
}

func newScheduler(name string, cfg DirectionConfig, buffers *BufferPool, logger log.Logger) *scheduler {
	s := &scheduler{
		name:        name,
		cfg:         cfg,
		logger:      logger.WithNames(name),
		sem:         groupsem.New(max(cfg.MaxQueuedMiB, 0) * 1024),
		buffers:     buffers,
		assignments: orderedmap.NewOrderedMap(),
		logQueued:   rate.Sometimes{Interval: time.Second},
	}
	s.closeCtx, s.closeCancel = context.WithCancelCause(context.Background())
	for i := range max(cfg.Lanes, 1) {
		s.lanes = append(s.lanes, newLane(s, i))
	}
	return s
}

func (s *scheduler) queue(ctx context.Context, r *Request) {
	s.callListener(r, func() { r.listener.RequestQueued(r) })
	if s.closeCtx.Err() != nil {
		s.finish(ctx, r, ErrClosed, 0)
		return
	}
	if InLaneWorker(ctx) {
		s.counters.totalRequests.Add(1)
		s.counters.totalBytes.Add(r.size)
		s.counters.addSingle(r.size)
		s.run(ctx, r)
		return
	}
	if err := s.reserve(ctx, r); err != nil {
		s.finish(ctx, r, err, 0)
		return
	}
	s.counters.totalRequests.Add(1)
	s.counters.totalBytes.Add(r.size)
	if !s.laneFor(r.file.InfoHash()).enqueue(r) {
		s.release(r)
		s.finish(ctx, r, ErrClosed, 0)
		return
	}
	s.logQueued.Do(func() {
		s.logger.Levelf(log.Debug, "%v requests queued (%v)",
			s.counters.queuedRequests.Load(),
			humanize.IBytes(uint64(max(s.counters.queuedBytes.Load(), 0))))
	})
}

// Waits for queue space for r. Space is counted in KiB.
func (s *scheduler) reserve(ctx context.Context, r *Request) error {
	units := intCeilDiv(r.size, 1024)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.closeCtx, func() { cancel(ErrClosed) })
	defer stop()
	if err := s.sem.ReserveContext(ctx, units); err != nil {
		return err
	}
	r.units = units
	return nil
}

func (s *scheduler) release(r *Request) {
	if r.units != 0 {
		s.sem.Release(r.units)
		r.units = 0
	}
}

func (s *scheduler) laneFor(ih metainfo.Hash) *lane {
	if len(s.lanes) == 1 {
		return s.lanes[0]
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeAssignmentsLocked(now)
	if v, ok := s.assignments.Get(ih); ok {
		a := v.(*laneAssignment)
		a.lastUsed = now
		s.assignments.Delete(ih)
		s.assignments.Set(ih, a)
		return a.lane
	}
	l := s.leastLoadedLane()
	s.assignments.Set(ih, &laneAssignment{lane: l, lastUsed: now})
	return l
}

func (s *scheduler) purgeAssignmentsLocked(now time.Time) {
	for e := s.assignments.Front(); e != nil; {
		a := e.Value.(*laneAssignment)
		if now.Sub(a.lastUsed) < laneAssignmentTimeout {
			break
		}
		next := e.Next()
		s.assignments.Delete(e.Key)
		e = next
	}
}

// The first empty lane, or the one with the shortest queue.
func (s *scheduler) leastLoadedLane() *lane {
	best := s.lanes[0]
	bestLen := best.queueLen()
	for _, l := range s.lanes[1:] {
		if bestLen == 0 {
			break
		}
		n := l.queueLen()
		if n < bestLen {
			best, bestLen = l, n
		}
	}
	return best
}

func (s *scheduler) execute(ctx context.Context, batch []*Request) {
	if len(batch) == 1 {
		s.counters.addSingle(batch[0].size)
		s.run(ctx, batch[0])
		return
	}
	s.runBatch(ctx, batch)
}

// Performs a single request.
func (s *scheduler) run(ctx context.Context, r *Request) {
	if r.Cancelled() {
		s.release(r)
		requestsCancelledBeforeIo.Add(1)
		r.setState(RequestCancelled)
		s.freeBuffer(r)
		s.callListener(r, func() { r.listener.RequestCancelled(r) })
		return
	}
	r.setState(RequestExecuting)
	started := time.Now()
	err := s.doIo(r)
	s.counters.addIo(time.Since(started))
	s.release(r)
	s.finish(ctx, r, err, r.size)
}

func (s *scheduler) doIo(r *Request) (err error) {
	defer s.recoverIo(&err, r)
	var n int
	switch r.op {
	case OpRead:
		n, err = r.file.ReadAt(r.buf, r.offset, r.cachePolicy)
	default:
		n, err = r.file.WriteAt(r.buf, r.offset)
	}
	if err == nil && n != len(r.buf) {
		err = io.ErrShortWrite
		if r.op == OpRead {
			err = io.ErrUnexpectedEOF
		}
	}
	return
}

func (s *scheduler) doBatchIo(batch []*Request) (err error) {
	defer s.recoverIo(&err, batch[0])
	bufs := make([][]byte, 0, len(batch))
	for _, r := range batch {
		bufs = append(bufs, r.buf)
	}
	first := batch[0]
	if first.op == OpRead {
		return storage.ReadBatch(first.file, bufs, first.offset, first.cachePolicy)
	}
	return storage.WriteBatch(first.file, bufs, first.offset)
}

func (s *scheduler) recoverIo(err *error, r *Request) {
	p := recover()
	if p == nil {
		return
	}
	recoveredPanics.Add(1)
	s.logger.Levelf(log.Error, "panic performing %v: %v", r, p)
	*err = panicError{p}
}

func (s *scheduler) batchIsContiguous(batch []*Request) bool {
	for i := 1; i < len(batch); i++ {
		prev, r := batch[i-1], batch[i]
		if r.file != prev.file || r.offset != prev.end() || r.op != prev.op || r.cachePolicy != prev.cachePolicy {
			return false
		}
	}
	return true
}

// Performs contiguous requests with one I/O. Requests before the failure index of a batch error
// complete, the rest fail with it.
func (s *scheduler) runBatch(ctx context.Context, batch []*Request) {
	if !s.batchIsContiguous(batch) {
		nonContiguousBatches.Add(1)
		s.logger.Levelf(log.Error, "assertion failed: batch of %v requests starting with %v is not contiguous", len(batch), batch[0])
		for _, r := range batch {
			s.counters.addSingle(r.size)
			s.run(ctx, r)
		}
		return
	}
	var total int64
	for _, r := range batch {
		r.setState(RequestExecuting)
		total += r.size
	}
	started := time.Now()
	err := s.doBatchIo(batch)
	s.counters.addIo(time.Since(started))
	s.counters.totalAggregatedBatches.Add(1)
	s.counters.totalAggregatedRequests.Add(int64(len(batch)))
	s.counters.totalAggregatedBytes.Add(total)
	failIndex := len(batch)
	if err != nil {
		failIndex = 0
		var be *storage.BatchError
		if errors.As(err, &be) {
			failIndex = min(max(be.FailIndex, 0), len(batch)-1)
		}
	}
	for _, r := range batch {
		s.release(r)
	}
	var bytesSoFar int64
	for i, r := range batch {
		if i < failIndex {
			bytesSoFar += r.size
			s.finish(ctx, r, nil, bytesSoFar)
		} else {
			s.finish(ctx, r, err, bytesSoFar)
		}
	}
}

// Delivers the outcome of a request that was attempted, or that couldn't be queued.
func (s *scheduler) finish(ctx context.Context, r *Request, err error, bytesSoFar int64) {
	s.freeBuffer(r)
	if err != nil {
		r.setState(RequestFailed)
		s.callListener(r, func() { r.listener.RequestFailed(ctx, r, err) })
		return
	}
	s.callListener(r, func() { r.listener.RequestExecuted(r, bytesSoFar) })
	r.setState(RequestCompleted)
	s.callListener(r, func() { r.listener.RequestComplete(ctx, r) })
}

// Buffers of OpWriteAndFree requests go back to the pool whatever the outcome.
func (s *scheduler) freeBuffer(r *Request) {
	if r.op == OpWriteAndFree && r.buf != nil {
		s.buffers.Put(r.buf)
		r.buf = nil
	}
}

// Listener panics are contained to the request they were for.
func (s *scheduler) callListener(r *Request, f func()) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		recoveredPanics.Add(1)
		s.logger.Levelf(log.Error, "panic in listener for %v: %v", r, p)
	}()
	f()
}

func (s *scheduler) close() {
	if s.closeCtx.Err() != nil {
		return
	}
	s.closeCancel(ErrClosed)
	for _, l := range s.lanes {
		for _, r := range l.close() {
			s.release(r)
			s.finish(s.closeCtx, r, ErrClosed, 0)
		}
	}
}

func (s *scheduler) stats() DirectionStats {
	ret := s.counters.snapshot()
	ret.SemaphoreBlocks = s.sem.BlockCount()
	ret.SemaphoreCapacity = s.sem.Capacity()
	return ret
}

func (s *scheduler) String() string {
	st := s.stats()
	return fmt.Sprintf("%v: lanes=%v agg=%v max=%v queued=%v/%v total=%v/%v io=%v",
		s.name, len(s.lanes), s.cfg.Aggregation, humanize.IBytes(uint64(st.SemaphoreCapacity)<<10),
		st.QueuedRequests, humanize.IBytes(uint64(max(st.QueuedBytes, 0))),
		st.TotalRequests, humanize.IBytes(uint64(st.TotalBytes)), st.IoCount)
}
