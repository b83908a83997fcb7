package diskio

import (
	"context"
	"errors"
	"sync"
	"testing"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/diskio/storage"
	"github.com/anacrolix/torrent/metainfo"
)

func newTestController(t *testing.T, aggregation bool) *Controller {
	cfg := DefaultControllerConfig()
	for _, d := range []*DirectionConfig{&cfg.Read, &cfg.Write} {
		d.Lanes = 1
		d.WorkersPerLane = 1
		d.Aggregation = aggregation
		d.AggregationRequestLimit = 8
		d.AggregationByteLimit = 1 << 20
	}
	cfg.Logger = log.Default.WithNames(t.Name())
	c := NewController(cfg)
	t.Cleanup(c.Close)
	return c
}

// Holds up the I/O of requests until released, so tests can arrange the queue behind it.
type blockingFile struct {
	*storage.MemoryFile
	entered chan struct{}
	release chan struct{}
}

func newBlockingFile(length int64) *blockingFile {
	return &blockingFile{
		MemoryFile: storage.NewMemoryFile(metainfo.Hash{0xb}, "blocking", length),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (f *blockingFile) ReadAt(b []byte, off int64, cp storage.CachePolicy) (int, error) {
	f.entered <- struct{}{}
	<-f.release
	return f.MemoryFile.ReadAt(b, off, cp)
}

// Records batch I/O, optionally failing partway through.
type batchFile struct {
	*storage.MemoryFile
	mu        sync.Mutex
	batches   [][]int
	reads     int
	failIndex g.Option[int]
}

var _ storage.BatchFile = (*batchFile)(nil)

func newBatchFile(data string) *batchFile {
	f := storage.NewMemoryFile(metainfo.Hash{0xb}, "batch", int64(len(data)))
	f.WriteAt([]byte(data), 0)
	return &batchFile{MemoryFile: f}
}

func (f *batchFile) ReadAt(b []byte, off int64, cp storage.CachePolicy) (int, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	return f.MemoryFile.ReadAt(b, off, cp)
}

func (f *batchFile) ReadBatch(bufs [][]byte, off int64, cp storage.CachePolicy) error {
	f.mu.Lock()
	var lens []int
	for _, b := range bufs {
		lens = append(lens, len(b))
	}
	f.batches = append(f.batches, lens)
	f.mu.Unlock()
	for i, b := range bufs {
		if f.failIndex.Ok && i == f.failIndex.Value {
			return &storage.BatchError{FailIndex: i, Err: errors.New("boom")}
		}
		if _, err := f.MemoryFile.ReadAt(b, off, cp); err != nil {
			return &storage.BatchError{FailIndex: i, Err: err}
		}
		off += int64(len(b))
	}
	return nil
}

func (f *batchFile) WriteBatch(bufs [][]byte, off int64) error {
	return storage.WriteBatch(f.MemoryFile, bufs, off)
}

type recorder struct {
	mu     sync.Mutex
	events []string
	errs   map[string]error
	wg     sync.WaitGroup
}

func (rec *recorder) add(s string) {
	rec.mu.Lock()
	rec.events = append(rec.events, s)
	rec.mu.Unlock()
}

func (rec *recorder) listener(name string, prio g.Option[int]) Listener {
	rec.wg.Add(1)
	return ListenerFuncs{
		OnQueued: func(*Request) { rec.add(name + " queued") },
		OnExecuted: func(r *Request, bytesSoFar int64) {
			rec.add(name + " executed")
		},
		OnComplete: func(context.Context, *Request) {
			rec.add(name + " complete")
			rec.wg.Done()
		},
		OnCancelled: func(*Request) {
			rec.add(name + " cancelled")
			rec.wg.Done()
		},
		OnFailed: func(_ context.Context, _ *Request, err error) {
			rec.mu.Lock()
			g.MakeMapIfNil(&rec.errs)
			rec.errs[name] = err
			rec.mu.Unlock()
			rec.add(name + " failed")
			rec.wg.Done()
		},
		Prio: prio,
	}
}

// Events other than queued and executed, in order.
func (rec *recorder) outcomes() (ret []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if len(e) > 7 && (e[len(e)-7:] == " queued") {
			continue
		}
		if len(e) > 9 && e[len(e)-9:] == " executed" {
			continue
		}
		ret = append(ret, e)
	}
	return
}

func TestRequestQueuedFiresFirst(t *testing.T) {
	c := newTestController(t, false)
	f := storage.NewMemoryFile(metainfo.Hash{1}, "f", 4)
	var rec recorder
	r := c.QueueWrite(context.Background(), f, 0, []byte("abcd"), false, rec.listener("w", g.None[int]()))
	rec.mu.Lock()
	qt.Check(t, qt.Equals(rec.events[0], "w queued"))
	rec.mu.Unlock()
	rec.wg.Wait()
	qt.Check(t, qt.DeepEquals(rec.events, []string{"w queued", "w executed", "w complete"}))
	qt.Check(t, qt.Equals(r.State(), RequestCompleted))
	qt.Check(t, qt.Equals(string(f.Bytes()), "abcd"))
	stats := c.Stats().Write
	qt.Check(t, qt.Equals(stats.TotalRequests, 1))
	qt.Check(t, qt.Equals(stats.TotalSingleRequests, 1))
	qt.Check(t, qt.Equals(stats.TotalBytes, 4))
	qt.Check(t, qt.Equals(stats.IoCount, 1))
}

func TestPriorityOrdering(t *testing.T) {
	c := newTestController(t, false)
	blocker := newBlockingFile(1)
	f := storage.NewMemoryFile(blocker.InfoHash(), "f", 10)
	var rec recorder
	ctx := context.Background()
	c.QueueRead(ctx, blocker, 0, make([]byte, 1), storage.CacheRead, rec.listener("blocker", g.None[int]()))
	<-blocker.entered
	c.QueueRead(ctx, f, 0, make([]byte, 1), storage.CacheRead, rec.listener("a", g.None[int]()))
	c.QueueRead(ctx, f, 1, make([]byte, 1), storage.CacheRead, rec.listener("b", g.Some(-5)))
	c.QueueRead(ctx, f, 2, make([]byte, 1), storage.CacheRead, rec.listener("c", g.Some(0)))
	c.QueueRead(ctx, f, 3, make([]byte, 1), storage.CacheRead, rec.listener("d", g.Some(1)))
	c.QueueRead(ctx, f, 4, make([]byte, 1), storage.CacheRead, rec.listener("e", g.Some(0)))
	qt.Assert(t, qt.Equals(c.Stats().Read.QueuedRequests, 5))
	close(blocker.release)
	rec.wg.Wait()
	assert.Equal(t,
		[]string{"blocker complete", "d complete", "c complete", "e complete", "a complete", "b complete"},
		rec.outcomes())
}

func TestAggregatedReadSplitsAtFailIndex(t *testing.T) {
	c := newTestController(t, true)
	blocker := newBlockingFile(1)
	f := newBatchFile("0123456789")
	f.failIndex.Set(1)
	var rec recorder
	ctx := context.Background()
	c.QueueRead(ctx, blocker, 0, make([]byte, 1), storage.CacheRead, rec.listener("blocker", g.None[int]()))
	<-blocker.entered
	bufs := [][]byte{make([]byte, 2), make([]byte, 3), make([]byte, 1)}
	reqs := []*Request{
		c.QueueRead(ctx, f, 0, bufs[0], storage.CacheRead, rec.listener("r0", g.None[int]())),
		c.QueueRead(ctx, f, 2, bufs[1], storage.CacheRead, rec.listener("r1", g.None[int]())),
		c.QueueRead(ctx, f, 5, bufs[2], storage.CacheRead, rec.listener("r2", g.None[int]())),
	}
	close(blocker.release)
	rec.wg.Wait()
	f.mu.Lock()
	assert.Equal(t, [][]int{{2, 3, 1}}, f.batches)
	assert.Equal(t, 0, f.reads)
	f.mu.Unlock()
	assert.Equal(t, "01", string(bufs[0]))
	assert.Equal(t, RequestCompleted, reqs[0].State())
	assert.Equal(t, RequestFailed, reqs[1].State())
	assert.Equal(t, RequestFailed, reqs[2].State())
	rec.mu.Lock()
	assert.EqualError(t, rec.errs["r1"], "batch failed at buffer 1: boom")
	assert.Contains(t, rec.errs, "r2")
	assert.NotContains(t, rec.errs, "r0")
	rec.mu.Unlock()
	stats := c.Stats().Read
	assert.EqualValues(t, 1, stats.TotalAggregatedBatches)
	assert.EqualValues(t, 3, stats.TotalAggregatedRequests)
	assert.EqualValues(t, 6, stats.TotalAggregatedBytes)
	assert.EqualValues(t, 1, stats.TotalSingleRequests)
}

func TestAggregationRespectsCompatibility(t *testing.T) {
	c := newTestController(t, true)
	blocker := newBlockingFile(1)
	f := newBatchFile("0123456789")
	var rec recorder
	ctx := context.Background()
	c.QueueRead(ctx, blocker, 0, make([]byte, 1), storage.CacheRead, rec.listener("blocker", g.None[int]()))
	<-blocker.entered
	c.QueueRead(ctx, f, 0, make([]byte, 2), storage.CacheRead, rec.listener("a", g.None[int]()))
	c.QueueRead(ctx, f, 2, make([]byte, 2), storage.CacheRead, rec.listener("b", g.None[int]()))
	// Different cache policy.
	c.QueueRead(ctx, f, 4, make([]byte, 2), storage.CacheNone, rec.listener("c", g.None[int]()))
	cancelled := c.QueueRead(ctx, f, 6, make([]byte, 2), storage.CacheNone, rec.listener("d", g.None[int]()))
	cancelled.Cancel()
	c.QueueRead(ctx, f, 8, make([]byte, 2), storage.CacheNone, rec.listener("e", g.None[int]()))
	// Priority requests are never merged.
	c.QueueRead(ctx, f, 2, make([]byte, 2), storage.CacheRead, rec.listener("p", g.Some(0)))
	close(blocker.release)
	rec.wg.Wait()
	f.mu.Lock()
	assert.Equal(t, [][]int{{2, 2}}, f.batches)
	// p, c and e are read singly.
	assert.Equal(t, 3, f.reads)
	f.mu.Unlock()
	assert.Equal(t,
		[]string{"blocker complete", "p complete", "a complete", "b complete", "c complete", "d cancelled", "e complete"},
		rec.outcomes())
}

func TestCancelBeforePickup(t *testing.T) {
	c := newTestController(t, false)
	blocker := newBlockingFile(1)
	f := newBatchFile("abcd")
	var rec recorder
	ctx := context.Background()
	c.QueueRead(ctx, blocker, 0, make([]byte, 1), storage.CacheRead, rec.listener("blocker", g.None[int]()))
	<-blocker.entered
	r := c.QueueRead(ctx, f, 0, make([]byte, 4), storage.CacheRead, rec.listener("r", g.None[int]()))
	r.Cancel()
	close(blocker.release)
	rec.wg.Wait()
	assert.Equal(t, RequestCancelled, r.State())
	assert.Equal(t, []string{"blocker complete", "r cancelled"}, rec.outcomes())
	f.mu.Lock()
	assert.Zero(t, f.reads)
	f.mu.Unlock()
	// The reservation was returned.
	stats := c.Stats().Read
	assert.Zero(t, stats.QueuedRequests)
	assert.Zero(t, stats.QueuedBytes)
	assert.Equal(t, c.read.sem.Capacity(), c.read.sem.Available())
}

func TestCancelAfterExecutionStarts(t *testing.T) {
	c := newTestController(t, false)
	blocker := newBlockingFile(1)
	blocker.WriteAt([]byte("z"), 0)
	var rec recorder
	buf := make([]byte, 1)
	r := c.QueueRead(context.Background(), blocker, 0, buf, storage.CacheRead, rec.listener("r", g.None[int]()))
	<-blocker.entered
	qt.Assert(t, qt.Equals(r.State(), RequestExecuting))
	r.Cancel()
	close(blocker.release)
	rec.wg.Wait()
	qt.Check(t, qt.Equals(r.State(), RequestCompleted))
	qt.Check(t, qt.Equals(string(buf), "z"))
	qt.Check(t, qt.DeepEquals(rec.outcomes(), []string{"r complete"}))
}

func TestNestedRequestRunsInline(t *testing.T) {
	c := newTestController(t, false)
	f := storage.NewMemoryFile(metainfo.Hash{3}, "f", 4)
	done := make(chan *Request, 1)
	c.QueueWrite(context.Background(), f, 0, []byte("wxyz"), false, ListenerFuncs{
		OnComplete: func(ctx context.Context, _ *Request) {
			qt.Check(t, qt.IsTrue(InLaneWorker(ctx)))
			buf := make([]byte, 4)
			// The write lane's only worker is busy in this callback, so this only completes if it
			// runs inline.
			nested := c.QueueWrite(ctx, f, 0, []byte("WXYZ"), false, ListenerFuncs{})
			qt.Check(t, qt.Equals(nested.State(), RequestCompleted))
			qt.Check(t, qt.IsNil(c.Read(ctx, f, 0, buf, storage.CacheRead, g.None[int]())))
			qt.Check(t, qt.Equals(string(buf), "WXYZ"))
			done <- nested
		},
	})
	<-done
	stats := c.Stats().Write
	qt.Check(t, qt.Equals(stats.TotalRequests, 2))
	qt.Check(t, qt.Equals(stats.TotalSingleRequests, 2))
	qt.Check(t, qt.IsFalse(InLaneWorker(context.Background())))
}

func TestOversizedRequestGrowsQueueBound(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.Write.MaxQueuedMiB = 1
	c := NewController(cfg)
	defer c.Close()
	f := storage.NewMemoryFile(metainfo.Hash{4}, "f", 0)
	err := c.Write(context.Background(), f, 0, make([]byte, 2<<20+1), g.None[int]())
	require.NoError(t, err)
	stats := c.Stats().Write
	assert.EqualValues(t, 2049, stats.SemaphoreCapacity)
	assert.EqualValues(t, 0, stats.SemaphoreBlocks)
	assert.EqualValues(t, 2049, c.write.sem.Available())
}

func TestWriteAndFreeReturnsBuffer(t *testing.T) {
	c := newTestController(t, false)
	f := storage.NewMemoryFile(metainfo.Hash{5}, "f", 0)
	buf, err := c.Buffers().Get(context.Background(), 3)
	require.NoError(t, err)
	copy(buf, "abc")
	require.Equal(t, 1, c.Buffers().Outstanding())
	var rec recorder
	r := c.QueueWrite(context.Background(), f, 5, buf, true, rec.listener("w", g.None[int]()))
	rec.wg.Wait()
	assert.Equal(t, OpWriteAndFree, r.Op())
	assert.Nil(t, r.Buffer())
	assert.EqualValues(t, 3, r.Size())
	assert.Equal(t, 0, c.Buffers().Outstanding())
	assert.Equal(t, "\x00\x00\x00\x00\x00abc", string(f.Bytes()))
}

func TestCloseFailsQueuedAndLaterRequests(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.Read.Lanes = 1
	c := NewController(cfg)
	blocker := newBlockingFile(1)
	var rec recorder
	ctx := context.Background()
	c.QueueRead(ctx, blocker, 0, make([]byte, 1), storage.CacheRead, rec.listener("blocker", g.None[int]()))
	<-blocker.entered
	queued := c.QueueRead(ctx, blocker, 0, make([]byte, 1), storage.CacheRead, rec.listener("queued", g.None[int]()))
	c.Close()
	after := c.QueueRead(ctx, blocker, 0, make([]byte, 1), storage.CacheRead, rec.listener("after", g.None[int]()))
	close(blocker.release)
	rec.wg.Wait()
	assert.Equal(t, RequestFailed, queued.State())
	assert.Equal(t, RequestFailed, after.State())
	rec.mu.Lock()
	assert.ErrorIs(t, rec.errs["queued"], ErrClosed)
	assert.ErrorIs(t, rec.errs["after"], ErrClosed)
	assert.NotContains(t, rec.errs, "blocker")
	rec.mu.Unlock()
}

func TestListenerPanicIsContained(t *testing.T) {
	c := newTestController(t, false)
	f := storage.NewMemoryFile(metainfo.Hash{6}, "f", 1)
	var rec recorder
	c.QueueRead(context.Background(), f, 0, make([]byte, 1), storage.CacheRead, ListenerFuncs{
		OnComplete: func(context.Context, *Request) { panic("oops") },
	})
	r := c.QueueRead(context.Background(), f, 0, make([]byte, 1), storage.CacheRead, rec.listener("next", g.None[int]()))
	rec.wg.Wait()
	assert.Equal(t, RequestCompleted, r.State())
}

func TestReadContextCancelledWaitingForSpace(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.Read.Lanes = 1
	cfg.Read.MaxQueuedMiB = 1
	c := NewController(cfg)
	defer c.Close()
	blocker := newBlockingFile(1 << 20)
	var rec recorder
	// Takes all the queue space until released.
	c.QueueRead(context.Background(), blocker, 0, make([]byte, 1<<20), storage.CacheRead, rec.listener("blocker", g.None[int]()))
	<-blocker.entered
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error)
	go func() {
		errs <- c.Read(ctx, blocker, 0, make([]byte, 1024), storage.CacheRead, g.None[int]())
	}()
	cancel()
	qt.Check(t, qt.ErrorIs(<-errs, context.Canceled))
	close(blocker.release)
	rec.wg.Wait()
	qt.Check(t, qt.Equals(c.read.sem.Available(), 1024))
	qt.Check(t, qt.Equals(c.Stats().Read.SemaphoreBlocks, 1))
}
