package diskio

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// Counters for one direction. Totals count requests once they've been admitted to a lane, or run
// inline.
type DirectionStats struct {
	QueuedRequests int64
	QueuedBytes    int64

	TotalRequests int64
	TotalBytes    int64
	// Requests performed on their own.
	TotalSingleRequests int64
	TotalSingleBytes    int64
	// Batches of merged requests, and the requests and bytes within them.
	TotalAggregatedBatches  int64
	TotalAggregatedRequests int64
	TotalAggregatedBytes    int64

	IoTime  time.Duration
	IoCount int64
	// Times a producer had to wait for queue space.
	SemaphoreBlocks int64
	// Current bound on queued KiB.
	SemaphoreCapacity int64
}

type Stats struct {
	Read  DirectionStats
	Write DirectionStats
}

func (me Stats) Dump(w io.Writer) {
	spew.Fdump(w, me)
}

type directionCounters struct {
	queuedRequests atomic.Int64
	queuedBytes    atomic.Int64

	totalRequests           atomic.Int64
	totalBytes              atomic.Int64
	totalSingleRequests     atomic.Int64
	totalSingleBytes        atomic.Int64
	totalAggregatedBatches  atomic.Int64
	totalAggregatedRequests atomic.Int64
	totalAggregatedBytes    atomic.Int64

	ioTime  atomic.Int64
	ioCount atomic.Int64
}

func (me *directionCounters) addIo(d time.Duration) {
	me.ioTime.Add(int64(d))
	me.ioCount.Add(1)
}

func (me *directionCounters) addSingle(size int64) {
	me.totalSingleRequests.Add(1)
	me.totalSingleBytes.Add(size)
}

func (me *directionCounters) snapshot() DirectionStats {
	return DirectionStats{
		QueuedRequests:          me.queuedRequests.Load(),
		QueuedBytes:             me.queuedBytes.Load(),
		TotalRequests:           me.totalRequests.Load(),
		TotalBytes:              me.totalBytes.Load(),
		TotalSingleRequests:     me.totalSingleRequests.Load(),
		TotalSingleBytes:        me.totalSingleBytes.Load(),
		TotalAggregatedBatches:  me.totalAggregatedBatches.Load(),
		TotalAggregatedRequests: me.totalAggregatedRequests.Load(),
		TotalAggregatedBytes:    me.totalAggregatedBytes.Load(),
		IoTime:                  time.Duration(me.ioTime.Load()),
		IoCount:                 me.ioCount.Load(),
	}
}
