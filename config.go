package diskio

import (
	"time"

	"github.com/anacrolix/log"
)

// Scheduling for one direction of I/O.
type DirectionConfig struct {
	// Independent queues. Each torrent is served by one lane at a time.
	Lanes int
	// Goroutines per lane.
	WorkersPerLane int
	// Workers exit after this long without work. Defaults to 30s.
	WorkerIdleTimeout time.Duration
	// Bound on bytes queued in this direction. A single larger request is still admitted, and
	// raises the bound.
	MaxQueuedMiB int64
	// Merge contiguous requests to the same file into one I/O.
	Aggregation bool
	// Most requests in a batch.
	AggregationRequestLimit int
	// A batch stops growing once it has at least this many bytes.
	AggregationByteLimit int64
}

type ControllerConfig struct {
	Read  DirectionConfig
	Write DirectionConfig
	// Bytes of buffers the pool may have outstanding. Zero means unlimited.
	BufferPoolLimit int64
	Logger          log.Logger
}

// Defaults may be overridden with DISKIO_* environment variables.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Read: DirectionConfig{
			Lanes:                   initIntFromEnv("DISKIO_READ_LANES", 32, 0),
			WorkersPerLane:          1,
			MaxQueuedMiB:            initIntFromEnv[int64]("DISKIO_READ_MAX_MIB", 10, 64),
			Aggregation:             initBoolFromEnv("DISKIO_READ_AGGREGATION", false),
			AggregationRequestLimit: 4,
			AggregationByteLimit:    64 << 10,
		},
		Write: DirectionConfig{
			Lanes:                   initIntFromEnv("DISKIO_WRITE_LANES", 32, 0),
			WorkersPerLane:          1,
			MaxQueuedMiB:            initIntFromEnv[int64]("DISKIO_WRITE_MAX_MIB", 10, 64),
			Aggregation:             initBoolFromEnv("DISKIO_WRITE_AGGREGATION", false),
			AggregationRequestLimit: 8,
			AggregationByteLimit:    128 << 10,
		},
		BufferPoolLimit: 64 << 20,
	}
}
