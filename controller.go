package diskio

import (
	"context"
	"errors"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/anacrolix/diskio/storage"
)

// Schedules reads and writes of torrent data. Each direction has its own lanes and bound on queued
// bytes.
type Controller struct {
	read    *scheduler
	write   *scheduler
	buffers *BufferPool
	logger  log.Logger
}

func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	logger = logger.WithNames("diskio")
	buffers := NewBufferPool(cfg.BufferPoolLimit)
	c := &Controller{
		read:    newScheduler("read", cfg.Read, buffers, logger),
		write:   newScheduler("write", cfg.Write, buffers, logger),
		buffers: buffers,
		logger:  logger,
	}
	logger.Levelf(log.Debug, "started: %v; %v", c.read, c.write)
	return c
}

// Queues a read into buf. The listener's RequestQueued is called before this returns. If ctx
// came from a lane worker, the read is performed before returning.
func (c *Controller) QueueRead(
	ctx context.Context,
	file storage.File,
	offset int64,
	buf []byte,
	cp storage.CachePolicy,
	l Listener,
) *Request {
	r := newRequest(file, offset, buf, OpRead, cp, l)
	c.read.queue(ctx, r)
	return r
}

// Queues a write of buf. If freeBuffer is set, buf must have come from Buffers, and is returned
// there once the request is done with.
func (c *Controller) QueueWrite(
	ctx context.Context,
	file storage.File,
	offset int64,
	buf []byte,
	freeBuffer bool,
	l Listener,
) *Request {
	op := OpWrite
	if freeBuffer {
		op = OpWriteAndFree
	}
	r := newRequest(file, offset, buf, op, storage.CacheNone, l)
	c.write.queue(ctx, r)
	return r
}

// Reads into buf and waits for the outcome. If ctx is done first the request is cancelled, but
// buf is not released until it has been dealt with.
func (c *Controller) Read(ctx context.Context, file storage.File, offset int64, buf []byte, cp storage.CachePolicy, priority g.Option[int]) error {
	l := newDoneListener(priority)
	return c.wait(ctx, c.QueueRead(ctx, file, offset, buf, cp, l), l)
}

// Writes buf and waits for the outcome.
func (c *Controller) Write(ctx context.Context, file storage.File, offset int64, buf []byte, priority g.Option[int]) error {
	l := newDoneListener(priority)
	return c.wait(ctx, c.QueueWrite(ctx, file, offset, buf, false, l), l)
}

func (c *Controller) wait(ctx context.Context, r *Request, l *doneListener) error {
	select {
	case err := <-l.done:
		return err
	case <-ctx.Done():
	}
	r.Cancel()
	err := <-l.done
	if errors.Is(err, errRequestCancelled) {
		return context.Cause(ctx)
	}
	return err
}

func (c *Controller) Buffers() *BufferPool {
	return c.buffers
}

func (c *Controller) Stats() Stats {
	return Stats{
		Read:  c.read.stats(),
		Write: c.write.stats(),
	}
}

// Fails queued requests with ErrClosed, and any queued later. Requests already executing finish
// normally.
func (c *Controller) Close() {
	c.read.close()
	c.write.close()
	c.logger.Levelf(log.Debug, "closed: %v; %v", c.read, c.write)
}
