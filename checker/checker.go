// Package checker verifies piece data against expected hashes, reading through a
// diskio.Controller.
package checker

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/sync/semaphore"

	"github.com/anacrolix/diskio"
	"github.com/anacrolix/diskio/storage"
)

var ErrClosed = errors.New("checker closed")

type CheckRequest struct {
	Piece int
	// Low priority checks queue behind other verification reads.
	LowPriority bool
	UserData    any
	// Set to the computed hash once the piece data has been read.
	Hash g.Option[metainfo.Hash]
}

// Exactly one method is called per request.
type CheckListener interface {
	CheckCompleted(req *CheckRequest, passed bool)
	CheckCancelled(req *CheckRequest)
	CheckFailed(req *CheckRequest, err error)
}

type Opts struct {
	// Checks hashing at once. Defaults to 4.
	MaxConcurrent int
	Logger        log.Logger
}

type Checker struct {
	c      *diskio.Controller
	layout *storage.Layout
	hashes []metainfo.Hash
	sem    *semaphore.Weighted
	logger log.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

func New(c *diskio.Controller, layout *storage.Layout, hashes []metainfo.Hash, opts Opts) *Checker {
	if len(hashes) != layout.NumPieces() {
		panic(fmt.Sprintf("got %v hashes for %v pieces", len(hashes), layout.NumPieces()))
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	logger := opts.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Checker{
		c:      c,
		layout: layout,
		hashes: hashes,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger: logger.WithNames("checker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Expected hash of the piece.
func (me *Checker) Hash(piece int) metainfo.Hash {
	return me.hashes[piece]
}

func (me *Checker) NumPieces() int {
	return len(me.hashes)
}

// Starts checking a piece. The listener is called from another goroutine. A request that can't
// start before ctx is done, or the Checker is closed, is cancelled.
func (me *Checker) EnqueueCheckRequest(ctx context.Context, req *CheckRequest, l CheckListener) {
	me.wg.Add(1)
	go func() {
		defer me.wg.Done()
		me.check(ctx, req, l)
	}()
}

func (me *Checker) check(ctx context.Context, req *CheckRequest, l CheckListener) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(me.ctx, func() { cancel(ErrClosed) })
	defer stop()
	if err := me.sem.Acquire(ctx, 1); err != nil {
		l.CheckCancelled(req)
		return
	}
	if ctx.Err() != nil {
		me.sem.Release(1)
		l.CheckCancelled(req)
		return
	}
	sum, err := me.HashPiece(ctx, req.Piece, req.LowPriority)
	me.sem.Release(1)
	if err != nil {
		if ctx.Err() != nil {
			l.CheckCancelled(req)
			return
		}
		me.logger.Levelf(log.Debug, "error checking piece %v: %v", req.Piece, err)
		l.CheckFailed(req, err)
		return
	}
	req.Hash.Set(sum)
	l.CheckCompleted(req, sum == me.hashes[req.Piece])
}

func readPriority(lowPriority bool) g.Option[int] {
	if lowPriority {
		return g.Some(0)
	}
	return g.Some(1)
}

// Returns the SHA-1 of the piece's current data.
func (me *Checker) HashPiece(ctx context.Context, piece int, lowPriority bool) (ret metainfo.Hash, err error) {
	buf, err := me.ReadPiece(ctx, piece, lowPriority)
	if err != nil {
		return
	}
	defer me.c.Buffers().Put(buf)
	ret = sha1.Sum(buf)
	return
}

// Reads the piece into a buffer from the Controller's pool. Return it with Buffers().Put.
func (me *Checker) ReadPiece(ctx context.Context, piece int, lowPriority bool) (buf []byte, err error) {
	buf, err = me.c.Buffers().Get(ctx, int(me.layout.PieceSize(piece)))
	if err != nil {
		return
	}
	off := 0
	for _, frag := range me.layout.Piece(piece) {
		if frag.File.File == nil {
			err = fmt.Errorf("file %q has no storage", frag.File.Path)
			break
		}
		b := buf[off : off+int(frag.Length)]
		err = me.c.Read(ctx, frag.File.File, frag.Offset, b, storage.CacheNone, readPriority(lowPriority))
		if err != nil {
			err = fmt.Errorf("reading piece %v from %q: %w", piece, frag.File.Path, err)
			break
		}
		off += len(b)
	}
	if err != nil {
		me.c.Buffers().Put(buf)
		buf = nil
	}
	return
}

// Reports whether data hashes to the expected hash for piece.
func (me *Checker) Matches(piece int, data []byte) bool {
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], me.hashes[piece][:])
}

// Cancels pending checks and waits for running ones to finish.
func (me *Checker) Close() {
	me.cancel(ErrClosed)
	me.wg.Wait()
}
