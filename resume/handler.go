// Package resume tracks which pieces of a download are complete, verifies them against their
// hashes on startup, and persists that state so a restart doesn't have to hash everything again.
package resume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anacrolix/diskio"
	"github.com/anacrolix/diskio/checker"
	"github.com/anacrolix/diskio/recheck"
	"github.com/anacrolix/diskio/storage"
)

var ErrStopped = errors.New("resume handler stopped")

var (
	tracer = otel.Tracer("github.com/anacrolix/diskio/resume")
	logger = log.Default.WithNames("resume")
)

// When fewer bytes than this aren't known done, they're all hashed rather than trusting the
// resume data.
const recheckAllThreshold = 64 << 20

// Receives check progress in thousandths.
type ProgressFunc func(permille int)

type HandlerOpts struct {
	Layout *storage.Layout
	// Defaults to a new State for Layout.
	State      *State
	Store      DownloadStore
	Checker    *checker.Checker
	Rechecks   *recheck.Scheduler
	Controller *diskio.Controller
	Config     Config
	Logger     log.Logger
	// Called at most once per check pass when forced checks fail with errors. Defaults to
	// logging.
	OnCheckError func(error)
}

// Verifies a download's pieces on startup and persists its resume state.
type Handler struct {
	layout       *storage.Layout
	state        *State
	store        DownloadStore
	checker      *checker.Checker
	rechecks     *recheck.Scheduler
	c            *diskio.Controller
	logger       log.Logger
	onCheckError func(error)

	cfgMu sync.RWMutex
	cfg   Config

	mu         sync.Mutex
	started    bool
	stopCtx    context.Context
	stopCancel context.CancelCauseFunc

	stopped         atomic.Bool
	stoppedForClose atomic.Bool

	// One snapshot write at a time.
	saveMu sync.Mutex

	checkInProgress     atomic.Bool
	checkResumeWasValid atomic.Bool
	checkIsFullCheck    atomic.Bool
	checkInterrupted    atomic.Bool
	checkCancelled      atomic.Bool
	// The piece the current or last check pass reached.
	checkPosition atomic.Int64
}

func NewHandler(opts HandlerOpts) *Handler {
	h := &Handler{
		layout:       opts.Layout,
		state:        opts.State,
		store:        opts.Store,
		checker:      opts.Checker,
		rechecks:     opts.Rechecks,
		c:            opts.Controller,
		logger:       opts.Logger,
		onCheckError: opts.OnCheckError,
		cfg:          opts.Config,
	}
	if h.state == nil {
		h.state = NewState(h.layout)
	}
	if h.logger.IsZero() {
		h.logger = logger
	}
	h.logger = h.logger.WithContextValue(fmt.Sprintf("resume data %q", h.store.Key()))
	if h.onCheckError == nil {
		h.onCheckError = func(err error) {
			h.logger.Levelf(log.Error, "error checking pieces: %v", err)
		}
	}
	h.stopCtx, h.stopCancel = context.WithCancelCause(context.Background())
	return h
}

func (h *Handler) State() *State {
	return h.state
}

func (h *Handler) Config() Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// Takes effect from the next check pass or save.
func (h *Handler) SetConfig(cfg Config) {
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()
}

func (h *Handler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	if h.stopped.Load() {
		h.stopCtx, h.stopCancel = context.WithCancelCause(context.Background())
		h.stopped.Store(false)
		h.stoppedForClose.Store(false)
	}
}

// Stops any check pass. closing means the download is going away, so a full check that gets cut
// short resumes from where it stopped next time.
func (h *Handler) Stop(closing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.checkIsFullCheck.Load() && h.checkInProgress.Load() {
		h.logger.Levelf(log.Info, "stopping full check at piece %v", h.checkPosition.Load())
	}
	if closing {
		h.stoppedForClose.Store(true)
	}
	h.started = false
	h.stopped.Store(true)
	h.stopCancel(ErrStopped)
}

func (h *Handler) stopContext() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopCtx
}

// Whether the recheck scheduler cancelled the last check pass.
func (h *Handler) IsCancelled() bool {
	return h.checkCancelled.Load()
}

// Whether the last check pass was stopped before reaching every piece.
func (h *Handler) CheckInterrupted() bool {
	return h.checkInterrupted.Load()
}

func (h *Handler) notDoneBytes(pieces []PieceState) (n int64) {
	for i, ps := range pieces {
		if ps != Done {
			n += h.layout.PieceSize(i)
		}
	}
	return
}

// Establishes which pieces are done from the stored resume data, hashing whatever it can't
// vouch for. newFiles means the files were just created, so stored data is ignored. forceRecheck
// reports check errors through OnCheckError.
func (h *Handler) CheckAllPieces(ctx context.Context, newFiles, forceRecheck bool, progress ProgressFunc) {
	numPieces := h.layout.NumPieces()
	ctx, span := tracer.Start(ctx, "CheckAllPieces", trace.WithAttributes(
		attribute.Int("pieces", numPieces),
		attribute.Bool("new_files", newFiles),
		attribute.Bool("force_recheck", forceRecheck),
	))
	defer span.End()
	if progress == nil {
		progress = func(int) {}
	}
	progress(0)
	// Done on Stop. Only admission waits use it, so running checks finish.
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := context.AfterFunc(h.stopContext(), func() { cancel(ErrStopped) })
	defer stopWatch()
	stopped := func() bool {
		return h.stopped.Load() || waitCtx.Err() != nil
	}

	h.checkInProgress.Store(true)
	h.checkInterrupted.Store(false)
	h.checkIsFullCheck.Store(false)
	h.checkCancelled.Store(false)
	h.checkPosition.Store(0)
	pass := checkPass{
		h:            h,
		forceRecheck: forceRecheck,
	}
	defer func() {
		if pass.inst != nil {
			h.checkCancelled.Store(pass.inst.IsCancelled())
			pass.inst.Unregister()
		}
	}()
	cfg := h.Config()

	var (
		pieces      []PieceState
		blocks      map[int]*roaring.Bitmap
		valid       bool
		wasComplete bool
	)
	if !newFiles {
		snap, _, err := h.store.load(h.logger)
		if err != nil {
			h.logger.Levelf(log.Warning, "loading resume data: %v", err)
		}
		if snap.Ok {
			s := snap.Value
			if len(s.Pieces) != numPieces {
				h.logger.Levelf(log.Warning,
					"discarding resume data with %v pieces, expected %v", len(s.Pieces), numPieces)
			} else {
				pieces = s.Pieces
				blocks = s.Blocks
				valid = s.Valid
				wasComplete = s.IsComplete(numPieces)
				if !wasComplete {
					// A crash during the pass mustn't leave data that looks trustworthy.
					invalid := s.Clone()
					invalid.Valid = false
					if err := h.store.save(invalid); err != nil {
						h.logger.Levelf(log.Warning, "invalidating resume data: %v", err)
					}
				}
			}
		}
	}
	if pieces == nil {
		h.checkIsFullCheck.Store(true)
		valid = false
		blocks = nil
		pieces = make([]PieceState, numPieces)
		for i := range pieces {
			pieces[i] = RecheckRequired
		}
	}
	h.checkResumeWasValid.Store(valid)
	recheckAll := cfg.RecheckAllOnResume
	if !recheckAll {
		notDone := h.notDoneBytes(pieces)
		recheckAll = notDone < recheckAllThreshold
		if recheckAll && notDone != 0 {
			h.logger.Levelf(log.Debug, "rechecking all %v not known done", humanize.IBytes(uint64(notDone)))
		}
	}
	var fileLengths map[*storage.FileInfo]int64
	if !(cfg.SkipCompleteFileChecks && wasComplete) && !(cfg.SkipIncompleteFileChecks && !wasComplete) {
		fileLengths = make(map[*storage.FileInfo]int64)
	}
	h.logger.Levelf(log.Debug,
		"checking %v pieces: valid=%v full=%v recheck all=%v complete=%v",
		numPieces, valid, h.checkIsFullCheck.Load(), recheckAll, wasComplete)

	for i := range numPieces {
		if stopped() {
			h.checkInterrupted.Store(true)
			break
		}
		h.checkPosition.Store(int64(i))
		progress((i + 1) * 1000 / numPieces)
		state := pieces[i]
		cannotExist := false
		if state == Done || !valid || recheckAll {
			if fileLengths != nil && !h.piecesFilesLongEnough(i, fileLengths) {
				state = NotDone
				cannotExist = true
			}
		}
		switch {
		case state == Done:
			h.state.SetDone(i, true)
			continue
		case state == NotDone && !recheckAll:
			continue
		case cannotExist:
			h.state.SetDone(i, false)
			continue
		case state == RecheckRequired || !valid:
		default:
			continue
		}
		if err := pass.admit(waitCtx); err != nil {
			h.checkInterrupted.Store(true)
			break
		}
		pass.check(ctx, i)
	}
	pass.wg.Wait()

	if len(pass.failed) != 0 && !stopped() {
		if pass.reconcileMisplaced(ctx, waitCtx) {
			h.checkInterrupted.Store(true)
		}
	}

	h.state.applyBlocks(blocks)
	h.checkInProgress.Store(false)
	span.SetAttributes(
		attribute.Int("pieces_done", h.state.NumDone()),
		attribute.Bool("interrupted", h.checkInterrupted.Load()),
	)
	if stopped() || wasComplete {
		return
	}
	if err := h.SaveResumeData(ctx, false); err != nil {
		h.logger.Levelf(log.Warning, "saving resume data after check: %v", err)
	}
}

// Returns false if a file of the piece is missing or too short to hold its part.
func (h *Handler) piecesFilesLongEnough(piece int, lengths map[*storage.FileInfo]int64) bool {
	for _, frag := range h.layout.Piece(piece) {
		length, ok := lengths[frag.File]
		if !ok {
			length = -1
			if frag.File.File != nil {
				l, err := frag.File.File.Length()
				if err == nil {
					length = l
				} else {
					h.logger.Levelf(log.Debug, "getting length of %q: %v", frag.File.Path, err)
				}
			}
			lengths[frag.File] = length
		}
		if length == -1 {
			return false
		}
		if length < frag.Offset+frag.Length {
			if length > 0 {
				h.logger.Levelf(log.Debug,
					"piece %v: %q is too short (%v < %v)", piece, frag.File.Path, length, frag.Offset+frag.Length)
			}
			return false
		}
	}
	return true
}

// Persists the current piece states. Interim saves are never trusted as valid on the next start,
// and are skipped while a check pass is running.
func (h *Handler) SaveResumeData(ctx context.Context, interim bool) (err error) {
	if interim && h.checkInProgress.Load() {
		return nil
	}
	_, span := tracer.Start(ctx, "SaveResumeData", trace.WithAttributes(attribute.Bool("interim", interim)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	numPieces := h.layout.NumPieces()
	stored, raw, err := h.store.load(h.logger)
	if err != nil {
		return
	}
	wasComplete := stored.Ok && stored.Value.IsComplete(numPieces)
	interrupted := h.checkInterrupted.Load()
	if wasComplete && interrupted {
		return nil
	}
	forceFrom := numPieces
	if h.stoppedForClose.Load() && interrupted && h.checkIsFullCheck.Load() {
		forceFrom = int(h.checkPosition.Load())
	}
	snap := Snapshot{
		Pieces: make([]PieceState, numPieces),
		Blocks: make(map[int]*roaring.Bitmap),
	}
	for i := range numPieces {
		done, written := h.state.piece(i)
		numWritten := 0
		if written != nil {
			numWritten = int(written.GetCardinality())
		}
		switch {
		case i >= forceFrom:
			snap.Pieces[i] = RecheckRequired
		case done:
			snap.Pieces[i] = Done
		case numWritten > 0:
			snap.Pieces[i] = Started
		default:
			snap.Pieces[i] = NotDone
		}
		if done || numWritten == 0 {
			continue
		}
		if numWritten == h.layout.NumBlocks(i) {
			snap.Pieces[i] = RecheckRequired
		} else {
			snap.Blocks[i] = written
		}
	}
	switch {
	case interrupted:
		snap.Valid = h.checkResumeWasValid.Load()
	case interim:
		snap.Valid = false
	default:
		snap.Valid = true
	}
	err = h.layout.FlushAll()
	if err != nil {
		err = fmt.Errorf("flushing files: %w", err)
		return
	}
	if wasComplete && snap.IsComplete(numPieces) {
		return nil
	}
	b, err := EncodeSnapshot(snap)
	if err != nil {
		return
	}
	if bytes.Equal(b, raw) {
		return nil
	}
	return h.store.SetResumeData(b)
}

// State shared by the checks of one pass.
type checkPass struct {
	h            *Handler
	forceRecheck bool
	inst         *recheck.Instance
	wg           sync.WaitGroup
	reportOnce   sync.Once

	mu     sync.Mutex
	failed []*checker.CheckRequest
}

func (me *checkPass) admit(ctx context.Context) error {
	if me.inst == nil {
		me.inst = me.h.rechecks.Register(me.h, false)
	}
	me.inst.ReserveSlot()
	return me.inst.WaitPermission(ctx)
}

func (me *checkPass) check(ctx context.Context, piece int) {
	me.wg.Add(1)
	me.h.checker.EnqueueCheckRequest(ctx, &checker.CheckRequest{
		Piece:       piece,
		LowPriority: true,
	}, me)
}

func (me *checkPass) complete() {
	me.inst.ReleaseSlot()
	me.wg.Done()
}

func (me *checkPass) CheckCompleted(req *checker.CheckRequest, passed bool) {
	me.h.state.SetDone(req.Piece, passed)
	if !passed {
		me.mu.Lock()
		me.failed = append(me.failed, req)
		me.mu.Unlock()
	}
	me.complete()
}

func (me *checkPass) CheckCancelled(req *checker.CheckRequest) {
	me.complete()
}

func (me *checkPass) CheckFailed(req *checker.CheckRequest, err error) {
	me.h.state.SetDone(req.Piece, false)
	me.h.logger.Levelf(log.Debug, "checking piece %v: %v", req.Piece, err)
	if me.forceRecheck {
		me.reportOnce.Do(func() {
			me.h.onCheckError(fmt.Errorf("piece %v: %w", req.Piece, err))
		})
	}
	me.complete()
}

// Looks for failed pieces whose data belongs to another piece, and moves it there. Returns true
// if it was stopped.
func (me *checkPass) reconcileMisplaced(ctx, waitCtx context.Context) (interrupted bool) {
	h := me.h
	byHash := make(map[metainfo.Hash]int, h.layout.NumPieces())
	for i := range h.layout.NumPieces() {
		hash := h.checker.Hash(i)
		if _, ok := byHash[hash]; !ok {
			byHash[hash] = i
		}
	}
	for _, req := range me.failed {
		if h.stopped.Load() || waitCtx.Err() != nil {
			return true
		}
		if !req.Hash.Ok {
			continue
		}
		target, ok := byHash[req.Hash.Value]
		if !ok || target == req.Piece {
			continue
		}
		if err := me.admit(waitCtx); err != nil {
			return true
		}
		if err := h.movePiece(ctx, req.Piece, target); err != nil {
			h.logger.Levelf(log.Warning, "moving data of piece %v to %v: %v", req.Piece, target, err)
		}
		me.inst.ReleaseSlot()
	}
	return false
}

// Copies the data of from to to, if to is a different piece of the same size that isn't done,
// then checks to.
func (h *Handler) movePiece(ctx context.Context, from, to int) error {
	if to == from || h.layout.PieceSize(to) != h.layout.PieceSize(from) || h.state.IsDone(to) {
		return nil
	}
	buf, err := h.readPiece(ctx, from)
	if err != nil {
		return err
	}
	defer h.c.Buffers().Put(buf)
	err = h.writePiece(ctx, to, buf)
	if err != nil {
		return err
	}
	passed, err := h.checkNow(ctx, to)
	if err != nil {
		return err
	}
	h.state.SetDone(to, passed)
	if passed {
		h.logger.Levelf(log.Info, "moved misplaced data of piece %v to piece %v", from, to)
	}
	return nil
}

func (h *Handler) readPiece(ctx context.Context, piece int) (buf []byte, err error) {
	buf, err = h.c.Buffers().Get(ctx, int(h.layout.PieceSize(piece)))
	if err != nil {
		return
	}
	off := 0
	for _, frag := range h.layout.Piece(piece) {
		b := buf[off : off+int(frag.Length)]
		err = h.c.Read(ctx, frag.File.File, frag.Offset, b, storage.CacheNone, g.Some(-1))
		if err != nil {
			h.c.Buffers().Put(buf)
			return nil, fmt.Errorf("reading piece %v from %q: %w", piece, frag.File.Path, err)
		}
		off += len(b)
	}
	return
}

func (h *Handler) writePiece(ctx context.Context, piece int, data []byte) error {
	off := 0
	for _, frag := range h.layout.Piece(piece) {
		b := data[off : off+int(frag.Length)]
		err := h.c.Write(ctx, frag.File.File, frag.Offset, b, g.Some(-1))
		if err != nil {
			return fmt.Errorf("writing piece %v to %q: %w", piece, frag.File.Path, err)
		}
		off += len(b)
	}
	return nil
}

type checkResult struct {
	passed bool
	err    error
}

type chanCheckListener chan checkResult

func (me chanCheckListener) CheckCompleted(req *checker.CheckRequest, passed bool) {
	me <- checkResult{passed: passed}
}

func (me chanCheckListener) CheckCancelled(req *checker.CheckRequest) {
	me <- checkResult{err: context.Canceled}
}

func (me chanCheckListener) CheckFailed(req *checker.CheckRequest, err error) {
	me <- checkResult{err: err}
}

// Checks a piece and waits for the result.
func (h *Handler) checkNow(ctx context.Context, piece int) (bool, error) {
	ch := make(chanCheckListener, 1)
	h.checker.EnqueueCheckRequest(ctx, &checker.CheckRequest{Piece: piece, LowPriority: true}, ch)
	r := <-ch
	return r.passed, r.err
}
