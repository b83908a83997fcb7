package resume

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/diskio/storage"
)

// In-memory completion of a download's pieces: which are done, and which blocks of the others
// have been written.
type State struct {
	layout *storage.Layout

	mu      sync.RWMutex
	done    roaring.Bitmap
	written map[int]*roaring.Bitmap
}

func NewState(layout *storage.Layout) *State {
	return &State{
		layout:  layout,
		written: make(map[int]*roaring.Bitmap),
	}
}

func (s *State) NumPieces() int {
	return s.layout.NumPieces()
}

func (s *State) checkPiece(piece int) {
	panicif.True(piece < 0 || piece >= s.layout.NumPieces())
}

// Marks the piece done or not. Either way its written blocks are forgotten.
func (s *State) SetDone(piece int, done bool) {
	s.checkPiece(piece)
	s.mu.Lock()
	defer s.mu.Unlock()
	if done {
		s.done.Add(uint32(piece))
	} else {
		s.done.Remove(uint32(piece))
	}
	delete(s.written, piece)
}

func (s *State) IsDone(piece int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done.Contains(uint32(piece))
}

func (s *State) NumDone() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.done.GetCardinality())
}

func (s *State) AllDone() bool {
	return s.NumDone() == s.NumPieces()
}

// Records a block of a piece that isn't done as written.
func (s *State) SetBlockWritten(piece, block int) {
	s.checkPiece(piece)
	panicif.True(block < 0 || block >= s.layout.NumBlocks(piece))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.Contains(uint32(piece)) {
		return
	}
	bm := s.written[piece]
	if bm == nil {
		bm = roaring.New()
		s.written[piece] = bm
	}
	bm.Add(uint32(block))
}

func (s *State) NumBlocksWritten(piece int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bm := s.written[piece]; bm != nil {
		return int(bm.GetCardinality())
	}
	return 0
}

// A copy of the written blocks of the piece.
func (s *State) BlocksWritten(piece int) *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bm := s.written[piece]; bm != nil {
		return bm.Clone()
	}
	return roaring.New()
}

// The piece's completion and a copy of its written blocks, read together.
func (s *State) piece(piece int) (done bool, written *roaring.Bitmap) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	done = s.done.Contains(uint32(piece))
	if bm := s.written[piece]; bm != nil {
		written = bm.Clone()
	}
	return
}

// Marks stored written blocks of pieces that aren't done. Out of range entries are ignored.
func (s *State) applyBlocks(blocks map[int]*roaring.Bitmap) {
	for piece, bm := range blocks {
		if piece >= s.NumPieces() || s.IsDone(piece) {
			continue
		}
		numBlocks := s.layout.NumBlocks(piece)
		for _, b := range bm.ToArray() {
			if int(b) < numBlocks {
				s.SetBlockWritten(piece, int(b))
			}
		}
	}
}

// Forgets everything.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done.Clear()
	clear(s.written)
}
