package resume

import (
	"maps"

	"github.com/RoaringBitmap/roaring"
)

// The persisted resume state of a download.
type Snapshot struct {
	Pieces []PieceState
	// Written blocks of pieces that aren't done, by piece. Nil if the stored data had no block
	// list, which is never complete.
	Blocks map[int]*roaring.Bitmap
	Valid  bool
}

// A snapshot that can be trusted without checking anything: valid, every piece done and no
// partial pieces.
func (s *Snapshot) IsComplete(numPieces int) bool {
	if s.Blocks == nil || len(s.Blocks) != 0 {
		return false
	}
	if !s.Valid || len(s.Pieces) != numPieces {
		return false
	}
	for _, ps := range s.Pieces {
		if ps != Done {
			return false
		}
	}
	return true
}

func (s *Snapshot) Clone() (ret Snapshot) {
	ret.Pieces = append([]PieceState(nil), s.Pieces...)
	if s.Blocks != nil {
		ret.Blocks = maps.Clone(s.Blocks)
		for k, v := range ret.Blocks {
			ret.Blocks[k] = v.Clone()
		}
	}
	ret.Valid = s.Valid
	return
}

// Removes block lists for pieces in [first, last].
func (s *Snapshot) clearBlocks(first, last int) {
	for k := range s.Blocks {
		if k >= first && k <= last {
			delete(s.Blocks, k)
		}
	}
}
