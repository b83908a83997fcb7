package segments

import (
	"iter"
)

type Int = int64

type Length = Int

// A run of bytes at an offset.
type Extent struct {
	Start, Length Int
}

func (e Extent) End() Int {
	return e.Start + e.Length
}

// Returns the part of e that overlaps other, which may have zero length.
func (e Extent) Intersect(other Extent) (ret Extent) {
	ret.Start = max(e.Start, other.Start)
	ret.Length = max(min(e.End(), other.End())-ret.Start, 0)
	return
}

type (
	Callback   = func(segmentIndex int, segmentBounds Extent) bool
	LengthIter = iter.Seq[Length]
)

func LengthIterFromSlice(ls []Length) LengthIter {
	return func(yield func(Length) bool) {
		for _, l := range ls {
			if !yield(l) {
				return
			}
		}
	}
}
