package segments

import (
	"iter"
	"sort"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
)

// Lays segments end to end in the order given, typically the files of a torrent.
func NewIndex(lengths LengthIter) (ret Index) {
	var start Length
	for l := range lengths {
		panicif.True(l < 0)
		ret.segments = append(ret.segments, Extent{start, l})
		start += l
	}
	return
}

// Segments sorted by Start that don't overlap. There may be gaps between them.
type Index struct {
	segments []Extent
}

func NewIndexFromSegments(segments []Extent) Index {
	for i := 1; i < len(segments); i++ {
		panicif.True(segments[i].Start < segments[i-1].End())
	}
	return Index{segments}
}

func (me Index) Len() int {
	return len(me.segments)
}

func (me Index) Index(i int) Extent {
	return me.segments[i]
}

// The total span of the index, including any gaps.
func (me Index) End() Int {
	if len(me.segments) == 0 {
		return 0
	}
	return me.segments[len(me.segments)-1].End()
}

// Yields each segment overlapping e, with the overlap relative to the start of that segment.
// Zero-length segments never overlap anything.
func (me Index) LocateIter(e Extent) iter.Seq2[int, Extent] {
	return func(yield func(int, Extent) bool) {
		first := sort.Search(len(me.segments), func(i int) bool {
			return me.segments[i].End() > e.Start
		})
		for i := first; i < len(me.segments); i++ {
			s := me.segments[i]
			if s.Start >= e.End() {
				return
			}
			overlap := s.Intersect(e)
			if overlap.Length == 0 {
				continue
			}
			overlap.Start -= s.Start
			if !yield(i, overlap) {
				return
			}
		}
	}
}

// Returns true if the callback returns false early, or every byte of e is found in the index.
func (me Index) Locate(e Extent, output Callback) bool {
	var covered Int
	for i, overlap := range me.LocateIter(e) {
		if !output(i, overlap) {
			return true
		}
		covered += overlap.Length
	}
	return covered == e.Length
}

type IndexAndOffset struct {
	Index  int
	Offset int64
}

// Returns the segment containing the byte at off, if any.
func (me Index) LocateOffset(off int64) (ret g.Option[IndexAndOffset]) {
	for i, e := range me.LocateIter(Extent{off, 1}) {
		panicif.True(ret.Ok)
		panicif.NotEq(e.Length, 1)
		ret.Set(IndexAndOffset{
			Index:  i,
			Offset: e.Start,
		})
	}
	return
}
