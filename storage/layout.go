package storage

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/diskio/segments"
)

// Partial piece progress is tracked in units of this size.
const BlockSize = 1 << 14

// How a file's data is laid out on disk. Compact storage only keeps the pieces a skipped file
// shares with its neighbours, and so doesn't have the full file length.
type StorageType uint8

const (
	StorageLinear StorageType = iota
	StorageCompact
	StorageReorder
	StorageReorderCompact
)

func (st StorageType) IsCompact() bool {
	return st == StorageCompact || st == StorageReorderCompact
}

func (st StorageType) IsReorder() bool {
	return st == StorageReorder || st == StorageReorderCompact
}

func (st StorageType) String() string {
	switch st {
	case StorageLinear:
		return "linear"
	case StorageCompact:
		return "compact"
	case StorageReorder:
		return "reorder"
	case StorageReorderCompact:
		return "reorder-compact"
	}
	return fmt.Sprintf("StorageType(%d)", uint8(st))
}

// A file of a torrent, and where it sits in the torrent's piece space.
type FileInfo struct {
	Index int
	Path  string
	// Offset of the file's first byte in the torrent.
	Offset int64
	Length int64
	// Pieces the file has bytes in. Zero-length files are given the piece at their offset.
	FirstPiece, LastPiece int
	// Not wanted by the user.
	Skipped     bool
	StorageType StorageType
	File        File
}

func (fi *FileInfo) String() string {
	return fi.Path
}

func (fi *FileInfo) extent() segments.Extent {
	return segments.Extent{Start: fi.Offset, Length: fi.Length}
}

// Part of a piece that lies in one file.
type Fragment struct {
	File *FileInfo
	// Offset within the file.
	Offset int64
	Length int64
}

// Maps pieces to the file fragments they cover.
type Layout struct {
	PieceLength int64
	TotalLength int64
	Files       []*FileInfo
	index       segments.Index
	// Files ordered by LastPiece, for finding the files of a piece.
	byLastPiece []*FileInfo
}

// Lays files end to end, filling in Index, Offset, FirstPiece and LastPiece.
func NewLayout(pieceLength int64, files []*FileInfo) *Layout {
	panicif.True(pieceLength <= 0)
	l := &Layout{
		PieceLength: pieceLength,
		Files:       files,
	}
	for i, fi := range files {
		fi.Index = i
		fi.Offset = l.TotalLength
		l.TotalLength += fi.Length
	}
	numPieces := l.NumPieces()
	for _, fi := range files {
		fi.FirstPiece = int(fi.Offset / pieceLength)
		if fi.Length == 0 {
			fi.LastPiece = fi.FirstPiece
		} else {
			fi.LastPiece = int((fi.Offset + fi.Length - 1) / pieceLength)
		}
		if numPieces > 0 {
			fi.FirstPiece = min(fi.FirstPiece, numPieces-1)
			fi.LastPiece = min(fi.LastPiece, numPieces-1)
		}
	}
	l.index = segments.NewIndex(func(yield func(segments.Length) bool) {
		for _, fi := range files {
			if !yield(fi.Length) {
				return
			}
		}
	})
	l.byLastPiece = append([]*FileInfo(nil), files...)
	sort.SliceStable(l.byLastPiece, func(i, j int) bool {
		return l.byLastPiece[i].LastPiece < l.byLastPiece[j].LastPiece
	})
	return l
}

// Builds a layout for a torrent's files under dir, backed by OSFiles.
func LayoutFromInfo(info *metainfo.Info, infoHash metainfo.Hash, dir string) *Layout {
	var files []*FileInfo
	for _, fi := range info.UpvertedFiles() {
		parts := []string{dir, info.Name}
		if info.IsDir() {
			parts = append(parts, fi.Path...)
		}
		p := filepath.Join(parts...)
		files = append(files, &FileInfo{
			Path:   p,
			Length: fi.Length,
			File:   NewOSFile(infoHash, p),
		})
	}
	return NewLayout(info.PieceLength, files)
}

func (l *Layout) NumPieces() int {
	return int((l.TotalLength + l.PieceLength - 1) / l.PieceLength)
}

func (l *Layout) PieceExtent(piece int) segments.Extent {
	start := int64(piece) * l.PieceLength
	return segments.Extent{
		Start:  start,
		Length: min(l.PieceLength, l.TotalLength-start),
	}
}

func (l *Layout) PieceSize(piece int) int64 {
	return l.PieceExtent(piece).Length
}

func (l *Layout) NumBlocks(piece int) int {
	return int((l.PieceSize(piece) + BlockSize - 1) / BlockSize)
}

// The fragments of the piece, in order.
func (l *Layout) Piece(piece int) (ret []Fragment) {
	panicif.True(piece < 0 || piece >= l.NumPieces())
	for i, e := range l.index.LocateIter(l.PieceExtent(piece)) {
		ret = append(ret, Fragment{
			File:   l.Files[i],
			Offset: e.Start,
			Length: e.Length,
		})
	}
	return
}

// Returns the position in FilesByLastPiece of the first file whose last piece is at least piece.
func (l *Layout) FirstFileWithPiece(piece int) int {
	return sort.Search(len(l.byLastPiece), func(i int) bool {
		return l.byLastPiece[i].LastPiece >= piece
	})
}

// Files ordered by their last piece.
func (l *Layout) FilesByLastPiece() []*FileInfo {
	return l.byLastPiece
}

// Calls f with each file that has bytes in piece, and zero-length files placed at it.
func (l *Layout) PieceFiles(piece int, f func(*FileInfo) bool) {
	for i := l.FirstFileWithPiece(piece); i < len(l.byLastPiece); i++ {
		fi := l.byLastPiece[i]
		if fi.FirstPiece > piece {
			return
		}
		if !f(fi) {
			return
		}
	}
}

// Flushes every open file. All files are attempted.
func (l *Layout) FlushAll() (err error) {
	for _, fi := range l.Files {
		if fi.File == nil || !fi.File.IsOpen() {
			continue
		}
		if ferr := fi.File.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("flushing %q: %w", fi.Path, ferr)
		}
	}
	return
}
