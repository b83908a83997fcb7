package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout() *Layout {
	return NewLayout(10, []*FileInfo{
		{Path: "a", Length: 15},
		{Path: "empty", Length: 0},
		{Path: "b", Length: 5},
		{Path: "c", Length: 12},
	})
}

func TestLayoutPieces(t *testing.T) {
	l := testLayout()
	require.EqualValues(t, 32, l.TotalLength)
	require.Equal(t, 4, l.NumPieces())
	assert.EqualValues(t, 2, l.PieceSize(3))
	assert.Equal(t, 1, l.NumBlocks(3))

	a, empty, b, c := l.Files[0], l.Files[1], l.Files[2], l.Files[3]
	assert.Equal(t, []int{0, 1}, []int{a.FirstPiece, a.LastPiece})
	assert.Equal(t, []int{1, 1}, []int{empty.FirstPiece, empty.LastPiece})
	assert.Equal(t, []int{1, 1}, []int{b.FirstPiece, b.LastPiece})
	assert.Equal(t, []int{2, 3}, []int{c.FirstPiece, c.LastPiece})

	assert.Equal(t, []Fragment{
		{File: a, Offset: 10, Length: 5},
		{File: b, Offset: 0, Length: 5},
	}, l.Piece(1))
	assert.Equal(t, []Fragment{
		{File: c, Offset: 0, Length: 10},
	}, l.Piece(2))
	assert.Equal(t, []Fragment{
		{File: c, Offset: 10, Length: 2},
	}, l.Piece(3))
}

func TestLayoutPieceFiles(t *testing.T) {
	l := testLayout()
	var names []string
	l.PieceFiles(1, func(fi *FileInfo) bool {
		names = append(names, fi.Path)
		return true
	})
	assert.Equal(t, []string{"a", "empty", "b"}, names)
	names = nil
	l.PieceFiles(2, func(fi *FileInfo) bool {
		names = append(names, fi.Path)
		return true
	})
	assert.Equal(t, []string{"c"}, names)
	assert.Equal(t, 3, l.FirstFileWithPiece(3))
}
