package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent/metainfo"
)

func TestOSFileReadMissing(t *testing.T) {
	f := NewOSFile(metainfo.Hash{}, filepath.Join(t.TempDir(), "nope"))
	_, err := f.ReadAt(make([]byte, 1), 0, CacheRead)
	qt.Assert(t, qt.ErrorIs(err, fs.ErrNotExist))
	qt.Assert(t, qt.IsFalse(f.IsOpen()))
	_, err = f.Length()
	qt.Assert(t, qt.ErrorIs(err, fs.ErrNotExist))
}

func TestOSFileWriteCreatesDirs(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a", "b", "c")
	f := NewOSFile(metainfo.Hash{1}, p)
	defer f.Close()
	n, err := f.WriteAt([]byte("hello"), 3)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, f.IsOpen())
	l, err := f.Length()
	require.NoError(t, err)
	assert.EqualValues(t, 8, l)
	require.NoError(t, f.Flush())
	b := make([]byte, 5)
	_, err = f.ReadAt(b, 3, CacheFlush)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	require.NoError(t, f.Close())
	assert.False(t, f.IsOpen())
	l, err = f.Length()
	require.NoError(t, err)
	assert.EqualValues(t, 8, l)
}

func TestOSFileShortRead(t *testing.T) {
	p := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(p, []byte("ab"), 0o644))
	f := NewOSFile(metainfo.Hash{}, p)
	defer f.Close()
	n, err := f.ReadAt(make([]byte, 4), 0, CacheNone)
	assert.Equal(t, 2, n)
	qt.Assert(t, qt.ErrorIs(err, io.ErrUnexpectedEOF))
}

func TestOSFileBatch(t *testing.T) {
	p := filepath.Join(t.TempDir(), "batch")
	f := NewOSFile(metainfo.Hash{}, p)
	defer f.Close()
	require.NoError(t, f.WriteBatch([][]byte{[]byte("abc"), nil, []byte("defg")}, 1))
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "\x00abcdefg", string(got))

	bufs := [][]byte{make([]byte, 2), make([]byte, 3), make([]byte, 2)}
	require.NoError(t, f.ReadBatch(bufs, 1, CacheRead))
	assert.Equal(t, "ab", string(bufs[0]))
	assert.Equal(t, "cde", string(bufs[1]))
	assert.Equal(t, "fg", string(bufs[2]))

	// The third buffer runs off the end of the file.
	bufs[2] = make([]byte, 3)
	err = f.ReadBatch(bufs, 1, CacheRead)
	var be *BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 2, be.FailIndex)
	assert.Equal(t, "ab", string(bufs[0]))
	assert.Equal(t, "cde", string(bufs[1]))
}

func TestVectoredIoPartialTransfers(t *testing.T) {
	src := []byte("0123456789")
	// Transfers at most 3 bytes per call.
	op := func(iovs [][]byte, off int64) (n int, err error) {
		for _, iov := range iovs {
			for i := range iov {
				if n == 3 || off+int64(n) >= int64(len(src)) {
					if n == 0 {
						return 0, io.EOF
					}
					return
				}
				iov[i] = src[off+int64(n)]
				n++
			}
		}
		return
	}
	bufs := [][]byte{make([]byte, 4), make([]byte, 1), make([]byte, 4)}
	require.NoError(t, vectoredIo(bufs, 1, op))
	assert.Equal(t, "1234", string(bufs[0]))
	assert.Equal(t, "5", string(bufs[1]))
	assert.Equal(t, "6789", string(bufs[2]))

	bufs = [][]byte{make([]byte, 4), make([]byte, 4)}
	err := vectoredIo(bufs, 4, op)
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.FailIndex)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "4567", string(bufs[0]))
}

func TestOSFileReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file modes don't apply to root")
	}
	p := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.WriteFile(p, []byte("seeded"), 0o444))
	f := NewOSFile(metainfo.Hash{}, p)
	defer f.Close()
	b := make([]byte, 6)
	_, err := f.ReadAt(b, 0, CacheRead)
	require.NoError(t, err)
	assert.Equal(t, "seeded", string(b))
	qt.Assert(t, qt.IsTrue(f.IsOpen()))

	// Writing reopens the file, fixing its permissions.
	_, err = f.WriteAt([]byte("S"), 0)
	require.NoError(t, err)
	_, err = f.ReadAt(b, 0, CacheFlush)
	require.NoError(t, err)
	assert.Equal(t, "Seeded", string(b))
	require.NoError(t, f.Close())
}
