package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	filePerm os.FileMode = 0o644
	dirPerm  os.FileMode = 0o755
)

// Opens a file for reading and writing. If create is set, missing directories are created and
// permissions fixed as necessary. Otherwise a file that can't be written is opened read-only.
func openFileExtra(p string, create bool) (f *os.File, readOnly bool, err error) {
	flag := os.O_RDWR
	if !create {
		f, err = os.OpenFile(p, flag, filePerm)
		if errors.Is(err, fs.ErrPermission) {
			f, err = os.Open(p)
			readOnly = err == nil
		}
		return
	}
	flag |= os.O_CREATE
	f, err = os.OpenFile(p, flag, filePerm)
	if err == nil {
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		err = os.MkdirAll(filepath.Dir(p), dirPerm)
		if err != nil {
			return
		}
	} else if errors.Is(err, fs.ErrPermission) {
		err = os.Chmod(p, filePerm)
		if err != nil {
			return
		}
	} else {
		return
	}
	f, err = os.OpenFile(p, flag, filePerm)
	return
}

// Transfers consecutive buffers starting at off with op, which may transfer less than asked. On
// failure returns a *BatchError indexing the first buffer that wasn't transferred in full.
func vectoredIo(bufs [][]byte, off int64, op func(iovs [][]byte, off int64) (int, error)) error {
	i := 0
	// Bytes of bufs[i] already transferred.
	partial := 0
	skipDone := func() {
		for i < len(bufs) && partial == len(bufs[i]) {
			i++
			partial = 0
		}
	}
	skipDone()
	for i < len(bufs) {
		iovs := make([][]byte, 0, len(bufs)-i)
		iovs = append(iovs, bufs[i][partial:])
		iovs = append(iovs, bufs[i+1:]...)
		n, err := op(iovs, off)
		if err == nil && n == 0 {
			err = io.ErrUnexpectedEOF
		}
		off += int64(n)
		for n > 0 {
			take := min(n, len(bufs[i])-partial)
			partial += take
			n -= take
			skipDone()
		}
		if i == len(bufs) {
			break
		}
		if err != nil {
			return &BatchError{i, err}
		}
	}
	return nil
}
