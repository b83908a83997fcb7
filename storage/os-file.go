package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
)

// A File backed by a file in the OS filesystem. The handle is opened on first use and held until
// Close.
type OSFile struct {
	infoHash metainfo.Hash
	path     string

	mu sync.Mutex
	f  *os.File
	// f was opened read-only.
	readOnly bool
	// Read-only handles replaced by a writable one. Readers may still be using them.
	replaced []*os.File
	// Written since the last flush.
	dirty bool
}

var (
	_ File      = (*OSFile)(nil)
	_ BatchFile = (*OSFile)(nil)
)

func NewOSFile(infoHash metainfo.Hash, path string) *OSFile {
	return &OSFile{
		infoHash: infoHash,
		path:     path,
	}
}

func (me *OSFile) InfoHash() metainfo.Hash {
	return me.infoHash
}

func (me *OSFile) Path() string {
	return me.path
}

func (me *OSFile) String() string {
	return me.path
}

// Returns the open handle, opening it if necessary. Missing files are only created for writing.
func (me *OSFile) handle(forWrite bool) (*os.File, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.f != nil && !(forWrite && me.readOnly) {
		return me.f, nil
	}
	f, readOnly, err := openFileExtra(me.path, forWrite)
	if err != nil {
		return nil, err
	}
	if me.f != nil {
		me.replaced = append(me.replaced, me.f)
	}
	me.f = f
	me.readOnly = readOnly
	return f, nil
}

func (me *OSFile) Length() (int64, error) {
	me.mu.Lock()
	f := me.f
	me.mu.Unlock()
	var (
		fi  os.FileInfo
		err error
	)
	if f != nil {
		fi, err = f.Stat()
	} else {
		fi, err = os.Stat(me.path)
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (me *OSFile) ReadAt(b []byte, off int64, cp CachePolicy) (n int, err error) {
	f, err := me.handle(false)
	if err != nil {
		return
	}
	if cp.Has(CacheFlush) {
		err = me.Flush()
		if err != nil {
			return
		}
	}
	n, err = f.ReadAt(b, off)
	if n == len(b) {
		err = nil
	} else if errors.Is(err, io.EOF) {
		err = fmt.Errorf("reading %v bytes at %v from %q: %w", len(b), off, me.path, io.ErrUnexpectedEOF)
	}
	if err == nil && !cp.Has(CacheRead) {
		// Purely advisory.
		_ = dropCache(f, off, int64(n))
	}
	return
}

func (me *OSFile) WriteAt(b []byte, off int64) (n int, err error) {
	f, err := me.handle(true)
	if err != nil {
		return
	}
	n, err = f.WriteAt(b, off)
	me.markDirty()
	return
}

func (me *OSFile) markDirty() {
	me.mu.Lock()
	me.dirty = true
	me.mu.Unlock()
}

func (me *OSFile) ReadBatch(bufs [][]byte, off int64, cp CachePolicy) error {
	f, err := me.handle(false)
	if err != nil {
		return &BatchError{0, err}
	}
	if cp.Has(CacheFlush) {
		err = me.Flush()
		if err != nil {
			return &BatchError{0, err}
		}
	}
	err = vectoredIo(bufs, off, func(iovs [][]byte, off int64) (int, error) {
		return preadv(f, iovs, off)
	})
	if err == nil && !cp.Has(CacheRead) {
		var total int64
		for _, b := range bufs {
			total += int64(len(b))
		}
		_ = dropCache(f, off, total)
	}
	return err
}

func (me *OSFile) WriteBatch(bufs [][]byte, off int64) error {
	f, err := me.handle(true)
	if err != nil {
		return &BatchError{0, err}
	}
	defer me.markDirty()
	return vectoredIo(bufs, off, func(iovs [][]byte, off int64) (int, error) {
		return pwritev(f, iovs, off)
	})
}

func (me *OSFile) Flush() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.f == nil || !me.dirty {
		return nil
	}
	err := me.f.Sync()
	if err == nil {
		me.dirty = false
	}
	return err
}

func (me *OSFile) IsOpen() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.f != nil
}

// Flushes and releases the handle. The file will be reopened if used again.
func (me *OSFile) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.f == nil {
		return nil
	}
	var err error
	if me.dirty {
		err = me.f.Sync()
	}
	err = errors.Join(err, me.f.Close())
	for _, f := range me.replaced {
		err = errors.Join(err, f.Close())
	}
	me.f = nil
	me.readOnly = false
	me.replaced = nil
	me.dirty = false
	return err
}
