package storage

import (
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
)

// A File held in memory. Useful for tests and for data that doesn't need to survive the process.
type MemoryFile struct {
	infoHash metainfo.Hash
	name     string

	mu      sync.RWMutex
	data    []byte
	missing bool
	flushes int
}

var _ File = (*MemoryFile)(nil)

// Returns a zero-filled file of the given length.
func NewMemoryFile(infoHash metainfo.Hash, name string, length int64) *MemoryFile {
	return &MemoryFile{
		infoHash: infoHash,
		name:     name,
		data:     make([]byte, length),
	}
}

// Returns a file that doesn't exist until it's written to.
func NewMissingMemoryFile(infoHash metainfo.Hash, name string) *MemoryFile {
	return &MemoryFile{
		infoHash: infoHash,
		name:     name,
		missing:  true,
	}
}

func (me *MemoryFile) String() string {
	return me.name
}

func (me *MemoryFile) InfoHash() metainfo.Hash {
	return me.infoHash
}

func (me *MemoryFile) Length() (int64, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.missing {
		return 0, fmt.Errorf("memory file %q: %w", me.name, fs.ErrNotExist)
	}
	return int64(len(me.data)), nil
}

func (me *MemoryFile) ReadAt(b []byte, off int64, _ CachePolicy) (int, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.missing {
		return 0, fmt.Errorf("memory file %q: %w", me.name, fs.ErrNotExist)
	}
	if off < 0 || off > int64(len(me.data)) {
		return 0, fmt.Errorf("reading %q at %v: %w", me.name, off, io.ErrUnexpectedEOF)
	}
	n := copy(b, me.data[off:])
	if n < len(b) {
		return n, fmt.Errorf("reading %q at %v: %w", me.name, off, io.ErrUnexpectedEOF)
	}
	return n, nil
}

func (me *MemoryFile) WriteAt(b []byte, off int64) (int, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.missing = false
	if end := off + int64(len(b)); end > int64(len(me.data)) {
		me.data = append(me.data, make([]byte, end-int64(len(me.data)))...)
	}
	return copy(me.data[off:], b), nil
}

func (me *MemoryFile) Flush() error {
	me.mu.Lock()
	me.flushes++
	me.mu.Unlock()
	return nil
}

// The number of times Flush has been called.
func (me *MemoryFile) Flushes() int {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.flushes
}

func (me *MemoryFile) IsOpen() bool {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return !me.missing
}

// Changes the length of the file, as if it had been truncated or extended outside our control.
func (me *MemoryFile) Truncate(length int64) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if length <= int64(len(me.data)) {
		me.data = me.data[:length]
	} else {
		me.data = append(me.data, make([]byte, length-int64(len(me.data)))...)
	}
}

// Deletes the file, as if removed outside our control.
func (me *MemoryFile) Remove() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.missing = true
	me.data = nil
}

// Returns a copy of the file contents.
func (me *MemoryFile) Bytes() []byte {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return append([]byte(nil), me.data...)
}
