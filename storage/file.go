// Package storage describes the files that torrent data is read from and written to, and how
// pieces map onto them.
package storage

import (
	"github.com/anacrolix/torrent/metainfo"
)

// A file belonging to a torrent. Implementations must be safe for concurrent use.
type File interface {
	// Identifies the torrent the file belongs to. Requests are scheduled per torrent.
	InfoHash() metainfo.Hash
	// The current length of the file on disk. Returns an error satisfying errors.Is(err,
	// fs.ErrNotExist) if the file is missing.
	Length() (int64, error)
	// Reads len(b) bytes at off. A short read is an error.
	ReadAt(b []byte, off int64, cp CachePolicy) (n int, err error)
	WriteAt(b []byte, off int64) (n int, err error)
	// Flushes written data so that it is durable.
	Flush() error
	// Whether the file currently holds resources, such as an OS handle.
	IsOpen() bool
}

// Optionally implemented by Files that can do consecutive I/O over several buffers more
// efficiently than one buffer at a time. Failures are reported with a *BatchError.
type BatchFile interface {
	ReadBatch(bufs [][]byte, off int64, cp CachePolicy) error
	WriteBatch(bufs [][]byte, off int64) error
}
