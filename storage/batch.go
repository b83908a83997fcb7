package storage

import (
	"fmt"
)

// Returned by batched I/O. Buffers before FailIndex were transferred in full, the buffer at
// FailIndex and everything after it were not.
type BatchError struct {
	FailIndex int
	Err       error
}

func (me *BatchError) Error() string {
	return fmt.Sprintf("batch failed at buffer %v: %v", me.FailIndex, me.Err)
}

func (me *BatchError) Unwrap() error {
	return me.Err
}

// Reads consecutive buffers from f starting at off, using f's batch implementation if it has one.
func ReadBatch(f File, bufs [][]byte, off int64, cp CachePolicy) error {
	if bf, ok := f.(BatchFile); ok {
		return bf.ReadBatch(bufs, off, cp)
	}
	for i, b := range bufs {
		_, err := f.ReadAt(b, off, cp)
		if err != nil {
			return &BatchError{i, err}
		}
		off += int64(len(b))
	}
	return nil
}

// Writes consecutive buffers to f starting at off, using f's batch implementation if it has one.
func WriteBatch(f File, bufs [][]byte, off int64) error {
	if bf, ok := f.(BatchFile); ok {
		return bf.WriteBatch(bufs, off)
	}
	for i, b := range bufs {
		_, err := f.WriteAt(b, off)
		if err != nil {
			return &BatchError{i, err}
		}
		off += int64(len(b))
	}
	return nil
}
