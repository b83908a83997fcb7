//go:build !linux

package storage

import (
	"io"
	"os"
)

func preadv(f *os.File, iovs [][]byte, off int64) (n int, err error) {
	for _, b := range iovs {
		var m int
		m, err = f.ReadAt(b, off)
		n += m
		off += int64(m)
		if m == len(b) {
			err = nil
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return
		}
	}
	return
}

func pwritev(f *os.File, iovs [][]byte, off int64) (n int, err error) {
	for _, b := range iovs {
		var m int
		m, err = f.WriteAt(b, off)
		n += m
		off += int64(m)
		if err != nil {
			return
		}
	}
	return
}

func dropCache(f *os.File, off, n int64) error {
	return nil
}
