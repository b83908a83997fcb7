package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

func preadv(f *os.File, iovs [][]byte, off int64) (int, error) {
	return unix.Preadv(int(f.Fd()), iovs, off)
}

func pwritev(f *os.File, iovs [][]byte, off int64) (int, error) {
	return unix.Pwritev(int(f.Fd()), iovs, off)
}

// Tells the kernel the range won't be read again soon.
func dropCache(f *os.File, off, n int64) error {
	return unix.Fadvise(int(f.Fd()), off, n, unix.FADV_DONTNEED)
}
