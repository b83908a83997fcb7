package storage

import (
	"strings"
)

// Hints for how a read should interact with any caching done by the File.
type CachePolicy uint8

const (
	// The data may be served from, and retained in, a cache.
	CacheRead CachePolicy = 1 << iota
	// Pending writes covering the range must be flushed before reading.
	CacheFlush

	CacheNone CachePolicy = 0
)

func (cp CachePolicy) Has(other CachePolicy) bool {
	return cp&other == other
}

func (cp CachePolicy) String() string {
	if cp == CacheNone {
		return "none"
	}
	var parts []string
	if cp.Has(CacheRead) {
		parts = append(parts, "read")
	}
	if cp.Has(CacheFlush) {
		parts = append(parts, "flush")
	}
	return strings.Join(parts, "|")
}
