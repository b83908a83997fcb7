// Package resumestore provides places to keep resume data between runs.
package resumestore

import (
	"os"

	"github.com/anacrolix/log"

	"github.com/anacrolix/diskio/resume"
)

var logger = log.Default.WithNames("resumestore")

var (
	_ resume.Store = (*Bolt)(nil)
	_ resume.Store = (*Sqlite)(nil)
	_ resume.Store = (*FileStore)(nil)
	_ resume.Store = (*Memory)(nil)
)

// Opens the usual store for dir, falling back to keeping resume data in memory if it can't be
// opened.
func NewDefault(dir string) resume.Store {
	// The directory has to exist before the database is opened in it.
	os.MkdirAll(dir, 0o700)
	ret, err := NewBolt(dir)
	if err != nil {
		logger.Levelf(log.Warning, "couldn't open resume data db in %q: %s", dir, err)
		return NewMemory()
	}
	return ret
}
