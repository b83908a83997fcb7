package resumestore

import (
	"encoding/binary"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
)

const checksumLen = 8

// Keeps each key's resume data in its own file, followed by a checksum. Writes go to a temporary
// file that is renamed over the old one, so a crash leaves either the old or the new data.
type FileStore struct {
	dir string
}

func NewFile(dir string) (*FileStore, error) {
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir}, nil
}

func (me *FileStore) path(key string) string {
	return filepath.Join(me.dir, url.PathEscape(key)+".resume")
}

// Data that fails its checksum is reported as missing.
func (me *FileStore) Get(key string) ([]byte, bool, error) {
	p := me.path(key)
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(b) < checksumLen {
		logger.Levelf(log.Warning, "%q is truncated", p)
		return nil, false, nil
	}
	data, sum := b[:len(b)-checksumLen], b[len(b)-checksumLen:]
	if binary.BigEndian.Uint64(sum) != xxhash.Sum64(data) {
		logger.Levelf(log.Warning, "%q fails checksum", p)
		return nil, false, nil
	}
	return data, true, nil
}

func (me *FileStore) Set(key string, b []byte) (err error) {
	f, err := os.CreateTemp(me.dir, ".resume-*")
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	_, err = f.Write(binary.BigEndian.AppendUint64(append([]byte(nil), b...), xxhash.Sum64(b)))
	if err != nil {
		return errors.Wrap(err, "writing")
	}
	err = f.Sync()
	if err != nil {
		return errors.Wrap(err, "syncing")
	}
	err = f.Close()
	if err != nil {
		return
	}
	err = os.Rename(f.Name(), me.path(key))
	return errors.Wrap(err, "renaming")
}

func (me *FileStore) Delete(key string) error {
	err := os.Remove(me.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (me *FileStore) Close() error {
	return nil
}
