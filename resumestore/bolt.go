package resumestore

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var resumeBucket = []byte("resume")

// Keeps resume data in a bbolt database.
type Bolt struct {
	db *bbolt.DB
}

// Opens or creates resume.db in dir.
func NewBolt(dir string) (*Bolt, error) {
	p := filepath.Join(dir, "resume.db")
	db, err := bbolt.Open(p, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", p)
	}
	return &Bolt{db}, nil
}

func (me *Bolt) Get(key string) (b []byte, ok bool, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(resumeBucket)
		if bucket == nil {
			return nil
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return nil
		}
		// Only valid for the life of the transaction.
		b = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return
}

func (me *Bolt) Set(key string, b []byte) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(resumeBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), b)
	})
}

func (me *Bolt) Delete(key string) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(resumeBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (me *Bolt) Close() error {
	return me.db.Close()
}
