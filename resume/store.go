package resume

import (
	"errors"
	"fmt"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
)

var ErrNoResumeData = errors.New("no resume data")

// Persists resume data by key. Implementations must be safe for concurrent use.
type Store interface {
	// Returns false if there's nothing stored for key.
	Get(key string) ([]byte, bool, error)
	Set(key string, b []byte) error
	Delete(key string) error
	Close() error
}

// A download's resume data within a Store.
type DownloadStore struct {
	store Store
	key   string
}

func StoreFor(s Store, key string) DownloadStore {
	return DownloadStore{store: s, key: key}
}

func (me DownloadStore) Key() string {
	return me.key
}

// Returns ErrNoResumeData if nothing is stored.
func (me DownloadStore) GetResumeData() ([]byte, error) {
	b, ok, err := me.store.Get(me.key)
	if err != nil {
		return nil, fmt.Errorf("getting resume data for %q: %w", me.key, err)
	}
	if !ok {
		return nil, ErrNoResumeData
	}
	return b, nil
}

func (me DownloadStore) SetResumeData(b []byte) error {
	err := me.store.Set(me.key, b)
	if err != nil {
		return fmt.Errorf("setting resume data for %q: %w", me.key, err)
	}
	return nil
}

func (me DownloadStore) RemoveResumeData() error {
	return me.store.Delete(me.key)
}

// Loads the stored snapshot along with its encoding. Data that doesn't decode is treated as
// absent.
func (me DownloadStore) load(logger log.Logger) (snap g.Option[Snapshot], raw []byte, err error) {
	raw, err = me.GetResumeData()
	if errors.Is(err, ErrNoResumeData) {
		err = nil
		return
	}
	if err != nil {
		return
	}
	s, decodeErr := DecodeSnapshot(raw)
	if decodeErr != nil {
		logger.Levelf(log.Warning, "ignoring resume data for %q: %v", me.key, decodeErr)
		raw = nil
		return
	}
	snap.Set(s)
	return
}

func (me DownloadStore) save(s Snapshot) error {
	b, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	return me.SetResumeData(b)
}
