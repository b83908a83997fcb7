package resumestore

import (
	"sync"
)

// Keeps resume data for the life of the process.
type Memory struct {
	m sync.Map
}

func NewMemory() *Memory {
	return &Memory{}
}

func (me *Memory) Get(key string) ([]byte, bool, error) {
	v, ok := me.m.Load(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v.([]byte)...), true, nil
}

func (me *Memory) Set(key string, b []byte) error {
	me.m.Store(key, append([]byte(nil), b...))
	return nil
}

func (me *Memory) Delete(key string) error {
	me.m.Delete(key)
	return nil
}

func (me *Memory) Close() error {
	me.m.Clear()
	return nil
}
