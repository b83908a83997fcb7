package diskio

import (
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/diskio/storage"
	"github.com/anacrolix/torrent/metainfo"
)

func newTestScheduler(t *testing.T, lanes int) *scheduler {
	s := newScheduler("test", DirectionConfig{
		Lanes:          lanes,
		WorkersPerLane: 1,
		MaxQueuedMiB:   1,
	}, NewBufferPool(0), log.Default.WithNames(t.Name()))
	t.Cleanup(s.close)
	return s
}

// Puts a request in a lane without starting any workers.
func fillLane(l *lane, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for range n {
		r := newRequest(storage.NewMemoryFile(metainfo.Hash{}, "", 0), 0, nil, OpRead, storage.CacheNone, ListenerFuncs{})
		r.seq = l.nextSeq
		l.nextSeq++
		l.queue.Set(r)
	}
}

func TestLaneAssignment(t *testing.T) {
	s := newTestScheduler(t, 3)
	a, b, c := metainfo.Hash{1}, metainfo.Hash{2}, metainfo.Hash{3}
	require.Same(t, s.lanes[0], s.laneFor(a))
	fillLane(s.lanes[0], 2)
	require.Same(t, s.lanes[1], s.laneFor(b))
	fillLane(s.lanes[1], 1)
	require.Same(t, s.lanes[0], s.laneFor(a))
	require.Same(t, s.lanes[2], s.laneFor(c))
	fillLane(s.lanes[2], 3)
	// No empty lanes, so the shortest queue.
	assert.Same(t, s.lanes[1], s.laneFor(metainfo.Hash{4}))
	assert.Equal(t, 4, s.assignments.Len())
}

func TestLaneAssignmentsExpire(t *testing.T) {
	s := newTestScheduler(t, 2)
	a, b := metainfo.Hash{1}, metainfo.Hash{2}
	require.Same(t, s.lanes[0], s.laneFor(a))
	require.Same(t, s.lanes[0], s.laneFor(b))
	v, _ := s.assignments.Get(a)
	v.(*laneAssignment).lastUsed = time.Now().Add(-2 * laneAssignmentTimeout)
	s.laneFor(b)
	assert.Equal(t, 1, s.assignments.Len())
	fillLane(s.lanes[0], 1)
	v, _ = s.assignments.Get(b)
	v.(*laneAssignment).lastUsed = time.Now().Add(-2 * laneAssignmentTimeout)
	assert.Same(t, s.lanes[1], s.laneFor(a))
	assert.Equal(t, 1, s.assignments.Len())
	_, ok := s.assignments.Get(b)
	assert.False(t, ok)
}

func TestSingleLaneKeepsNoAssignments(t *testing.T) {
	s := newTestScheduler(t, 1)
	assert.Same(t, s.lanes[0], s.laneFor(metainfo.Hash{1}))
	assert.Zero(t, s.assignments.Len())
}

func TestRequestLess(t *testing.T) {
	mk := func(prio int, seq uint64) *Request {
		return &Request{priority: prio, seq: seq}
	}
	assert.True(t, requestLess(mk(1, 5), mk(0, 1)))
	assert.True(t, requestLess(mk(0, 1), mk(0, 2)))
	assert.True(t, requestLess(mk(0, 9), mk(-1, 1)))
	// All negative priorities are equal.
	assert.True(t, requestLess(mk(-7, 1), mk(-1, 2)))
	assert.False(t, requestLess(mk(-1, 2), mk(-7, 1)))
}
