// Package groupsem provides a counting semaphore where callers reserve and release groups of units,
// served in arrival order.
package groupsem

import (
	"context"
	"sync"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/missinggo/v2/panicif"
	list "github.com/bahlo/generic-list-go"
)

// Semaphore is a FIFO-fair counting semaphore. A reservation that can't be satisfied immediately
// takes everything available and waits to be credited the shortfall by later releases, which are
// applied to waiters in the order they arrived, splitting a release across several waiters if
// necessary. The zero value is not usable, use New.
type Semaphore struct {
	mu sync.Mutex
	// Units free for immediate reservation. Always zero while there are waiters.
	available int64
	// The largest single reservation that can ever be satisfied. Grows when a larger reservation
	// is made, and never shrinks.
	capacity int64
	waiters  *list.List[*waiter]
	// Number of reservations that had to wait.
	blocks int64
}

type waiter struct {
	want int64
	// Units still owed to the waiter.
	owed    int64
	granted chansync.SetOnce
}

func New(units int64) *Semaphore {
	panicif.True(units < 0)
	return &Semaphore{
		available: units,
		capacity:  units,
		waiters:   list.New[*waiter](),
	}
}

// Reserve blocks until n units have been reserved.
func (s *Semaphore) Reserve(n int64) {
	_ = s.ReserveContext(context.Background(), n)
}

// ReserveContext is Reserve, but gives up if ctx is done first. Any units already credited to the
// abandoned reservation are released again.
func (s *Semaphore) ReserveContext(ctx context.Context, n int64) error {
	panicif.True(n < 0)
	if n == 0 {
		return nil
	}
	s.mu.Lock()
	if n > s.capacity {
		// Nobody could ever release enough for this, so the budget has to grow.
		grow := n - s.capacity
		s.capacity = n
		s.releaseLocked(grow)
	}
	if n <= s.available && s.waiters.Len() == 0 {
		s.available -= n
		s.mu.Unlock()
		return nil
	}
	s.blocks++
	w := &waiter{
		want: n,
		owed: n - s.available,
	}
	s.available = 0
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()
	select {
	case <-w.granted.Done():
		return nil
	case <-ctx.Done():
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.granted.IsSet() {
		return nil
	}
	s.waiters.Remove(elem)
	s.releaseLocked(w.want - w.owed)
	return context.Cause(ctx)
}

// Release returns n units, crediting waiters in arrival order.
func (s *Semaphore) Release(n int64) {
	panicif.True(n < 0)
	s.mu.Lock()
	s.releaseLocked(n)
	s.mu.Unlock()
}

func (s *Semaphore) releaseLocked(n int64) {
	for n > 0 {
		front := s.waiters.Front()
		if front == nil {
			break
		}
		w := front.Value
		if w.owed > n {
			w.owed -= n
			return
		}
		n -= w.owed
		w.owed = 0
		s.waiters.Remove(front)
		w.granted.Set()
	}
	s.available += n
}

func (s *Semaphore) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// BlockCount is the number of reservations that have had to wait.
func (s *Semaphore) BlockCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks
}

// Waiters is the number of reservations currently waiting.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
