// Package recheck limits how many piece verifications run at once across downloads.
package recheck

import (
	"context"
	"errors"
	"sync"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"golang.org/x/sync/semaphore"
)

var (
	ErrCancelled    = errors.New("recheck cancelled")
	ErrUnregistered = errors.New("recheck instance unregistered")
)

var logger = log.Default.WithNames("recheck")

// Hands out verification slots. Waiters are served in the order they arrive.
type Scheduler struct {
	maxActive int64
	sem       *semaphore.Weighted

	mu        sync.Mutex
	instances map[any][]*Instance
}

func NewScheduler(maxActive int) *Scheduler {
	panicif.True(maxActive < 1)
	return &Scheduler{
		maxActive: int64(maxActive),
		sem:       semaphore.NewWeighted(int64(maxActive)),
		instances: make(map[any][]*Instance),
	}
}

// Registers interest in verification slots for owner. Exclusive instances take every slot for each
// permission, so nothing else verifies at the same time.
func (s *Scheduler) Register(owner any, exclusive bool) *Instance {
	ctx, cancel := context.WithCancelCause(context.Background())
	i := &Instance{
		s:         s,
		owner:     owner,
		exclusive: exclusive,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.mu.Lock()
	s.instances[owner] = append(s.instances[owner], i)
	s.mu.Unlock()
	return i
}

// Cancels owner's instances. Permissions already held stay held until released.
func (s *Scheduler) Cancel(owner any) {
	s.mu.Lock()
	insts := s.instances[owner]
	s.mu.Unlock()
	for _, i := range insts {
		i.cancel(ErrCancelled)
	}
	if len(insts) != 0 {
		logger.Levelf(log.Debug, "cancelled %v instances for %v", len(insts), owner)
	}
}

func (s *Scheduler) unregister(i *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	insts := s.instances[i.owner]
	for j, other := range insts {
		if other == i {
			insts = append(insts[:j], insts[j+1:]...)
			break
		}
	}
	if len(insts) == 0 {
		delete(s.instances, i.owner)
	} else {
		s.instances[i.owner] = insts
	}
}

// Instances registered and not yet unregistered.
func (s *Scheduler) NumInstances() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, insts := range s.instances {
		n += len(insts)
	}
	return
}

// One owner's use of a Scheduler.
type Instance struct {
	s         *Scheduler
	owner     any
	exclusive bool
	ctx       context.Context
	cancel    context.CancelCauseFunc

	mu sync.Mutex
	// Slots announced with ReserveSlot and not yet released.
	reserved int
	// Permissions granted and not yet released.
	held         int
	unregistered bool
}

func (i *Instance) weight() int64 {
	if i.exclusive {
		return i.s.maxActive
	}
	return 1
}

// Announces that a permission will be wanted.
func (i *Instance) ReserveSlot() {
	i.mu.Lock()
	i.reserved++
	i.mu.Unlock()
}

// Waits for a permission, giving up if ctx is done or the instance is cancelled.
func (i *Instance) WaitPermission(ctx context.Context) error {
	if err := i.usable(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(i.ctx, func() { cancel(context.Cause(i.ctx)) })
	defer stop()
	if err := i.s.sem.Acquire(ctx, i.weight()); err != nil {
		return context.Cause(ctx)
	}
	return i.granted()
}

// Takes a permission if one is available now.
func (i *Instance) GetPermission() bool {
	if i.usable() != nil {
		return false
	}
	if !i.s.sem.TryAcquire(i.weight()) {
		return false
	}
	return i.granted() == nil
}

func (i *Instance) usable() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unregistered {
		return ErrUnregistered
	}
	if i.ctx.Err() != nil {
		return context.Cause(i.ctx)
	}
	return nil
}

func (i *Instance) granted() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unregistered {
		// Lost a race with Unregister.
		i.s.sem.Release(i.weight())
		return ErrUnregistered
	}
	i.held++
	return nil
}

// Returns a permission once the work it allowed is done.
func (i *Instance) ReleaseSlot() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.reserved > 0 {
		i.reserved--
	}
	if i.held == 0 {
		return
	}
	i.held--
	i.s.sem.Release(i.weight())
}

// Releases everything the instance holds. The instance can't be used after this.
func (i *Instance) Unregister() {
	i.mu.Lock()
	if i.unregistered {
		i.mu.Unlock()
		return
	}
	i.unregistered = true
	if i.held != 0 {
		i.s.sem.Release(int64(i.held) * i.weight())
		i.held = 0
	}
	i.reserved = 0
	i.mu.Unlock()
	i.s.unregister(i)
	i.cancel(ErrUnregistered)
}

func (i *Instance) IsCancelled() bool {
	return i.ctx.Err() != nil
}

// Permissions currently held.
func (i *Instance) Held() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.held
}
