package diskio

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/anacrolix/diskio/storage"
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
	// Write, then return the buffer to the Controller's pool.
	OpWriteAndFree
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpWriteAndFree:
		return "write-and-free"
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

func (op Op) isWrite() bool {
	return op != OpRead
}

type RequestState int32

const (
	RequestQueued RequestState = iota
	RequestExecuting
	RequestCompleted
	RequestFailed
	RequestCancelled
)

func (s RequestState) String() string {
	switch s {
	case RequestQueued:
		return "queued"
	case RequestExecuting:
		return "executing"
	case RequestCompleted:
		return "completed"
	case RequestFailed:
		return "failed"
	case RequestCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("RequestState(%d)", int32(s))
}

// A single read or write queued with a Controller. The Request is finished with once its
// Listener has been told the outcome.
type Request struct {
	file        storage.File
	offset      int64
	buf         []byte
	size        int64
	op          Op
	cachePolicy storage.CachePolicy
	priority    int
	listener    Listener
	createdAt   time.Time

	// Queue position within a lane, assigned under the lane lock.
	seq uint64
	// Semaphore units held while queued.
	units int64

	cancelled atomic.Bool
	state     atomic.Int32
}

func newRequest(file storage.File, offset int64, buf []byte, op Op, cp storage.CachePolicy, l Listener) *Request {
	return &Request{
		file:        file,
		offset:      offset,
		buf:         buf,
		size:        int64(len(buf)),
		op:          op,
		cachePolicy: cp,
		priority:    l.Priority(),
		listener:    l,
		createdAt:   time.Now(),
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("%v of %v bytes at %v in %v", r.op, r.size, r.offset, r.file)
}

// Asks that the request not be performed. This has no effect once the request has started
// executing.
func (r *Request) Cancel() {
	r.cancelled.Store(true)
}

func (r *Request) Cancelled() bool {
	return r.cancelled.Load()
}

func (r *Request) State() RequestState {
	return RequestState(r.state.Load())
}

func (r *Request) setState(s RequestState) {
	r.state.Store(int32(s))
}

func (r *Request) File() storage.File {
	return r.file
}

func (r *Request) Offset() int64 {
	return r.offset
}

func (r *Request) Size() int64 {
	return r.size
}

func (r *Request) end() int64 {
	return r.offset + r.Size()
}

// The request's buffer. For OpWriteAndFree this is nil once the write is done.
func (r *Request) Buffer() []byte {
	return r.buf
}

func (r *Request) Op() Op {
	return r.op
}

func (r *Request) CachePolicy() storage.CachePolicy {
	return r.cachePolicy
}

func (r *Request) Priority() int {
	return r.priority
}

func (r *Request) UserData() any {
	return r.listener.UserData()
}

func (r *Request) CreatedAt() time.Time {
	return r.createdAt
}

// Whether next may be performed in the same I/O as r, directly after it.
func (r *Request) canAggregateWith(next *Request) bool {
	return next.file == r.file &&
		next.offset == r.end() &&
		next.op == r.op &&
		next.cachePolicy == r.cachePolicy &&
		r.priority < 0 && next.priority < 0 &&
		!next.Cancelled()
}
