package diskio

import (
	"context"

	g "github.com/anacrolix/generics"
)

// Receives the progress of a Request. RequestQueued is always called first, synchronously from
// the Queue method. Exactly one of RequestComplete, RequestCancelled and RequestFailed follows.
// The context passed to the outcome callbacks may be used to queue further requests, which then
// run immediately on the calling goroutine.
type Listener interface {
	RequestQueued(r *Request)
	// Called after the I/O for r, with the number of bytes transferred in its batch up to and
	// including r.
	RequestExecuted(r *Request, bytesSoFar int64)
	RequestComplete(ctx context.Context, r *Request)
	RequestCancelled(r *Request)
	RequestFailed(ctx context.Context, r *Request, err error)
	// Requests with priority >= 0 are queued ahead of lower priorities and never aggregated.
	Priority() int
	UserData() any
}

// A Listener built from optional funcs. The default priority is -1.
type ListenerFuncs struct {
	OnQueued    func(r *Request)
	OnExecuted  func(r *Request, bytesSoFar int64)
	OnComplete  func(ctx context.Context, r *Request)
	OnCancelled func(r *Request)
	OnFailed    func(ctx context.Context, r *Request, err error)
	// Unset means -1.
	Prio g.Option[int]
	Data any
}

var _ Listener = ListenerFuncs{}

func (me ListenerFuncs) RequestQueued(r *Request) {
	if me.OnQueued != nil {
		me.OnQueued(r)
	}
}

func (me ListenerFuncs) RequestExecuted(r *Request, bytesSoFar int64) {
	if me.OnExecuted != nil {
		me.OnExecuted(r, bytesSoFar)
	}
}

func (me ListenerFuncs) RequestComplete(ctx context.Context, r *Request) {
	if me.OnComplete != nil {
		me.OnComplete(ctx, r)
	}
}

func (me ListenerFuncs) RequestCancelled(r *Request) {
	if me.OnCancelled != nil {
		me.OnCancelled(r)
	}
}

func (me ListenerFuncs) RequestFailed(ctx context.Context, r *Request, err error) {
	if me.OnFailed != nil {
		me.OnFailed(ctx, r, err)
	}
}

func (me ListenerFuncs) Priority() int {
	return me.Prio.UnwrapOr(-1)
}

func (me ListenerFuncs) UserData() any {
	return me.Data
}

// Delivers the outcome of a request on a channel, for callers that block on it.
type doneListener struct {
	ListenerFuncs
	done chan error
}

func newDoneListener(priority g.Option[int]) *doneListener {
	ret := &doneListener{done: make(chan error, 1)}
	ret.Prio = priority
	ret.OnComplete = func(context.Context, *Request) { ret.done <- nil }
	ret.OnCancelled = func(*Request) { ret.done <- errRequestCancelled }
	ret.OnFailed = func(_ context.Context, _ *Request, err error) { ret.done <- err }
	return ret
}
