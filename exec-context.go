package diskio

import (
	"context"
)

type laneContextKey struct{}

// Marks ctx as belonging to a lane worker. Requests queued with such a context run inline.
func withLane(ctx context.Context, l *lane) context.Context {
	return context.WithValue(ctx, laneContextKey{}, l)
}

// Reports whether ctx was handed out by a lane worker, or derived from one.
func InLaneWorker(ctx context.Context) bool {
	_, ok := ctx.Value(laneContextKey{}).(*lane)
	return ok
}
