package diskio

import (
	"errors"
	"fmt"
)

var (
	ErrClosed           = errors.New("disk access controller closed")
	errRequestCancelled = errors.New("request cancelled")
)

// A panic recovered while performing a request.
type panicError struct {
	value any
}

func (me panicError) Error() string {
	return fmt.Sprintf("panic: %v", me.value)
}
