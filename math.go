package diskio

import (
	"golang.org/x/exp/constraints"
)

// a/b rounding up
func intCeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}
