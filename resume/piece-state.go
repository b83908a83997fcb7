package resume

import (
	"fmt"
)

// Persisted state of one piece. The values are part of the stored format.
type PieceState byte

const (
	NotDone PieceState = iota
	Done
	// The piece's data must be hashed before it can be trusted.
	RecheckRequired
	// Some blocks of the piece were written.
	Started
)

func (ps PieceState) valid() bool {
	return ps <= Started
}

func (ps PieceState) String() string {
	switch ps {
	case NotDone:
		return "not done"
	case Done:
		return "done"
	case RecheckRequired:
		return "recheck required"
	case Started:
		return "started"
	}
	return fmt.Sprintf("PieceState(%d)", byte(ps))
}
