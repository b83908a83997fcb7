package diskio

import (
	"expvar"
)

// Rare conditions that aren't worth a field in Stats.
var (
	diskio = expvar.NewMap("diskio")

	requestsCancelledBeforeIo = expvar.NewInt("diskioRequestsCancelledBeforeIo")
	// Batches that reached execution without being contiguous.
	nonContiguousBatches = expvar.NewInt("diskioNonContiguousBatches")
	recoveredPanics      = expvar.NewInt("diskioRecoveredPanics")
)
