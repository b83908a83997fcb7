package resume

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"

	"github.com/anacrolix/diskio/storage"
)

// Operations on stored resume data for downloads that aren't necessarily running.

// Stores resume data with every piece done.
func SetTorrentResumeDataComplete(ds DownloadStore, numPieces int) error {
	s := Snapshot{
		Pieces: make([]PieceState, numPieces),
		Blocks: make(map[int]*roaring.Bitmap),
		Valid:  true,
	}
	for i := range s.Pieces {
		s.Pieces[i] = Done
	}
	return ds.save(s)
}

// Stores valid resume data with no piece done, so nothing is hashed on the next start.
func SetTorrentResumeTotallyIncomplete(ds DownloadStore, numPieces int) error {
	return ds.save(Snapshot{
		Pieces: make([]PieceState, numPieces),
		Valid:  true,
	})
}

func loadStored(ds DownloadStore) (s Snapshot, ok bool) {
	snap, _, err := ds.load(logger)
	if err != nil {
		logger.Levelf(log.Warning, "loading resume data: %v", err)
		return
	}
	return snap.Value, snap.Ok
}

func IsTorrentResumeDataComplete(ds DownloadStore, numPieces int) bool {
	s, ok := loadStored(ds)
	return ok && s.IsComplete(numPieces)
}

func IsTorrentResumeDataValid(ds DownloadStore) bool {
	s, ok := loadStored(ds)
	return ok && s.Valid
}

// Marks the file's pieces not done.
func ClearResumeData(ds DownloadStore, layout *storage.Layout, file *storage.FileInfo) error {
	_, err := clearFile(ds, layout, file, false, false)
	return err
}

// Marks the file's pieces for checking on the next start.
func RecheckFile(ds DownloadStore, layout *storage.Layout, file *storage.FileInfo) error {
	_, err := clearFile(ds, layout, file, true, false)
	return err
}

// Marks the file's pieces not done after its storage type changed. Pieces at either end that a
// wanted neighbour shares are kept. Returns how many done pieces were cleared.
func StorageTypeChanged(ds DownloadStore, layout *storage.Layout, file *storage.FileInfo) (int, error) {
	return clearFile(ds, layout, file, false, true)
}

// Whether another wanted file has bytes in piece.
func sharedWithWanted(layout *storage.Layout, file *storage.FileInfo, piece int) (shared bool) {
	layout.PieceFiles(piece, func(fi *storage.FileInfo) bool {
		if fi != file && !fi.Skipped {
			shared = true
			return false
		}
		return true
	})
	return
}

func clearFile(
	ds DownloadStore,
	layout *storage.Layout,
	file *storage.FileInfo,
	recheck bool,
	onlyUnsharedEnds bool,
) (cleared int, err error) {
	s, ok := loadStored(ds)
	if !ok {
		return
	}
	first, last := file.FirstPiece, file.LastPiece
	if onlyUnsharedEnds {
		firstShared := sharedWithWanted(layout, file, first)
		lastShared := sharedWithWanted(layout, file, last)
		if firstShared {
			first++
		}
		if lastShared {
			last--
		}
	}
	to := NotDone
	if recheck {
		to = RecheckRequired
	}
	for i := first; i <= last && i < len(s.Pieces); i++ {
		if s.Pieces[i] == Done {
			cleared++
		}
		s.Pieces[i] = to
	}
	s.clearBlocks(first, last)
	// Either the pieces are not done, or they will be checked.
	s.Valid = true
	err = ds.save(s)
	return
}

// Whether the file has to be on disk: it holds data for pieces that aren't "not done", or it
// shares an end piece with a wanted file.
func FileMustExist(ds DownloadStore, layout *storage.Layout, file *storage.FileInfo) bool {
	s, ok := loadStored(ds)
	if ok && !file.StorageType.IsCompact() {
		for i := file.FirstPiece; i <= file.LastPiece && i < len(s.Pieces); i++ {
			if s.Pieces[i] != NotDone {
				return true
			}
		}
	}
	for _, piece := range [2]int{file.FirstPiece, file.LastPiece} {
		needed := false
		layout.PieceFiles(piece, func(fi *storage.FileInfo) bool {
			needed = !fi.Skipped
			return !needed
		})
		if needed {
			return true
		}
	}
	return false
}

// Applies valid stored resume data to state: done pieces, and written blocks of the rest. Done
// pieces are only trusted if the piece count matches, but written blocks of pieces that exist are
// applied regardless. Returns false if piece states weren't applied.
func SetupPieces(ds DownloadStore, state *State) bool {
	s, ok := loadStored(ds)
	if !ok || !s.Valid {
		return false
	}
	matches := len(s.Pieces) == state.NumPieces()
	if matches {
		for i, ps := range s.Pieces {
			if ps == Done {
				state.SetDone(i, true)
			}
		}
	}
	state.applyBlocks(s.Blocks)
	return matches
}
