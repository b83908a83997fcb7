package resume

import (
	"context"
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/diskio"
	"github.com/anacrolix/diskio/checker"
	"github.com/anacrolix/diskio/recheck"
	"github.com/anacrolix/diskio/storage"
)

type mapStore struct {
	mu   sync.Mutex
	m    map[string][]byte
	sets int
}

func newMapStore() *mapStore {
	return &mapStore{m: make(map[string][]byte)}
}

func (me *mapStore) Get(key string) ([]byte, bool, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	b, ok := me.m[key]
	return b, ok, nil
}

func (me *mapStore) Set(key string, b []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.m[key] = append([]byte(nil), b...)
	me.sets++
	return nil
}

func (me *mapStore) Delete(key string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.m, key)
	return nil
}

func (me *mapStore) Close() error {
	return nil
}

func (me *mapStore) numSets() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.sets
}

var bitmapComparer = cmp.Comparer(func(a, b *roaring.Bitmap) bool {
	return a.Equals(b)
})

func bitmapOf(vs ...uint32) *roaring.Bitmap {
	return roaring.BitmapOf(vs...)
}

func piecesOf(n int, ps PieceState) []PieceState {
	ret := make([]PieceState, n)
	for i := range ret {
		ret[i] = ps
	}
	return ret
}

func testData(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/7)
	}
	return b
}

// A download of in-memory files holding correct data.
type testDownload struct {
	data     []byte
	files    []*storage.MemoryFile
	layout   *storage.Layout
	store    *mapStore
	ds       DownloadStore
	c        *diskio.Controller
	checker  *checker.Checker
	rechecks *recheck.Scheduler
}

func newTestDownload(t *testing.T, pieceLength int64, fileLengths ...int64) *testDownload {
	var total int64
	for _, l := range fileLengths {
		total += l
	}
	td := &testDownload{
		data:  testData(total),
		store: newMapStore(),
	}
	var infos []*storage.FileInfo
	var off int64
	for i, l := range fileLengths {
		f := storage.NewMemoryFile(metainfo.Hash{1}, string(rune('a'+i)), l)
		f.WriteAt(td.data[off:off+l], 0)
		off += l
		td.files = append(td.files, f)
		infos = append(infos, &storage.FileInfo{Path: f.String(), Length: l, File: f})
	}
	td.layout = storage.NewLayout(pieceLength, infos)
	var hashes []metainfo.Hash
	for i := range td.layout.NumPieces() {
		e := td.layout.PieceExtent(i)
		hashes = append(hashes, sha1.Sum(td.data[e.Start:e.End()]))
	}
	cfg := diskio.DefaultControllerConfig()
	cfg.Logger = log.Default.WithNames(t.Name())
	td.c = diskio.NewController(cfg)
	t.Cleanup(td.c.Close)
	td.checker = checker.New(td.c, td.layout, hashes, checker.Opts{MaxConcurrent: 2})
	t.Cleanup(td.checker.Close)
	td.rechecks = recheck.NewScheduler(2)
	td.ds = StoreFor(td.store, "download")
	return td
}

func (td *testDownload) handler(opts HandlerOpts) *Handler {
	opts.Layout = td.layout
	opts.Store = td.ds
	opts.Checker = td.checker
	opts.Rechecks = td.rechecks
	opts.Controller = td.c
	return NewHandler(opts)
}

func (td *testDownload) storeSnapshot(t *testing.T, s Snapshot) {
	require.NoError(t, td.ds.save(s))
}

func (td *testDownload) stored(t *testing.T) Snapshot {
	b, err := td.ds.GetResumeData()
	require.NoError(t, err)
	s, err := DecodeSnapshot(b)
	require.NoError(t, err)
	return s
}

// Overwrites the piece's bytes on disk with garbage.
func (td *testDownload) corruptPiece(piece int) {
	for _, frag := range td.layout.Piece(piece) {
		garbage := make([]byte, frag.Length)
		for i := range garbage {
			garbage[i] = 0xff
		}
		frag.File.File.WriteAt(garbage, frag.Offset)
	}
}

func (td *testDownload) donePieces(s *State) (ret []int) {
	for i := range s.NumPieces() {
		if s.IsDone(i) {
			ret = append(ret, i)
		}
	}
	return
}

func checkAll(h *Handler, newFiles, forceRecheck bool) {
	h.CheckAllPieces(context.Background(), newFiles, forceRecheck, nil)
}
