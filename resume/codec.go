package resume

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/torrent/bencode"
)

// Keys of the stored format.
const (
	dataKey       = "data"
	resumeDataKey = "resume data"
	blocksKey     = "blocks"
	validKey      = "valid"
)

// Encodes a snapshot as {"data": {"resume data": ..., "blocks": ..., "valid": 0|1}}. Nil
// Blocks are omitted.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	pieces := make([]byte, len(s.Pieces))
	for i, ps := range s.Pieces {
		pieces[i] = byte(ps)
	}
	data := map[string]any{
		resumeDataKey: pieces,
		validKey:      boolInt(s.Valid),
	}
	if s.Blocks != nil {
		blocks := make(map[string][]int64, len(s.Blocks))
		for piece, bm := range s.Blocks {
			list := make([]int64, 0, bm.GetCardinality())
			for _, b := range bm.ToArray() {
				list = append(list, int64(b))
			}
			blocks[strconv.Itoa(piece)] = list
		}
		data[blocksKey] = blocks
	}
	return bencode.Marshal(map[string]any{dataKey: data})
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

var errMalformed = errors.New("malformed resume data")

// Decodes stored resume data. Anything that doesn't have the expected shape is an error.
func DecodeSnapshot(b []byte) (s Snapshot, err error) {
	var top map[string]any
	err = bencode.Unmarshal(b, &top)
	if err != nil {
		return
	}
	data, ok := top[dataKey].(map[string]any)
	if !ok {
		err = fmt.Errorf("%w: missing %q dict", errMalformed, dataKey)
		return
	}
	var pieces []byte
	switch v := data[resumeDataKey].(type) {
	case string:
		pieces = []byte(v)
	case []byte:
		pieces = slices.Clone(v)
	default:
		err = fmt.Errorf("%w: bad %q: %T", errMalformed, resumeDataKey, v)
		return
	}
	s.Pieces = make([]PieceState, len(pieces))
	for i, p := range pieces {
		ps := PieceState(p)
		if !ps.valid() {
			err = fmt.Errorf("%w: piece %v has state %v", errMalformed, i, p)
			return
		}
		s.Pieces[i] = ps
	}
	switch v := data[validKey].(type) {
	case nil:
	case int64:
		s.Valid = v == 1
	default:
		err = fmt.Errorf("%w: bad %q: %T", errMalformed, validKey, v)
		return
	}
	if raw, ok := data[blocksKey]; ok {
		s.Blocks, err = decodeBlocks(raw)
	}
	return
}

func decodeBlocks(raw any) (map[int]*roaring.Bitmap, error) {
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: bad %q: %T", errMalformed, blocksKey, raw)
	}
	ret := make(map[int]*roaring.Bitmap, len(dict))
	for k, v := range dict {
		piece, err := strconv.Atoi(k)
		if err != nil || piece < 0 {
			return nil, fmt.Errorf("%w: bad block piece key %q", errMalformed, k)
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: bad blocks for piece %v: %T", errMalformed, piece, v)
		}
		bm := roaring.New()
		for _, e := range list {
			i, ok := e.(int64)
			if !ok || i < 0 || i > math.MaxUint32 {
				return nil, fmt.Errorf("%w: bad block %v for piece %v", errMalformed, e, piece)
			}
			bm.Add(uint32(i))
		}
		ret[piece] = bm
	}
	return ret, nil
}
