package diskio

import (
	"context"
	"strings"
	"testing"

	g "github.com/anacrolix/generics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/diskio/storage"
	"github.com/anacrolix/torrent/metainfo"
)

func TestStatsCollector(t *testing.T) {
	c := newTestController(t, false)
	f := storage.NewMemoryFile(metainfo.Hash{}, "f", 0)
	require.NoError(t, c.Write(context.Background(), f, 0, []byte("hello"), g.None[int]()))
	col := NewStatsCollector(c)
	assert.Equal(t, 26, testutil.CollectAndCount(col))
	err := testutil.CollectAndCompare(col, strings.NewReader(`
# HELP diskio_bytes_total Bytes of requests admitted.
# TYPE diskio_bytes_total counter
diskio_bytes_total{direction="read"} 0
diskio_bytes_total{direction="write"} 5
`), "diskio_bytes_total")
	assert.NoError(t, err)
}
