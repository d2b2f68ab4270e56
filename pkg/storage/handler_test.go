// pkg/storage/handler_test.go

package storage

import (
	"sync"
	"testing"
	"time"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/diskio"
	"AveGrid/pkg/object"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	created, loaded, integrated, separated map[chunk.ID]int
}

func newRecorder() *recorder {
	return &recorder{
		created:    make(map[chunk.ID]int),
		loaded:     make(map[chunk.ID]int),
		integrated: make(map[chunk.ID]int),
		separated:  make(map[chunk.ID]int),
	}
}

func (r *recorder) WillIntegrateNewChunk(id chunk.ID, c *chunk.Chunk, l *chunk.LayoutInfo) {
	r.created[id]++
}

func (r *recorder) WillIntegrateLoadedChunk(id chunk.ID, c *chunk.Chunk, l *chunk.LayoutInfo) {
	r.loaded[id]++
}

func (r *recorder) DidIntegrateChunk(id chunk.ID, c *chunk.Chunk, l *chunk.LayoutInfo) {
	r.integrated[id]++
}

func (r *recorder) WillSeparateChunk(id chunk.ID, c *chunk.Chunk, l *chunk.LayoutInfo) {}

func (r *recorder) DidSeparateChunk(id chunk.ID, c *chunk.Chunk, l *chunk.LayoutInfo) {
	r.separated[id]++
}

var testLayout = chunk.NewLayoutInfo(8, 8, chunk.Floor|chunk.Wall|chunk.User)

func newStore(t *testing.T) (*diskio.Store, object.ObjectStorage) {
	base, err := object.CreateStorage("file", t.TempDir(), "", "")
	require.NoError(t, err)
	s, err := diskio.NewStore(testLayout, base, &diskio.Config{RuntimeCacheSize: 4, Compression: "zstd"})
	require.NoError(t, err)
	return s, base
}

func newTestHandler(t *testing.T, disk diskio.Handler, maxFree int) (*Handler, *recorder) {
	rec := newRecorder()
	conf := DefaultConfig()
	conf.GridWidth, conf.GridHeight = 16, 8
	conf.MaxFreeChunks = maxFree
	h := NewHandler(testLayout, disk, rec, conf, nil)
	return h, rec
}

func waitResident(t *testing.T, h *Handler, ids ...chunk.ID) {
	require.Eventually(t, func() bool {
		h.Update()
		for _, id := range ids {
			if h.Chunk(id) == nil {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
}

func TestNewChunkIsCreated(t *testing.T) {
	disk, _ := newStore(t)
	h, rec := newTestHandler(t, disk, 4)
	id := chunk.ID{X: 3, Y: 2}
	a := h.NewActiveArea(0)
	a.SetCenter(3, 2, 0)
	require.Equal(t, 1, h.Usage(id))
	waitResident(t, h, id)
	require.Equal(t, 1, rec.created[id])
	require.Equal(t, 0, rec.loaded[id])
	require.Equal(t, 1, rec.integrated[id])
	require.False(t, h.Chunk(id).IsEmpty())

	h.Update()
	require.Equal(t, 1, rec.created[id])
	require.NoError(t, h.Close())
}

func TestEvictAndReload(t *testing.T) {
	disk, base := newStore(t)
	h, rec := newTestHandler(t, disk, 0)
	require.NoError(t, h.SetCell(20, 9, chunk.Floor|chunk.User, &chunk.Cell{Floor: 5, User: 1 << 50}))
	id := chunk.ID{X: 2, Y: 1}
	require.NotNil(t, h.Chunk(id))
	require.Equal(t, 1, h.Stats().Free)

	require.Equal(t, 1, h.Prune())
	require.Nil(t, h.Chunk(id))
	require.Equal(t, 1, rec.separated[id])

	var out chunk.Cell
	require.NoError(t, h.LoadCell(20, 9, chunk.Floor|chunk.User, &out))
	require.Equal(t, chunk.Cell{Floor: 5, User: 1 << 50}, out)
	require.Equal(t, 1, rec.loaded[id])
	require.NoError(t, h.Close())

	// a new world over the same storage sees the data
	disk2, err := diskio.NewStore(testLayout, base, nil)
	require.NoError(t, err)
	h2, rec2 := newTestHandler(t, disk2, 0)
	a := h2.NewActiveArea(0)
	a.SetRectangle(Rect{2, 1, 3, 2})
	waitResident(t, h2, id)
	require.Equal(t, 1, rec2.loaded[id])
	ok, err := h2.Cell(20, 9, chunk.Floor, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint16(5), out.Floor)
	require.NoError(t, h2.Close())
}

func TestPruneSkipsUsedChunks(t *testing.T) {
	disk, _ := newStore(t)
	h, _ := newTestHandler(t, disk, 0)
	a := h.NewActiveArea(0)
	a.SetRectangle(Rect{0, 0, 3, 3})
	var ids []chunk.ID
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			ids = append(ids, chunk.ID{X: uint16(x), Y: uint16(y)})
		}
	}
	waitResident(t, h, ids...)
	outside := chunk.ID{X: 10, Y: 5}
	_, err := h.LoadChunk(outside)
	require.NoError(t, err)

	require.Equal(t, 1, h.Prune())
	require.Nil(t, h.Chunk(outside))
	for _, id := range ids {
		require.NotNil(t, h.Chunk(id))
		require.Equal(t, 1, h.Usage(id))
	}
	require.Equal(t, 0, h.Prune())
	require.Equal(t, 9, h.Stats().Resident)
	require.NoError(t, h.Close())
}

func TestPruneOldestFirst(t *testing.T) {
	disk, _ := newStore(t)
	h, _ := newTestHandler(t, disk, 1)
	first, second := chunk.ID{X: 1}, chunk.ID{X: 2}
	_, err := h.LoadChunk(first)
	require.NoError(t, err)
	_, err = h.LoadChunk(second)
	require.NoError(t, err)
	require.Equal(t, 1, h.Prune())
	require.Nil(t, h.Chunk(first))
	require.NotNil(t, h.Chunk(second))

	// using a free chunk takes it out of the free set
	a := h.NewActiveArea(0)
	a.SetRectangle(Rect{2, 0, 3, 1})
	require.Equal(t, 0, h.Stats().Free)
	a.Close()
	require.Equal(t, 1, h.Stats().Free)
	require.NoError(t, h.Close())
}

func usageSum(h *Handler) int {
	var sum int
	for y := 0; y < h.GridHeight(); y++ {
		for x := 0; x < h.GridWidth(); x++ {
			sum += h.Usage(chunk.ID{X: uint16(x), Y: uint16(y)})
		}
	}
	return sum
}

func TestMoveArea(t *testing.T) {
	disk, _ := newStore(t)
	h, _ := newTestHandler(t, disk, 64)
	a := h.NewActiveArea(0)
	a.SetRectangle(Rect{0, 0, 3, 3})
	require.Equal(t, 9, usageSum(h))

	a.SetRectangle(Rect{1, 0, 4, 3})
	require.Equal(t, Rect{1, 0, 4, 3}, a.Rectangle())
	require.Equal(t, 9, usageSum(h))
	for y := 0; y < 3; y++ {
		require.Equal(t, 0, h.Usage(chunk.ID{X: 0, Y: uint16(y)}))
		require.Equal(t, 1, h.Usage(chunk.ID{X: 1, Y: uint16(y)}))
		require.Equal(t, 1, h.Usage(chunk.ID{X: 3, Y: uint16(y)}))
	}

	// clipped at the grid border
	a.SetCenter(15, 7, 1)
	require.Equal(t, Rect{14, 6, 16, 8}, a.Rectangle())
	require.Equal(t, 4, usageSum(h))

	b := h.NewActiveArea(0)
	b.SetCenter(14, 6, 0)
	require.Equal(t, 2, h.Usage(chunk.ID{X: 14, Y: 6}))
	a.Close()
	a.Close()
	require.Equal(t, 1, usageSum(h))
	require.Panics(t, func() { a.SetCenter(0, 0, 1) })
	require.NoError(t, h.Close())
	require.Equal(t, 0, usageSum(h))
}

func TestReleaseCancelsPendingLoads(t *testing.T) {
	disk, _ := newStore(t)
	h, rec := newTestHandler(t, disk, 64)
	h.Spooler().Pause()
	a := h.NewActiveArea(0)
	a.SetRectangle(Rect{0, 0, 4, 4})
	require.Equal(t, 16, h.Stats().Pending)
	a.SetRectangle(Rect{8, 0, 10, 1})
	st := h.Stats()
	require.Equal(t, 2, st.Pending)
	require.Equal(t, int64(16), st.Spool.Cancelled)
	h.Spooler().Unpause()
	waitResident(t, h, chunk.ID{X: 8}, chunk.ID{X: 9})
	require.Len(t, rec.integrated, 2)
	require.NoError(t, h.Close())
}

func TestLoadChunkTakesOverPendingLoad(t *testing.T) {
	disk, _ := newStore(t)
	h, rec := newTestHandler(t, disk, 64)
	h.Spooler().Pause()
	a := h.NewActiveArea(0)
	id := chunk.ID{X: 5, Y: 5}
	a.SetCenter(5, 5, 0)
	c, err := h.LoadChunk(id)
	require.NoError(t, err)
	require.Same(t, c, h.Chunk(id))
	require.Equal(t, 0, h.Stats().Pending)
	h.Spooler().Unpause()
	require.Equal(t, 0, h.Update())
	require.Equal(t, 1, rec.integrated[id])
	require.Equal(t, 0, h.Stats().Free)
	require.NoError(t, h.Close())
}

func TestCellAccessors(t *testing.T) {
	disk, _ := newStore(t)
	h, _ := newTestHandler(t, disk, 64)
	var out chunk.Cell
	_, err := h.Cell(-1, 0, chunk.Floor, &out)
	require.True(t, errors.Is(err, ErrOutOfRange))
	_, err = h.Cell(16*8, 0, chunk.Floor, &out)
	require.True(t, errors.Is(err, ErrOutOfRange))
	require.True(t, errors.Is(h.SetCell(0, 8*8, chunk.Floor, &out), ErrOutOfRange))
	_, err = h.Cell(0, 0, chunk.Spatial, &out)
	require.Error(t, err)

	ok, err := h.Cell(9, 9, chunk.Floor, &out)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, h.CellUnchecked(9, 9, chunk.Floor, &out))
	require.NoError(t, h.SetCell(9, 9, chunk.Wall, &chunk.Cell{Wall: 3}))
	require.True(t, h.CellUnchecked(9, 9, chunk.Wall, &out))
	require.Equal(t, uint32(3), out.Wall)

	require.Panics(t, func() { h.Chunk(chunk.ID{X: 16}) })
	require.Panics(t, func() { h.CellUnchecked(0, 8*8, chunk.Floor, &out) })
	require.NoError(t, h.Close())
}

type flakyDisk struct {
	diskio.Handler
	sync.Mutex
	failures int
	loads    []chunk.ID
}

func (d *flakyDisk) LoadFromPersistentCache(id chunk.ID) (*chunk.Chunk, bool, error) {
	d.Lock()
	defer d.Unlock()
	d.loads = append(d.loads, id)
	if d.failures > 0 {
		d.failures--
		return nil, false, errors.New("transient i/o error")
	}
	return d.Handler.LoadFromPersistentCache(id)
}

func TestLoadRetries(t *testing.T) {
	store, _ := newStore(t)
	disk := &flakyDisk{Handler: store, failures: 2}
	h, rec := newTestHandler(t, disk, 64)
	id := chunk.ID{X: 1, Y: 1}
	a := h.NewActiveArea(0)
	a.SetCenter(1, 1, 0)
	waitResident(t, h, id)
	require.Equal(t, 1, rec.created[id])
	require.Equal(t, int64(2), h.Stats().Failed)

	disk.Lock()
	disk.failures = 1
	disk.Unlock()
	_, err := h.LoadChunk(chunk.ID{X: 7, Y: 7})
	require.Error(t, err)
	require.Nil(t, h.Chunk(chunk.ID{X: 7, Y: 7}))
	require.NoError(t, h.Close())
}

func TestLoadChunkAfterFailedLoad(t *testing.T) {
	store, _ := newStore(t)
	disk := &flakyDisk{Handler: store, failures: 1}
	h, rec := newTestHandler(t, disk, 0)
	id := chunk.ID{X: 3, Y: 3}
	a := h.NewActiveArea(0)
	a.SetCenter(3, 3, 0)
	require.Eventually(t, func() bool {
		return h.Stats().Spool.Errors == 1
	}, 2*time.Second, time.Millisecond)
	// the failed handle is still held when the area goes away
	a.Close()
	require.Equal(t, 1, h.Stats().Pending)

	c, err := h.LoadChunk(id)
	require.NoError(t, err)
	require.Same(t, c, h.Chunk(id))
	require.Equal(t, 0, h.Stats().Pending)
	require.Equal(t, 1, h.Stats().Free)

	b := h.NewActiveArea(0)
	b.SetCenter(3, 3, 0)
	require.Equal(t, 0, h.Stats().Free)
	require.Equal(t, 0, h.Prune())
	require.Same(t, c, h.Chunk(id))
	require.Equal(t, 1, h.Usage(id))
	require.Equal(t, 0, h.Update())
	require.Equal(t, 1, rec.integrated[id])

	b.Close()
	require.Equal(t, 1, h.Prune())
	require.Nil(t, h.Chunk(id))
	require.NoError(t, h.Close())
}

func TestLoadChunkDoesNotRetryInBackground(t *testing.T) {
	store, _ := newStore(t)
	disk := &flakyDisk{Handler: store, failures: 1}
	h, _ := newTestHandler(t, disk, 64)
	id := chunk.ID{X: 4, Y: 4}
	a := h.NewActiveArea(0)
	a.SetCenter(4, 4, 0)
	require.Eventually(t, func() bool {
		return h.Stats().Spool.Errors == 1
	}, 2*time.Second, time.Millisecond)

	_, err := h.LoadChunk(id)
	require.NoError(t, err)
	require.Equal(t, 1, h.Usage(id))
	st := h.Stats()
	require.Equal(t, 0, st.Pending)
	require.Equal(t, 0, st.Spool.PendingLoads)
	disk.Lock()
	require.Equal(t, []chunk.ID{id, id}, disk.loads)
	disk.Unlock()
	require.NoError(t, h.Close())
}

func TestMoreUrgentAreaPromotesQueuedLoad(t *testing.T) {
	store, _ := newStore(t)
	disk := &flakyDisk{Handler: store}
	h, _ := newTestHandler(t, disk, 64)
	far, near := chunk.ID{X: 0}, chunk.ID{X: 1}
	h.Spooler().Pause()
	a := h.NewActiveArea(10)
	a.SetCenter(0, 0, 0)
	b := h.NewActiveArea(5)
	b.SetCenter(1, 0, 0)
	c := h.NewActiveArea(0)
	c.SetCenter(0, 0, 0)
	require.Equal(t, 2, h.Usage(far))
	require.Equal(t, int64(0), h.Stats().Spool.Merges)
	h.Spooler().Unpause()
	waitResident(t, h, far, near)
	disk.Lock()
	require.Equal(t, []chunk.ID{far, near}, disk.loads)
	disk.Unlock()
	require.NoError(t, h.Close())
}

func TestCloseWritesBack(t *testing.T) {
	disk, base := newStore(t)
	h, rec := newTestHandler(t, disk, 64)
	a := h.NewActiveArea(0)
	a.SetRectangle(Rect{0, 0, 2, 2})
	waitResident(t, h, chunk.ID{}, chunk.ID{X: 1, Y: 1})
	require.NoError(t, h.SetCell(0, 0, chunk.Floor, &chunk.Cell{Floor: 9}))
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	st := h.Stats()
	require.Equal(t, 0, st.Resident)
	require.Equal(t, 0, st.Areas)
	require.Len(t, rec.separated, 4)
	keys, err := base.List("chunks/")
	require.NoError(t, err)
	require.Len(t, keys, 4)
}
