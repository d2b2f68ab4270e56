// pkg/diskio/diskio_test.go

package diskio

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/object"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	object.ObjectStorage
	failPut bool
	gets    int32
}

func (f *flakyStore) Get(key string, off, limit int64) (io.ReadCloser, error) {
	atomic.AddInt32(&f.gets, 1)
	return f.ObjectStorage.Get(key, off, limit)
}

func (f *flakyStore) Put(key string, in io.Reader) error {
	if f.failPut {
		return errors.New("disk full")
	}
	return f.ObjectStorage.Put(key, in)
}

func newTestStore(t *testing.T, cacheSize int64) (*Store, *flakyStore, *chunk.LayoutInfo) {
	base, err := object.CreateStorage("file", t.TempDir(), "", "")
	require.NoError(t, err)
	fs := &flakyStore{ObjectStorage: base}
	layout := chunk.NewLayoutInfo(16, 16, chunk.Floor|chunk.Wall)
	s, err := NewStore(layout, fs, &Config{RuntimeCacheSize: cacheSize, Compression: "lz4"})
	require.NoError(t, err)
	return s, fs, layout
}

func filled(layout *chunk.LayoutInfo, floor uint16) *chunk.Chunk {
	c := chunk.New(layout)
	c.SetCell(3, 5, chunk.Floor, &chunk.Cell{Floor: floor})
	return c
}

func TestLoadMissing(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	c, found, err := LoadChunk(s, chunk.ID{X: 1, Y: 2})
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, c)
	require.Equal(t, int64(1), s.Stats().PersistentMisses)
}

func TestRuntimeCacheRoundTrip(t *testing.T) {
	s, fs, layout := newTestStore(t, 1)
	id := chunk.ID{X: 4, Y: 9}
	UnloadChunk(s, id, filled(layout, 42))

	c, found, err := LoadChunk(s, id)
	require.NoError(t, err)
	require.True(t, found)
	var out chunk.Cell
	c.Cell(3, 5, chunk.Floor, &out)
	require.Equal(t, uint16(42), out.Floor)
	require.Equal(t, int32(0), atomic.LoadInt32(&fs.gets))
	require.Equal(t, int64(0), s.Stats().PersistentWrites)

	// nothing reached the persistent tier until Flush
	_, found, err = s.LoadFromPersistentCache(id)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, s.Flush())
	c, found, err = s.LoadFromPersistentCache(id)
	require.NoError(t, err)
	require.True(t, found)
	c.Cell(3, 5, chunk.Floor, &out)
	require.Equal(t, uint16(42), out.Floor)
}

func TestWriteThrough(t *testing.T) {
	s, _, layout := newTestStore(t, 0)
	id := chunk.ID{X: 0, Y: 1}
	s.StoreInRuntimeCache(filled(layout, 7), id)
	require.Equal(t, int64(1), s.Stats().PersistentWrites)
	_, found, err := s.LoadFromRuntimeCache(id)
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = s.LoadFromPersistentCache(id)
	require.NoError(t, err)
	require.True(t, found)
}

func TestFailedWriteIsRetried(t *testing.T) {
	s, fs, layout := newTestStore(t, 0)
	id := chunk.ID{X: 2, Y: 2}
	fs.failPut = true
	s.StoreInRuntimeCache(filled(layout, 9), id)
	require.Equal(t, int64(1), s.Stats().WriteErrors)
	_, found, err := LoadChunk(s, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Error(t, s.Flush())

	fs.failPut = false
	require.NoError(t, s.Flush())
	_, found, err = s.LoadFromPersistentCache(id)
	require.NoError(t, err)
	require.True(t, found)
}

func TestEvictionSpills(t *testing.T) {
	s, _, layout := newTestStore(t, 0)
	s.conf.RuntimeCacheSize = 1
	s.mem.capacity = 2 << 10
	for i := 0; i < 32; i++ {
		c := chunk.New(layout)
		for j := range c.Walls() {
			c.Walls()[j] = uint32(i*7919 + j*104729)
		}
		s.StoreInRuntimeCache(c, chunk.ID{X: uint16(i)})
	}
	st := s.Stats()
	require.LessOrEqual(t, st.RuntimeBytes, int64(2<<10)+int64(layout.Size()*2))
	require.Greater(t, st.PersistentWrites, int64(0))
	for i := 0; i < 32; i++ {
		c, found, err := LoadChunk(s, chunk.ID{X: uint16(i)})
		require.NoError(t, err)
		require.True(t, found, "chunk %d", i)
		require.Equal(t, uint32(i*7919+5*104729), c.Walls()[5])
	}
}

func TestCorruptedChunk(t *testing.T) {
	s, fs, _ := newTestStore(t, 1)
	id := chunk.ID{X: 8, Y: 8}
	require.NoError(t, fs.Put(id.Key(), io.LimitReader(zeroReader{}, 64)))
	_, found, err := LoadChunk(s, id)
	require.Error(t, err)
	require.False(t, found)
	require.True(t, errors.Is(err, chunk.ErrCorrupted))
}

func TestRemove(t *testing.T) {
	s, _, layout := newTestStore(t, 1)
	id := chunk.ID{X: 1, Y: 1}
	s.StoreInRuntimeCache(filled(layout, 1), id)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Remove(id))
	_, found, err := LoadChunk(s, id)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, s.Remove(id))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestSingleFlight(t *testing.T) {
	var con Controller
	var calls int32
	gate := make(chan struct{})
	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = con.Execute(chunk.ID{X: 1}, func() ([]byte, error) {
			close(started)
			atomic.AddInt32(&calls, 1)
			<-gate
			return []byte("x"), nil
		})
	}()
	<-started
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = con.Execute(chunk.ID{X: 1}, func() ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				return []byte("x"), nil
			})
		}(i)
	}
	close(gate)
	wg.Wait()
	for _, r := range results {
		require.Equal(t, []byte("x"), r)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(9))
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}
