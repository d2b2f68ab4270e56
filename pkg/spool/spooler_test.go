// pkg/spool/spooler_test.go

package spool

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"AveGrid/pkg/chunk"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var layout = chunk.NewLayoutInfo(4, 4, chunk.Floor)

type fakeDisk struct {
	sync.Mutex
	data    map[chunk.ID][]byte
	loads   []chunk.ID
	stores  []chunk.ID
	err     error
	block   chan struct{}
	entered chan chunk.ID
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{data: make(map[chunk.ID][]byte), entered: make(chan chunk.ID, 64)}
}

func (d *fakeDisk) wait(id chunk.ID) {
	d.entered <- id
	if d.block != nil {
		<-d.block
	}
}

func (d *fakeDisk) LoadFromRuntimeCache(id chunk.ID) (*chunk.Chunk, bool, error) {
	return nil, false, nil
}

func (d *fakeDisk) LoadFromPersistentCache(id chunk.ID) (*chunk.Chunk, bool, error) {
	d.wait(id)
	d.Lock()
	defer d.Unlock()
	d.loads = append(d.loads, id)
	if d.err != nil {
		return nil, false, d.err
	}
	data, ok := d.data[id]
	if !ok {
		return nil, false, nil
	}
	c := chunk.New(layout)
	copy(c.Bytes(), data)
	return c, true, nil
}

func (d *fakeDisk) StoreInRuntimeCache(c *chunk.Chunk, id chunk.ID) {
	d.wait(id)
	d.Lock()
	defer d.Unlock()
	d.stores = append(d.stores, id)
	d.data[id] = append([]byte(nil), c.Bytes()...)
}

func (d *fakeDisk) calls() int {
	d.Lock()
	defer d.Unlock()
	return len(d.loads) + len(d.stores)
}

func withFloor(v uint16) *chunk.Chunk {
	c := chunk.New(layout)
	c.Floors()[0] = v
	return c
}

func pick(s *Spooler) *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pick()
}

func TestPickBestLoad(t *testing.T) {
	s := New(newFakeDisk(), nil)
	s.Load(chunk.ID{X: 1}, 5)
	s.Load(chunk.ID{X: 2}, 1)
	r := pick(s)
	require.Equal(t, loadRequest, r.kind)
	require.Equal(t, chunk.ID{X: 2}, r.id)
	require.Equal(t, chunk.ID{X: 1}, pick(s).id)
	require.Nil(t, pick(s))
}

func TestWorkerServesBestLoadFirst(t *testing.T) {
	disk := newFakeDisk()
	s := New(disk, nil)
	h5 := s.Load(chunk.ID{X: 1}, 5)
	h1 := s.Load(chunk.ID{X: 2}, 1)
	disk.block = make(chan struct{})
	s.Start()
	require.Equal(t, chunk.ID{X: 2}, <-disk.entered)
	s.Pause()
	disk.block <- struct{}{}
	require.NoError(t, h1.Wait(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.False(t, h5.IsFinished())

	close(disk.block)
	s.Unpause()
	require.NoError(t, h5.Wait(context.Background()))
	s.Close()
}

func TestStealPendingUnload(t *testing.T) {
	disk := newFakeDisk()
	s := New(disk, nil)
	id := chunk.ID{X: 3, Y: 4}
	c := withFloor(11)
	s.Pause()
	require.Equal(t, 1, s.UnloadChunk(id, c))
	h := s.Load(id, 0)
	require.True(t, h.IsFinished())
	got, found, err := h.Take()
	require.NoError(t, err)
	require.True(t, found)
	require.Same(t, c, got)
	require.Equal(t, 0, disk.calls())
	st := s.Stats()
	require.Equal(t, int64(1), st.Steals)
	require.Equal(t, 0, st.PendingUnloads)
}

func TestUnloadPriorityRatio(t *testing.T) {
	conf := DefaultConfig()
	conf.AgingStep = 0
	s := New(newFakeDisk(), conf)
	for i := 0; i < 20; i++ {
		s.Load(chunk.ID{X: uint16(i)}, 0)
	}
	s.Pause()
	s.UnloadChunk(chunk.ID{Y: 1}, withFloor(1))
	s.UnloadChunk(chunk.ID{Y: 2}, withFloor(2))

	var kinds []kind
	for i := 0; i < 16; i++ {
		kinds = append(kinds, pick(s).kind)
	}
	// thresholds 8..0 admit nine loads, then every unload buys four more
	for i, k := range kinds {
		switch {
		case i < 9:
			require.Equal(t, loadRequest, k, "pick %d", i)
		case i == 9:
			require.Equal(t, unloadRequest, k)
		case i < 14:
			require.Equal(t, loadRequest, k, "pick %d", i)
		case i == 14:
			require.Equal(t, unloadRequest, k)
		default:
			require.Equal(t, loadRequest, k)
		}
	}
	require.Equal(t, conf.DefaultUnloadPriority, s.Stats().UnloadPriority)
}

func TestUnloadBacklogEscalation(t *testing.T) {
	conf := DefaultConfig()
	conf.UnloadBacklog = 4
	s := New(newFakeDisk(), conf)
	for i := 0; i < 3; i++ {
		s.Load(chunk.ID{X: uint16(i)}, -1000)
	}
	s.Pause()
	for i := 0; i < 6; i++ {
		s.UnloadChunk(chunk.ID{Y: uint16(i + 1)}, withFloor(uint16(i)))
	}
	for i := 0; i < 3; i++ {
		r := pick(s)
		require.Equal(t, unloadRequest, r.kind, "pick %d", i)
		require.Equal(t, chunk.ID{Y: uint16(i + 1)}, r.id)
		if i < 2 {
			require.True(t, s.Stats().Escalated)
			require.Equal(t, conf.UrgentUnloadPriority, s.Stats().UnloadPriority)
		}
	}
	st := s.Stats()
	require.False(t, st.Escalated)
	require.Equal(t, 3, st.PendingUnloads)
	require.Equal(t, loadRequest, pick(s).kind)
}

func TestLoadAging(t *testing.T) {
	conf := DefaultConfig()
	conf.AgingStep = 2
	s := New(newFakeDisk(), conf)
	old := chunk.ID{X: 100}
	s.Load(old, 10)
	for i := 0; i < 20; i++ {
		s.Load(chunk.ID{X: uint16(i)}, 9)
	}
	var at int
	for i := 0; i < 21; i++ {
		if pick(s).id == old {
			at = i
			break
		}
	}
	require.LessOrEqual(t, at, 2)

	conf.AgingStep = 0
	s = New(newFakeDisk(), conf)
	s.Load(old, 10)
	for i := 0; i < 20; i++ {
		s.Load(chunk.ID{X: uint16(i)}, 9)
	}
	for i := 0; i < 20; i++ {
		require.NotEqual(t, old, pick(s).id)
	}
	require.Equal(t, old, pick(s).id)
}

func TestExtremePriorities(t *testing.T) {
	conf := DefaultConfig()
	conf.AgingStep = 64
	s := New(newFakeDisk(), conf)
	s.Load(chunk.ID{X: 1}, math.MaxInt)
	s.Load(chunk.ID{X: 2}, 0)
	s.Load(chunk.ID{X: 3}, math.MinInt)
	require.Equal(t, chunk.ID{X: 3}, pick(s).id)
	require.Equal(t, chunk.ID{X: 2}, pick(s).id)
	require.Equal(t, chunk.ID{X: 1}, pick(s).id)

	q := &loadQueue{step: 1}
	r := &request{priority: math.MinInt + 1}
	require.Equal(t, math.MinInt, q.effective(r, 10))
}

func TestPromote(t *testing.T) {
	s := New(newFakeDisk(), nil)
	a := s.Load(chunk.ID{X: 1}, 5)
	s.Load(chunk.ID{X: 2}, 3)
	require.True(t, a.Promote(1))
	require.Equal(t, int64(0), s.Stats().Merges)
	r := pick(s)
	require.Equal(t, chunk.ID{X: 1}, r.id)
	require.Equal(t, 1, r.priority)
	require.False(t, a.Promote(0))

	b := s.Load(chunk.ID{X: 3}, 2)
	require.True(t, b.Promote(4))
	require.Equal(t, 2, pick(s).priority)
}

func TestCancel(t *testing.T) {
	disk := newFakeDisk()
	s := New(disk, nil)
	id := chunk.ID{X: 5}
	h := s.Load(id, 0)
	require.True(t, h.Cancel())
	require.False(t, h.Cancel())
	s.Start()
	other := s.Load(chunk.ID{X: 6}, 0)
	require.NoError(t, other.Wait(context.Background()))
	s.Close()
	require.False(t, h.IsFinished())
	disk.Lock()
	require.NotContains(t, disk.loads, id)
	disk.Unlock()
	require.Equal(t, int64(1), s.Stats().Cancelled)
	require.Panics(t, func() { _, _, _ = h.Take() })
}

func TestCancelAfterFinish(t *testing.T) {
	s := New(newFakeDisk(), nil)
	s.Start()
	defer s.Close()
	h := s.Load(chunk.ID{X: 1}, 0)
	require.NoError(t, h.Wait(context.Background()))
	require.False(t, h.Cancel())
	_, found, err := h.Take()
	require.NoError(t, err)
	require.False(t, found)
}

func TestLoadResults(t *testing.T) {
	disk := newFakeDisk()
	disk.data[chunk.ID{X: 1}] = withFloor(77).Bytes()
	s := New(disk, nil)
	s.Start()
	defer s.Close()

	h := s.Load(chunk.ID{X: 1}, 0)
	require.NoError(t, h.Wait(context.Background()))
	c, found, err := h.Take()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint16(77), c.Floors()[0])
	_, _, err = h.Take()
	require.Equal(t, ErrTaken, err)

	h = s.Load(chunk.ID{X: 2}, 0)
	<-h.Done()
	c, found, err = h.Take()
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, c)

	disk.Lock()
	disk.err = errors.New("i/o error")
	disk.Unlock()
	h = s.Load(chunk.ID{X: 1}, 0)
	<-h.Done()
	_, found, err = h.Take()
	require.Error(t, err)
	require.False(t, found)
	require.Equal(t, int64(1), s.Stats().Errors)
}

func TestDuplicateLoadMerged(t *testing.T) {
	s := New(newFakeDisk(), nil)
	id := chunk.ID{X: 9}
	h1 := s.Load(id, 5)
	h2 := s.Load(id, 1)
	require.Same(t, h1, h2)
	st := s.Stats()
	require.Equal(t, 1, st.PendingLoads)
	require.Equal(t, int64(1), st.Merges)
	require.Equal(t, 1, pick(s).priority)
}

func TestDuplicateUnloadReplaced(t *testing.T) {
	disk := newFakeDisk()
	s := New(disk, nil)
	id := chunk.ID{X: 2, Y: 2}
	older, newer := withFloor(1), withFloor(2)
	s.Pause()
	s.UnloadChunk(id, older)
	require.Equal(t, 1, s.UnloadChunk(id, newer))
	require.True(t, older.IsEmpty())
	s.Start()
	s.Unpause()
	s.Close()
	disk.Lock()
	defer disk.Unlock()
	require.Equal(t, []chunk.ID{id}, disk.stores)
	require.Equal(t, byte(2), disk.data[id][0])
}

func TestUnloadFulfilsPendingLoad(t *testing.T) {
	disk := newFakeDisk()
	s := New(disk, nil)
	id := chunk.ID{X: 7}
	h := s.Load(id, 0)
	c := withFloor(5)
	s.Pause()
	require.Equal(t, 0, s.UnloadChunk(id, c))
	require.True(t, h.IsFinished())
	got, found, err := h.Take()
	require.NoError(t, err)
	require.True(t, found)
	require.Same(t, c, got)
	require.Equal(t, 0, disk.calls())
}

func TestPreconditions(t *testing.T) {
	s := New(newFakeDisk(), nil)
	require.Panics(t, func() { s.UnloadChunk(chunk.ID{}, withFloor(0)) })
	h := s.Load(chunk.ID{}, 0)
	require.False(t, h.IsFinished())
	require.Panics(t, func() { _, _, _ = h.Take() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, h.Wait(ctx))
}

func TestPauseStopsWorker(t *testing.T) {
	s := New(newFakeDisk(), nil)
	s.Start()
	defer s.Close()
	s.Pause()
	require.True(t, s.IsPaused())
	h := s.Load(chunk.ID{X: 1}, 0)
	time.Sleep(30 * time.Millisecond)
	require.False(t, h.IsFinished())
	s.Unpause()
	require.Eventually(t, h.IsFinished, time.Second, time.Millisecond)
}

func TestLoadNow(t *testing.T) {
	disk := newFakeDisk()
	s := New(disk, nil)
	id := chunk.ID{X: 1, Y: 1}

	c, found, err := s.LoadNow(id)
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, c)

	queued := s.Load(id, 3)
	s.Pause()
	mine := withFloor(3)
	s.UnloadChunk(chunk.ID{X: 2}, mine)
	c, found, err = s.LoadNow(chunk.ID{X: 2})
	require.NoError(t, err)
	require.True(t, found)
	require.Same(t, mine, c)

	_, _, err = s.LoadNow(id)
	require.NoError(t, err)
	require.Equal(t, 0, s.Stats().PendingLoads)
	require.False(t, queued.IsFinished())
	require.Equal(t, int64(2), s.Stats().SyncLoads)
}

func TestLoadNowWaitsForInflightUnload(t *testing.T) {
	disk := newFakeDisk()
	disk.block = make(chan struct{})
	s := New(disk, nil)
	id := chunk.ID{X: 8, Y: 8}
	s.Pause()
	s.UnloadChunk(id, withFloor(42))
	s.Start()
	s.Unpause()
	require.Equal(t, id, <-disk.entered)

	done := make(chan *chunk.Chunk)
	go func() {
		c, _, _ := s.LoadNow(id)
		done <- c
	}()
	select {
	case <-done:
		t.Fatal("load finished before the write")
	case <-time.After(30 * time.Millisecond):
	}
	close(disk.block)
	c := <-done
	require.NotNil(t, c)
	require.Equal(t, uint16(42), c.Floors()[0])
	s.Close()
}

func TestClose(t *testing.T) {
	disk := newFakeDisk()
	s := New(disk, nil)
	s.Pause()
	for i := 0; i < 3; i++ {
		s.UnloadChunk(chunk.ID{X: uint16(i)}, withFloor(uint16(i)))
	}
	h := s.Load(chunk.ID{Y: 9}, 0)
	s.Close()
	require.False(t, s.IsRunning())
	disk.Lock()
	require.Len(t, disk.stores, 3)
	require.Empty(t, disk.loads)
	disk.Unlock()

	_, _, err := h.Take()
	require.Equal(t, ErrClosed, err)
	h = s.Load(chunk.ID{Y: 10}, 0)
	_, _, err = h.Take()
	require.Equal(t, ErrClosed, err)

	c := withFloor(1)
	require.Equal(t, 0, s.UnloadChunk(chunk.ID{Y: 11}, c))
	require.True(t, c.IsEmpty())
	s.Close()
}
