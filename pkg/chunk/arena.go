// pkg/chunk/arena.go

package chunk

import (
	"runtime"
	"sync/atomic"

	"AveGrid/pkg/utils"
)

var logger = utils.GetLogger("avegrid")

var arenaBytes int64

// arena is the single allocation backing a non-empty chunk.
type arena struct {
	offHeap bool
	data    []byte
}

func newArena(size int, offHeap bool) *arena {
	if size <= 0 {
		panic("size of arena should > 0")
	}
	atomic.AddInt64(&arenaBytes, int64(size))
	if !offHeap {
		return &arena{data: utils.AlignedBytes(size)}
	}
	a := &arena{offHeap: true, data: utils.Alloc(size)}
	runtime.SetFinalizer(a, func(a *arena) {
		if a.data != nil {
			logger.Errorf("arena %p of %d bytes was never released", a, len(a.data))
			a.release()
		}
	})
	return a
}

func (a *arena) release() {
	if a.data == nil {
		return
	}
	atomic.AddInt64(&arenaBytes, -int64(len(a.data)))
	if a.offHeap {
		utils.Free(a.data)
	}
	a.data = nil
}

// UsedMemory returns the bytes held by all live chunk arenas.
func UsedMemory() int64 {
	return atomic.LoadInt64(&arenaBytes)
}
