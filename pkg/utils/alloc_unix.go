//go:build unix

// pkg/utils/alloc_unix.go

package utils

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var offHeapUsed int64

// Alloc returns a zeroed, page aligned buffer that lives outside of the Go heap.
// The buffer must be returned with Free.
func Alloc(size int) []byte {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic(fmt.Sprintf("mmap %d bytes: %s", size, err))
	}
	atomic.AddInt64(&offHeapUsed, int64(size))
	return b
}

// Free releases a buffer returned by Alloc.
func Free(b []byte) {
	if len(b) == 0 {
		return
	}
	atomic.AddInt64(&offHeapUsed, -int64(len(b)))
	if err := unix.Munmap(b); err != nil {
		logger := GetLogger("avegrid")
		logger.Errorf("munmap %d bytes: %s", len(b), err)
	}
}

// AllocMemory returns the number of bytes currently held by Alloc.
func AllocMemory() int64 {
	return atomic.LoadInt64(&offHeapUsed)
}
