//go:build !unix

// pkg/utils/alloc_other.go

package utils

import "sync/atomic"

var offHeapUsed int64

// Alloc falls back to the Go heap where anonymous mappings are unavailable.
func Alloc(size int) []byte {
	words := make([]uint64, (size+7)/8)
	atomic.AddInt64(&offHeapUsed, int64(size))
	return unsafeBytes(words, size)
}

func Free(b []byte) {
	atomic.AddInt64(&offHeapUsed, -int64(len(b)))
}

func AllocMemory() int64 {
	return atomic.LoadInt64(&offHeapUsed)
}
