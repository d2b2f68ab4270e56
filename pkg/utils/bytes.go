// pkg/utils/bytes.go

package utils

import "unsafe"

// unsafeBytes reinterprets an 8-byte aligned word slice as its first n bytes.
func unsafeBytes(words []uint64, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// AlignedBytes returns a zeroed Go heap buffer of n bytes whose first byte is
// 8-byte aligned, so typed views of up to 8 byte elements can be laid over it.
func AlignedBytes(n int) []byte {
	return unsafeBytes(make([]uint64, (n+7)/8), n)
}

// AlignUp rounds value up to a multiple of alignment, which must be a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}
