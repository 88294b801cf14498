package shm

import (
	"sync/atomic"
	"unsafe"
)

// WordSize is the stride readers use when touching a region.
const WordSize = 4

// LoadUint32 loads the word at off from mem. The load is a real memory
// access even when the result is discarded, so touching a page past the end
// of the backing file faults here. off must be WordSize aligned relative to
// a page aligned mem.
func LoadUint32(mem []byte, off int) uint32 {
	_ = mem[off+WordSize-1]
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}
