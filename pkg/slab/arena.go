package slab

import "sync/atomic"

// Arena is the backing allocator that hands the slab layer contiguous
// ranges (spec §3 "Slab allocator": "backing arena"). A real kernel arena
// carves address space; this Go port carves byte slices off the Go heap,
// which is the idiomatic equivalent for something that must still report a
// distinct "slab" for coloring and must be freeable as one unit.
type Arena interface {
	// Alloc returns a zeroed buffer of exactly size bytes.
	Alloc(size int) ([]byte, error)
	// Free returns a buffer previously obtained from Alloc.
	Free(buf []byte)
}

// HeapArena is the default Arena: it simply asks the Go runtime for memory.
// It tracks outstanding bytes so tests can assert an arena gives everything
// back once every cache sharing it is destroyed.
type HeapArena struct {
	outstanding int64
}

func NewHeapArena() *HeapArena {
	return &HeapArena{}
}

func (a *HeapArena) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	atomic.AddInt64(&a.outstanding, int64(size))
	return make([]byte, size), nil
}

func (a *HeapArena) Free(buf []byte) {
	atomic.AddInt64(&a.outstanding, -int64(len(buf)))
}

// Outstanding reports the number of bytes currently on loan from the arena.
func (a *HeapArena) Outstanding() int64 {
	return atomic.LoadInt64(&a.outstanding)
}
