package mpmcqueue

// Arena is a fixed pool of payload slots handed out by index. A ring
// queue of free indices does the bookkeeping, so claiming and recycling
// a slot is lock-free and nothing is allocated after construction.
//
// An Arena must not be copied after first use; share it by pointer.
type Arena[T any] struct {
	free *MPMC[int]
	data []T
}

// NewArena creates an arena with the given number of slots.
// 'capacity' must be a power of two (1<<k) and non-zero.
func NewArena[T any](capacity uint64) *Arena[T] {
	a := &Arena[T]{
		free: NewMPMC[int](capacity),
		data: make([]T, capacity),
	}

	for i := 0; i < int(capacity); i++ {
		if !a.free.Enqueue(i) {
			panic("unreached")
		}
	}

	return a
}

// Put claims a free slot and stores v in it, returning the slot index.
// Returns (0, false) when every slot is in use.
// May be called concurrently from many goroutines.
func (a *Arena[T]) Put(v T) (int, bool) {
	idx, ok := a.free.Dequeue()
	if !ok {
		return 0, false
	}
	a.data[idx] = v
	return idx, true
}

// At returns the value stored at idx. Safe to call concurrently for any
// index that has been claimed and not yet freed.
func (a *Arena[T]) At(idx int) T {
	return a.data[idx]
}

// Free recycles a claimed slot. The slot value is cleared so the arena
// does not pin payload references. Each claimed index must be freed
// exactly once.
// May be called concurrently from many goroutines.
func (a *Arena[T]) Free(idx int) {
	var zero T
	a.data[idx] = zero
	if !a.free.Enqueue(idx) {
		panic("unreached")
	}
}
