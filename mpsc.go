package mpmcqueue

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MPSC is the single-consumer specialization of the ring: producers run
// the same claim/publish protocol as MPMC, but the consumer cursor is a
// plain counter owned by exactly one goroutine, so Dequeue claims slots
// without a CAS.
//
// An MPSC must not be copied after first use; share it by pointer.
type MPSC[T any] struct {
	// Padding to avoid false sharing between frequently accessed fields.
	_        cpu.CacheLinePad
	mask     uint64
	capacity uint64
	slots    []slot[T]
	_        cpu.CacheLinePad
	enqueue  atomic.Uint64 // next position to claim for writing (producers)
	_        cpu.CacheLinePad
	dequeue  uint64 // next position to read, owned by the single consumer
	_        cpu.CacheLinePad
}

// NewMPSC creates a bounded multi-producer/single-consumer ring queue.
// 'capacity' must be a power of two (1<<k) and non-zero.
func NewMPSC[T any](capacity uint64) *MPSC[T] {
	if capacity == 0 || (capacity&(capacity-1)) != 0 {
		panic("mpmcqueue: capacity must be a power of two and > 0")
	}

	slots := make([]slot[T], capacity)
	for i := uint64(0); i < capacity; i++ {
		slots[i].seq.Store(i)
	}

	return &MPSC[T]{
		mask:     capacity - 1,
		capacity: capacity,
		slots:    slots,
	}
}

// Enqueue pushes an element into the queue.
// Returns false if the queue is full. Safe to call concurrently from many
// producer goroutines.
func (q *MPSC[T]) Enqueue(v T) bool {
	for {
		pos := q.enqueue.Load()
		s := &q.slots[pos&q.mask]

		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
			// contention, retry
		} else if diff < 0 {
			// the consumer has not freed this slot yet: full
			return false
		}
		// diff > 0: stale cursor snapshot, retry with a fresh pos
	}
}

// Dequeue pops the oldest element from the queue.
// Returns (zero, false) if the queue is empty or the producer owning the
// next slot has not published yet.
// IMPORTANT: must be called from a single consumer goroutine.
func (q *MPSC[T]) Dequeue() (T, bool) {
	var zero T

	pos := q.dequeue
	s := &q.slots[pos&q.mask]

	seq := s.seq.Load()
	if int64(seq)-int64(pos+1) != 0 {
		// Nothing published at this position. With one consumer there is
		// no cursor race to retry against, so report empty either way.
		return zero, false
	}

	q.dequeue = pos + 1

	v := s.val
	s.val = zero
	// Free the slot for position pos+capacity on the next lap.
	s.seq.Store(pos + q.capacity)

	return v, true
}

// Capacity returns the fixed queue capacity.
func (q *MPSC[T]) Capacity() uint64 {
	return q.capacity
}
