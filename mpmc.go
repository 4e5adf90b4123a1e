package mpmcqueue

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MPMC is a bounded multi-producer/multi-consumer FIFO queue.
//
// Any goroutine may enqueue and any goroutine may dequeue, concurrently
// and without coordination beyond the queue itself. Progress is lock-free:
// a caller may retry its CAS under contention, but some operation always
// completes system-wide and no operation ever blocks or sleeps waiting
// for space or data.
//
// An MPMC must not be copied after first use; share it by pointer.
type MPMC[T any] struct {
	// Padding to avoid false sharing between hot fields.
	_        cpu.CacheLinePad
	mask     uint64
	capacity uint64
	slots    []slot[T]
	_        cpu.CacheLinePad
	enqueue  atomic.Uint64 // next position to claim for writing (producers)
	_        cpu.CacheLinePad
	dequeue  atomic.Uint64 // next position to claim for reading (consumers)
	_        cpu.CacheLinePad
}

const goschedEvery = 64 // reduce runtime.Gosched() frequency in hot loops

// NewMPMC creates a bounded MPMC ring queue.
// 'capacity' must be a power of two (1<<k) and non-zero; anything else is
// a programming error and panics before the queue becomes usable.
func NewMPMC[T any](capacity uint64) *MPMC[T] {
	if capacity == 0 || (capacity&(capacity-1)) != 0 {
		panic("mpmcqueue: capacity must be a power of two and > 0")
	}

	slots := make([]slot[T], capacity)
	for i := uint64(0); i < capacity; i++ {
		// initial sequence for each slot matches its index
		slots[i].seq.Store(i)
	}

	return &MPMC[T]{
		mask:     capacity - 1,
		capacity: capacity,
		slots:    slots,
	}
}

// Enqueue pushes an element into the queue.
// Returns false if the queue is full; the queue is left untouched and the
// caller keeps the value. Safe to call concurrently from many producer
// goroutines. Enqueue never allocates and never blocks.
func (q *MPMC[T]) Enqueue(v T) bool {
	var spins uint32
	for {
		pos := q.enqueue.Load()
		s := &q.slots[pos&q.mask]

		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			// Slot is free for this position, try to reserve it.
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				// We own the slot until the sequence is published.
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
			// Another producer won the race for pos, retry.
			spins++
			if spins%goschedEvery == 0 {
				runtime.Gosched()
			}
		} else if diff < 0 {
			// The slot has not been freed by a consumer yet: for this
			// producer the queue is full. Report it, don't wait.
			return false
		} else {
			// diff > 0: the slot already belongs to a later position, our
			// cursor snapshot is stale. Reload and retry.
			spins++
			if spins%goschedEvery == 0 {
				runtime.Gosched()
			}
		}
	}
}

// Dequeue pops the oldest element from the queue.
// Returns (zero, false) if the queue is empty. Safe to call concurrently
// from many consumer goroutines.
func (q *MPMC[T]) Dequeue() (T, bool) {
	var zero T
	var spins uint32
	for {
		pos := q.dequeue.Load()
		s := &q.slots[pos&q.mask]

		seq := s.seq.Load()
		diff := int64(seq) - int64(pos+1)

		if diff == 0 {
			// A completed write is waiting at this position, try to claim it.
			if !q.dequeue.CompareAndSwap(pos, pos+1) {
				spins++
				if spins%goschedEvery == 0 {
					runtime.Gosched()
				}
				continue
			}

			v := s.val
			// Drop the queue's reference so the payload can be collected,
			// then free the slot for position pos+capacity on the next lap.
			s.val = zero
			s.seq.Store(pos + q.capacity)

			return v, true
		}

		if diff < 0 {
			// No completed write at this position: the queue is empty.
			return zero, false
		}

		// diff > 0: another consumer already advanced past pos. Reload.
		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}
}

// Capacity returns the fixed queue capacity.
func (q *MPMC[T]) Capacity() uint64 {
	return q.capacity
}

// SizeApprox returns the number of elements in the queue as observed by
// two independent cursor loads. Under concurrent use the result may be
// stale in either direction; it is exact only while the queue is quiesced.
// A transiently negative difference is clamped to zero. Diagnostic only,
// never a correctness oracle.
func (q *MPMC[T]) SizeApprox() uint64 {
	head := q.enqueue.Load()
	tail := q.dequeue.Load()
	if diff := int64(head - tail); diff > 0 {
		return uint64(diff)
	}
	return 0
}

// EmptyApprox reports whether the queue appears empty. Advisory only, see
// SizeApprox.
func (q *MPMC[T]) EmptyApprox() bool {
	return q.SizeApprox() == 0
}
