// Package mpmcqueue provides bounded, lock-free FIFO queues built on a
// fixed ring of slots with per-slot sequence counters.
//
// The sequence protocol is Dmitry Vyukov's bounded MPMC queue:
// https://www.1024cores.net/home/lock-free-algorithms/queues/bounded-mpmc-queue
//
// All queues in this package are fixed-capacity and non-blocking: an
// operation either commits fully or reports full/empty and leaves the
// queue untouched. Capacities must be powers of two so that slot index =
// position & mask.
package mpmcqueue

import "sync/atomic"

// slot is one ring cell. The sequence counter is the sole state variable:
// seq == pos means the cell is free for a producer claiming position pos,
// seq == pos+1 means it holds a completed write for pos, and
// seq == pos+capacity means pos has been consumed and the cell is free for
// the next lap of the ring.
type slot[T any] struct {
	seq atomic.Uint64
	val T
}
