package mpmcqueue

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var (
	// ErrQueueFull is returned by Submit when every slot is occupied.
	ErrQueueFull = fmt.Errorf("queue is full")
	// ErrTimeout is returned by Submit when ctx expires before a reply.
	ErrTimeout = fmt.Errorf("timeout")
)

// Task is one in-flight request/response exchange. Handlers passed to
// Reply receive the live slot body: read Req, fill Resp. Both slices are
// reused across ring laps, so handlers must not retain them after
// returning.
type Task struct {
	Req  []byte
	Resp []byte

	done chan error
}

// taskSlot extends the ring cell with a second counter. seq runs the
// usual claim/publish protocol; lock arbitrates ownership of the task
// body between the replying consumer and a submitter that times out:
// lock == pos+1 means the task is live and claimable, lock == pos+capacity
// means it is held or finished.
type taskSlot struct {
	seq  atomic.Uint64
	lock atomic.Uint64
	task Task
}

// TaskQueue is a bounded request/response ring: many submitters push
// tasks, a single consumer drains them with Next and answers with Reply.
// A submitter that waits (Submit) is woken through a pooled channel; one
// that gave up is skipped without blocking the consumer.
//
// A TaskQueue must not be copied after first use; share it by pointer.
type TaskQueue struct {
	// Padding to avoid false sharing between frequently accessed fields.
	_        cpu.CacheLinePad
	mask     uint64
	capacity uint64
	slots    []taskSlot
	_        cpu.CacheLinePad
	enqueue  atomic.Uint64 // next position to claim for writing (submitters)
	_        cpu.CacheLinePad
	dequeue  uint64 // next position to read, owned by the single consumer
	_        cpu.CacheLinePad

	enqueueAttempts atomic.Uint64
	enqueueFull     atomic.Uint64
	enqueueStale    atomic.Uint64

	dequeueAttempts  atomic.Uint64
	dequeueEmpty     atomic.Uint64
	dequeueAbandoned atomic.Uint64

	replies     atomic.Uint64
	replyMissed atomic.Uint64

	successes atomic.Uint64
	timeouts  atomic.Uint64
}

// TaskQueueStats is a snapshot of the queue's operation counters.
type TaskQueueStats struct {
	EnqueueAttempts uint64
	EnqueueFull     uint64
	EnqueueStale    uint64

	DequeueAttempts  uint64
	DequeueEmpty     uint64
	DequeueAbandoned uint64

	Replies     uint64
	ReplyMissed uint64

	Successes uint64
	Timeouts  uint64
}

// NewTaskQueue creates a bounded task ring.
// 'capacity' must be a power of two (1<<k) and at least 2: the per-slot
// lock relies on pos+1 and pos+capacity being distinct values.
func NewTaskQueue(capacity uint64) *TaskQueue {
	if capacity < 2 || (capacity&(capacity-1)) != 0 {
		panic("mpmcqueue: capacity must be a power of two and >= 2")
	}

	slots := make([]taskSlot, capacity)
	for i := uint64(0); i < capacity; i++ {
		slots[i].seq.Store(i)
	}

	return &TaskQueue{
		mask:     capacity - 1,
		capacity: capacity,
		slots:    slots,
	}
}

// Stats returns the current operation counters.
func (q *TaskQueue) Stats() TaskQueueStats {
	return TaskQueueStats{
		EnqueueAttempts:  q.enqueueAttempts.Load(),
		EnqueueFull:      q.enqueueFull.Load(),
		EnqueueStale:     q.enqueueStale.Load(),
		DequeueAttempts:  q.dequeueAttempts.Load(),
		DequeueEmpty:     q.dequeueEmpty.Load(),
		DequeueAbandoned: q.dequeueAbandoned.Load(),
		Replies:          q.replies.Load(),
		ReplyMissed:      q.replyMissed.Load(),
		Successes:        q.successes.Load(),
		Timeouts:         q.timeouts.Load(),
	}
}

// Submit pushes a request and blocks until the consumer replies or ctx
// expires. On a reply, onReply (if non-nil) is called with the response
// bytes before the slot is recycled; the slice must not be retained. The
// returned error is the handler's, or ErrQueueFull / ErrTimeout.
// Safe to call concurrently from many goroutines.
func (q *TaskQueue) Submit(ctx context.Context, req []byte, onReply func(resp []byte)) error {
	done := donePool.Get().(chan error)

	q.enqueueAttempts.Add(1)
	for {
		pos := q.enqueue.Load()
		s := &q.slots[pos&q.mask]

		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			if !q.enqueue.CompareAndSwap(pos, pos+1) {
				continue // contention, retry
			}

			t := &s.task
			t.Req = append(t.Req[:0], req...)
			t.done = done

			// Publish: lock first so the consumer seeing seq == pos+1
			// also sees a claimable lock.
			s.lock.Store(pos + 1)
			s.seq.Store(pos + 1)

			select {
			case err := <-done:
				q.successes.Add(1)
				if onReply != nil {
					onReply(t.Resp)
				}
				q.Release(pos, pos+1)
				donePool.Put(done)
				return err
			case <-ctx.Done():
				q.timeouts.Add(1)
				q.Release(pos, pos+1)
				// Release cut off any future reply, but one may have
				// landed already. Drain it so the pooled channel is clean.
				select {
				case <-done:
				default:
				}
				donePool.Put(done)
				return ErrTimeout
			}
		} else if diff < 0 {
			// slot has not been freed since the previous lap: full
			q.enqueueFull.Add(1)
			donePool.Put(done)
			return ErrQueueFull
		} else {
			// diff > 0: stale cursor snapshot, retry with a fresh pos
			q.enqueueStale.Add(1)
			runtime.Gosched()
		}
	}
}

// TrySubmit pushes a fire-and-forget request: no reply is delivered and
// the handler's error is dropped. Returns false if the queue is full.
// Safe to call concurrently from many goroutines.
func (q *TaskQueue) TrySubmit(req []byte) bool {
	q.enqueueAttempts.Add(1)
	for {
		pos := q.enqueue.Load()
		s := &q.slots[pos&q.mask]

		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			if !q.enqueue.CompareAndSwap(pos, pos+1) {
				continue // contention, retry
			}

			t := &s.task
			t.Req = append(t.Req[:0], req...)
			t.done = nil

			s.lock.Store(pos + 1)
			s.seq.Store(pos + 1)
			return true
		} else if diff < 0 {
			q.enqueueFull.Add(1)
			return false
		} else {
			q.enqueueStale.Add(1)
			runtime.Gosched()
		}
	}
}

// Next claims the oldest pending task and returns its position and
// sequence for Reply. Positions whose submitter already timed out are
// skipped. Returns ok == false when the queue is empty.
// IMPORTANT: must be called from a single consumer goroutine.
func (q *TaskQueue) Next() (pos, seq uint64, ok bool) {
	for {
		pos = q.dequeue
		s := &q.slots[pos&q.mask]
		q.dequeueAttempts.Add(1)

		seq = s.seq.Load()
		diff := int64(seq) - int64(pos+1)

		if diff == 0 {
			q.dequeue = pos + 1
			return pos, seq, true
		}
		if diff < 0 {
			// nothing published at this position yet
			q.dequeueEmpty.Add(1)
			return 0, 0, false
		}
		// diff > 0: the submitter released this position before we
		// reached it. Skip it, the cell now belongs to a later lap.
		q.dequeueAbandoned.Add(1)
		q.dequeue = pos + 1
	}
}

// Reply runs fn on the task claimed at (pos, seq) and wakes its
// submitter. Returns false without touching the task if the submitter
// already timed out. fn's error is delivered to Submit, or dropped for
// TrySubmit tasks. May be called from any goroutine, at most once per
// (pos, seq) pair obtained from Next.
func (q *TaskQueue) Reply(pos, seq uint64, fn func(t *Task) error) bool {
	s := &q.slots[pos&q.mask]

	if !s.lock.CompareAndSwap(seq, pos+q.capacity) {
		q.replyMissed.Add(1)
		return false
	}

	err := fn(&s.task)
	q.replies.Add(1)

	done := s.task.done
	if done == nil {
		// Fire-and-forget: nobody waits, finish the slot here.
		s.seq.Store(pos + q.capacity)
		return true
	}

	// Wake the submitter, then hand the lock back so its Release can
	// claim the slot. The send precedes the handback so a released slot
	// can never receive a late reply.
	done <- err
	s.lock.Store(seq)
	return true
}

// Release returns the slot claimed for pos to the producers. Submit
// releases its own position after its wait ends; a position must be
// released exactly once, by its submitting side. Spins while Reply
// holds the task body.
func (q *TaskQueue) Release(pos, seq uint64) {
	s := &q.slots[pos&q.mask]

	for !s.lock.CompareAndSwap(seq, pos+q.capacity) {
		runtime.Gosched()
	}

	s.task.done = nil
	s.seq.Store(pos + q.capacity)
}

// Capacity returns the fixed queue capacity.
func (q *TaskQueue) Capacity() uint64 {
	return q.capacity
}

var donePool = sync.Pool{
	New: func() any { return make(chan error, 1) },
}
