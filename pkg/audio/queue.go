package audio

import (
	"errors"
	"sync"
)

var (
	// ErrQueueClosed is returned by [FrameQueue.Push] after [FrameQueue.Close].
	ErrQueueClosed = errors.New("audio: frame queue closed")

	// ErrQueueFull is returned by [FrameQueue.Push] when accepting the chunk
	// would exceed the queue's sample limit.
	ErrQueueFull = errors.New("audio: frame queue full")
)

// compactThreshold is the number of consumed head slots tolerated before the
// backing slice is compacted.
const compactThreshold = 32

// FrameQueue is a FIFO of PCM sample blocks that supports partial consumption:
// a block may be drained part-way, with the remainder staying at the head.
//
// Writers ([FrameQueue.Push]) may block briefly on the internal mutex. The
// reader ([FrameQueue.ReadInto]) never blocks: it uses a try-lock and reports
// contention to the caller instead of waiting. The lock is never held across
// I/O or allocation-heavy work, only across slice bookkeeping and copy.
//
// FrameQueue is safe for concurrent use.
type FrameQueue struct {
	mu      sync.Mutex
	blocks  [][]int16
	head    int // index of the first unconsumed block
	offset  int // samples already consumed from blocks[head]
	samples int // unconsumed samples across all blocks
	limit   int
	closed  bool
}

// NewFrameQueue returns an empty queue. limit caps the number of queued
// samples; zero or negative means unbounded.
func NewFrameQueue(limit int) *FrameQueue {
	if limit < 0 {
		limit = 0
	}
	return &FrameQueue{limit: limit}
}

// Push appends samples to the tail of the queue. The queue takes ownership of
// the slice; callers must not modify it afterwards. Empty input is accepted
// and ignored.
func (q *FrameQueue) Push(samples []int16) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(samples) == 0 {
		return nil
	}
	if q.limit > 0 && q.samples+len(samples) > q.limit {
		return ErrQueueFull
	}
	q.blocks = append(q.blocks, samples)
	q.samples += len(samples)
	return nil
}

// ReadInto copies up to len(dst) samples from the head of the queue into dst,
// oldest first, and returns the number copied. A block larger than the
// remaining space is consumed partially and its remainder stays at the head.
//
// ok is false when the lock could not be acquired without waiting; in that
// case nothing was read and the queue is unchanged.
func (q *FrameQueue) ReadInto(dst []int16) (n int, ok bool) {
	if !q.mu.TryLock() {
		return 0, false
	}
	defer q.mu.Unlock()

	for n < len(dst) && q.head < len(q.blocks) {
		block := q.blocks[q.head][q.offset:]
		c := copy(dst[n:], block)
		n += c
		q.samples -= c
		if c == len(block) {
			q.blocks[q.head] = nil
			q.head++
			q.offset = 0
		} else {
			q.offset += c
		}
	}
	q.compact()
	return n, true
}

// compact drops consumed block slots. Must be called with q.mu held.
func (q *FrameQueue) compact() {
	switch {
	case q.head == len(q.blocks):
		q.blocks = q.blocks[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.blocks):
		n := copy(q.blocks, q.blocks[q.head:])
		clear(q.blocks[n:])
		q.blocks = q.blocks[:n]
		q.head = 0
	}
}

// Len returns the number of blocks still holding unconsumed samples, counting
// a partially consumed head block as one.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks) - q.head
}

// Samples returns the number of unconsumed samples in the queue.
func (q *FrameQueue) Samples() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.samples
}

// Close discards all queued audio and rejects further pushes. It is safe to
// call Close more than once.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	clear(q.blocks)
	q.blocks = nil
	q.head = 0
	q.offset = 0
	q.samples = 0
}

// Closed reports whether Close has been called.
func (q *FrameQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
