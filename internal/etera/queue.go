package etera

import "sync"

// fifo is a mutex guarded queue. The lock is only held for the append/pop
// critical section.
type fifo[T Command] struct {
	mu    sync.Mutex
	items []T
}

func (q *fifo[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *fifo[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// abort finishes every queued command unsuccessfully so its waiters unblock.
func (q *fifo[T]) abort() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, item := range items {
		item.finish(false)
	}
	return len(items)
}

// motorQueue holds the moves of one motor. At most the head is started.
type motorQueue struct {
	fifo[*MotorMove]
	nextChain uint64
}

// enqueue appends the chunks of one move. With override the queue is aborted
// first, failing whatever was in flight.
func (q *motorQueue) enqueue(motor int, dir Direction, durationMs int, override bool) []*MotorMove {
	if override {
		q.abort()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextChain++
	var moves []*MotorMove
	for _, chunk := range splitDuration(durationMs) {
		m := newMotorMove(motor, dir, chunk, q.nextChain)
		moves = append(moves, m)
		q.items = append(q.items, m)
	}
	return moves
}

// startNext marks the head as started and returns it, or nil when the head is
// already in flight or the queue is empty.
func (q *motorQueue) startNext() *MotorMove {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].started {
		return nil
	}
	q.items[0].started = true
	return q.items[0]
}

// completeStarted pops the in-flight head after a stop notification. It
// returns false when nothing was in flight.
func (q *motorQueue) completeStarted() bool {
	q.mu.Lock()
	if len(q.items) == 0 || !q.items[0].started {
		q.mu.Unlock()
		return false
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.mu.Unlock()

	head.finish(true)
	return true
}

// fail removes m and every later chunk of the same move, finishing them all
// unsuccessfully. A move already removed by an override is left alone.
func (q *motorQueue) fail(m *MotorMove) {
	q.mu.Lock()
	var failed []*MotorMove
	kept := q.items[:0]
	for _, item := range q.items {
		if item == m || item.chain == m.chain {
			failed = append(failed, item)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.mu.Unlock()

	m.finish(false)
	for _, item := range failed {
		item.finish(false)
	}
}
