package scheduler

import "sync"

// fifo is an unbounded work unit queue with blocking pop. Dispatch order
// within a resource class is FIFO by enqueue time; a retry re-enters at the
// tail.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []WorkUnit
	closed bool
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a unit. Returns false if the queue is already closed.
func (q *fifo) push(unit WorkUnit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, unit)
	q.cond.Signal()
	return true
}

// pop blocks until a unit is available and dispatchable() is true, or the
// queue is closed. Returns false when closed and drained.
func (q *fifo) pop(dispatchable func() bool) (WorkUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.items) > 0 && dispatchable() {
			unit := q.items[0]
			q.items = q.items[1:]
			return unit, true
		}
		if q.closed && len(q.items) == 0 {
			return WorkUnit{}, false
		}
		if q.closed {
			// Closed but not drained: keep handing out units regardless of
			// pause state so Stop can account for every submitted unit.
			unit := q.items[0]
			q.items = q.items[1:]
			return unit, true
		}
		q.cond.Wait()
	}
}

// wake re-evaluates blocked pops, used on pause state changes.
func (q *fifo) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *fifo) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
