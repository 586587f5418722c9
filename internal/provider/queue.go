package provider

import (
	"errors"
	"sync"
)

// ErrQueueOverflow is returned by Push when the queue is full and the update was dropped.
var ErrQueueOverflow = errors.New("pending queue full, update dropped")

// PendingQueue is the bounded FIFO of updates produced while disconnected.
// When full it drops the newest update: the edit itself stays in the replica
// and is repaired by state-vector resync after reconnecting.
type PendingQueue struct {
	mu       sync.Mutex
	capacity int
	items    [][]byte
	dropped  int
}

func NewPendingQueue(capacity int) *PendingQueue {
	return &PendingQueue{capacity: capacity}
}

func (q *PendingQueue) Push(update []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.dropped++
		return ErrQueueOverflow
	}
	q.items = append(q.items, update)
	return nil
}

// Drain removes and returns every queued update in arrival order.
func (q *PendingQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts updates rejected because the queue was full.
func (q *PendingQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *PendingQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
