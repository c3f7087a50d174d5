// Package batch buffers modified-file records so bursts of writes collapse
// into fewer remote round trips. Items drain when either bound is hit: batch
// size, or the age of the oldest pending item.
package batch

import (
	"sync"
	"time"
)

// Item is one buffered upsert payload together with its delivery metadata.
type Item struct {
	Record   map[string]any
	Producer string
	Path     string
}

// Stats is a snapshot of queue counters for the operator surface.
type Stats struct {
	TotalAdded   int64         `json:"total_added"`
	TotalFlushed int64         `json:"total_flushed"`
	Pending      int           `json:"pending"`
	SinceFlush   time.Duration `json:"since_flush_ns"`
}

// Queue is a mutex-guarded in-memory batch buffer. It performs no I/O and no
// background work of its own; the caller drives it from the dispatch path and
// a flush ticker.
type Queue struct {
	maxSize int
	maxAge  time.Duration

	mu        sync.Mutex
	items     []Item
	oldestAdd time.Time
	lastFlush time.Time
	added     int64
	flushed   int64
}

// New creates a Queue that drains at maxSize items or when the oldest pending
// item reaches maxAge.
func New(maxSize int, maxAge time.Duration) *Queue {
	return &Queue{
		maxSize:   maxSize,
		maxAge:    maxAge,
		lastFlush: time.Now(),
	}
}

// Add buffers an item. When the addition fills the queue to maxSize, or the
// oldest pending item has exceeded maxAge, the whole buffer is drained and
// returned; otherwise Add returns nil. The caller owns the returned slice.
func (q *Queue) Add(item Item) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		q.oldestAdd = time.Now()
	}
	q.items = append(q.items, item)
	q.added++

	if len(q.items) >= q.maxSize || time.Since(q.oldestAdd) >= q.maxAge {
		return q.drainLocked()
	}
	return nil
}

// Flush drains and returns all pending items. It returns nil when the queue
// is empty.
func (q *Queue) Flush() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalAdded:   q.added,
		TotalFlushed: q.flushed,
		Pending:      len(q.items),
		SinceFlush:   time.Since(q.lastFlush),
	}
}

func (q *Queue) drainLocked() []Item {
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	q.flushed += int64(len(out))
	q.lastFlush = time.Now()
	return out
}
