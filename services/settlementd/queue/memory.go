package queue

import (
	"sync"
	"time"
)

// MemoryQueue is a bounded in-process queue with idempotency-key
// deduplication and timer-based delayed delivery. Cancellation prior to
// dispatch removes a still-delayed intent; intents already handed to a
// consumer are outside the queue's control.
type MemoryQueue struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	delayed map[string]*time.Timer
	ch      chan Intent
	done    chan struct{}
	closed  bool
}

// NewMemoryQueue constructs a queue holding at most capacity ready intents.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		keys:    make(map[string]struct{}),
		delayed: make(map[string]*time.Timer),
		ch:      make(chan Intent, capacity),
		done:    make(chan struct{}),
	}
}

// Enqueue adds the intent unless its idempotency key collides with one seen
// before. Delayed intents are dispatched when their delay elapses.
func (q *MemoryQueue) Enqueue(intent Intent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	key := intent.IdempotencyKey
	if key != "" {
		if _, seen := q.keys[key]; seen {
			q.mu.Unlock()
			return ErrDuplicateKey
		}
		q.keys[key] = struct{}{}
	}
	intent.EnqueuedAt = time.Now()

	if intent.Delay > 0 {
		stored := intent.Clone()
		q.delayed[key] = time.AfterFunc(intent.Delay, func() {
			q.dispatch(key, stored)
		})
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.ch <- intent.Clone():
		return nil
	default:
		q.mu.Lock()
		delete(q.keys, key)
		q.mu.Unlock()
		return ErrFull
	}
}

func (q *MemoryQueue) dispatch(key string, intent Intent) {
	q.mu.Lock()
	delete(q.delayed, key)
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	select {
	case q.ch <- intent:
	case <-q.done:
	}
}

// Cancel removes a delayed intent that has not yet been dispatched. It
// reports whether anything was removed.
func (q *MemoryQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	timer, ok := q.delayed[key]
	if !ok {
		return false
	}
	if !timer.Stop() {
		return false
	}
	delete(q.delayed, key)
	delete(q.keys, key)
	return true
}

// Consume exposes the ready-intent channel for a pool of workers. Each intent
// is delivered to exactly one consumer.
func (q *MemoryQueue) Consume() <-chan Intent { return q.ch }

// Len reports the number of ready intents waiting for a worker.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close stops delayed timers and wakes blocked dispatchers. Ready intents
// already in the channel remain consumable for draining.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, key)
	}
	q.mu.Unlock()
	close(q.done)
}
