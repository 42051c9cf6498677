package pipeline

import (
	"context"
	"sync"
)

// Queue is the strict-FIFO task intake. One consumer, the synthesis worker,
// blocks on Next; restart and previous jump the line through PushFront.
type Queue struct {
	mu    sync.Mutex
	items []*Task
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) Push(t *Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) PushFront(t *Task) {
	q.mu.Lock()
	q.items = append([]*Task{t}, q.items...)
	q.mu.Unlock()
	q.signal()
}

// Next blocks until a task is available or ctx ends.
func (q *Queue) Next(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Clear removes and returns every queued task.
func (q *Queue) Clear() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.items
	q.items = nil
	return removed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
