// ABOUTME: Unbounded FIFO job queue with a fixed worker pool
// ABOUTME: Enqueue never blocks; ordering is preserved per queue

package dispatch

import (
	"context"
	"log/slog"
	"sync"
)

// Queue is an unbounded FIFO of jobs. Push never blocks; Pop blocks
// until a job arrives or the queue closes.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a job. Pushing to a closed queue drops the job.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Pop removes the oldest job, blocking until one exists. The second
// return is false once the queue is closed and drained.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the number of queued jobs.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Blocked Pops return after remaining jobs
// drain. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Run consumes the queue with n workers until it closes and drains,
// then returns. Worker panics are contained so one bad job cannot take
// the pool down.
func Run[T any](q *Queue[T], n int, logger *slog.Logger, handle func(context.Context, T)) *sync.WaitGroup {
	if logger == nil {
		logger = slog.Default()
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				item, ok := q.Pop()
				if !ok {
					return
				}
				process(logger, worker, item, handle)
			}
		}(i)
	}
	return &wg
}

func process[T any](logger *slog.Logger, worker int, item T, handle func(context.Context, T)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", "worker", worker, "panic", r)
		}
	}()
	handle(context.Background(), item)
}
