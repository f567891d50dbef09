package msgnet

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrEmptyQueue is returned when popping or peeking an empty queue.
// It never blocks: use Wait or WaitContext to wait for an element.
var ErrEmptyQueue = errors.New("queue is empty")

// Queue is a goroutine-safe double-ended queue.
//
// It is the hand-off point between connection goroutines and the application:
// readers push received messages, the application pops them. The zero value
// is an empty queue ready to use.
type Queue[T any] struct {
	mu    sync.Mutex
	cond  sync.Cond
	items []T

	// clears counts Clear calls so that waiters can tell a wake-up caused by
	// Clear apart from a spurious one.
	clears uint64
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) lock() {
	q.mu.Lock()
	if q.cond.L == nil {
		q.cond.L = &q.mu
	}
}

// PushBack appends v and wakes one waiter.
func (q *Queue[T]) PushBack(v T) {
	q.lock()
	q.items = append(q.items, v)
	q.cond.Signal()
	q.mu.Unlock()
}

// PushFront prepends v and wakes one waiter.
func (q *Queue[T]) PushFront(v T) {
	q.lock()
	q.items = append(q.items, v)
	copy(q.items[1:], q.items)
	q.items[0] = v
	q.cond.Signal()
	q.mu.Unlock()
}

// PopFront removes and returns the first element.
func (q *Queue[T]) PopFront() (T, error) {
	q.lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, ErrEmptyQueue
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, nil
}

// PopBack removes and returns the last element.
func (q *Queue[T]) PopBack() (T, error) {
	q.lock()
	defer q.mu.Unlock()

	var zero T
	n := len(q.items)
	if n == 0 {
		return zero, ErrEmptyQueue
	}
	v := q.items[n-1]
	q.items[n-1] = zero
	q.items = q.items[:n-1]
	return v, nil
}

// Front returns the first element without removing it.
func (q *Queue[T]) Front() (T, error) {
	q.lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmptyQueue
	}
	return q.items[0], nil
}

// Back returns the last element without removing it.
func (q *Queue[T]) Back() (T, error) {
	q.lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmptyQueue
	}
	return q.items[len(q.items)-1], nil
}

// Empty reports whether the queue holds no elements.
func (q *Queue[T]) Empty() bool {
	return q.Count() == 0
}

// Count returns the number of queued elements.
func (q *Queue[T]) Count() int {
	q.lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every element and releases all goroutines blocked in Wait.
func (q *Queue[T]) Clear() {
	q.lock()
	clear(q.items)
	q.items = q.items[:0]
	q.clears++
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Wait blocks until the queue is non-empty or Clear is called.
func (q *Queue[T]) Wait() {
	q.lock()
	defer q.mu.Unlock()

	clears := q.clears
	for len(q.items) == 0 && q.clears == clears {
		q.cond.Wait()
	}
}

// WaitContext is like Wait but also returns when ctx is done, in which case
// it returns ctx.Err().
func (q *Queue[T]) WaitContext(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.lock()
	defer q.mu.Unlock()

	clears := q.clears
	for len(q.items) == 0 && q.clears == clears {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}
