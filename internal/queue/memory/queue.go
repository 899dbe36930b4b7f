// Package memory provides the in-process run request queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// ErrQueueFull is returned by TryEnqueue when no capacity is left.
var ErrQueueFull = crawler.ErrQueueFull

// ErrQueueClosed is returned once the queue has been closed and drained.
var ErrQueueClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
// The data channel is never closed; done signals shutdown so that blocked
// senders can leave without racing a close.
type Queue struct {
	ch        chan crawler.RunRequest
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan crawler.RunRequest, capacity),
		done: make(chan struct{}),
	}
}

func (q *Queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Enqueue pushes a request, blocking until there is room, the queue closes,
// or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, req crawler.RunRequest) error {
	if q.closed() {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- req:
		return nil
	}
}

// TryEnqueue pushes a request without blocking.
func (q *Queue) TryEnqueue(req crawler.RunRequest) error {
	if q.closed() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue pops the next request, respecting context cancellation. After
// Close it keeps returning buffered requests until none are left.
func (q *Queue) Dequeue(ctx context.Context) (crawler.RunRequest, error) {
	select {
	case <-ctx.Done():
		return crawler.RunRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req := <-q.ch:
		return req, nil
	case <-q.done:
		select {
		case req := <-q.ch:
			return req, nil
		default:
			return crawler.RunRequest{}, ErrQueueClosed
		}
	}
}

// Close stops accepting requests and releases blocked senders. Already
// queued requests can still be drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
