// Package dispatcher fans run requests out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Consumer drains the queue until ctx ends. *worker.Worker satisfies it.
type Consumer interface {
	Run(ctx context.Context)
}

// Dispatcher owns the queue side of run submission.
type Dispatcher struct {
	queue     crawler.Queue
	consumers []Consumer
	ids       crawler.IDGenerator
	clock     crawler.Clock
}

// New creates a Dispatcher.
func New(queue crawler.Queue, consumers []Consumer, ids crawler.IDGenerator, clock crawler.Clock) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		consumers: consumers,
		ids:       ids,
		clock:     clock,
	}
}

// Run starts all consumers and blocks until they have all returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range d.consumers {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	wg.Wait()
}

// Submit stamps req with a run ID and submission time and enqueues it,
// waiting for room until ctx ends.
func (d *Dispatcher) Submit(ctx context.Context, req crawler.RunRequest) (string, error) {
	req, err := d.stamp(req)
	if err != nil {
		return "", err
	}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	return req.RunID, nil
}

// TrySubmit is Submit without waiting. It fails with crawler.ErrQueueFull
// when every slot is taken.
func (d *Dispatcher) TrySubmit(req crawler.RunRequest) (string, error) {
	req, err := d.stamp(req)
	if err != nil {
		return "", err
	}
	if err := d.queue.TryEnqueue(req); err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	return req.RunID, nil
}

func (d *Dispatcher) stamp(req crawler.RunRequest) (crawler.RunRequest, error) {
	if req.RunID == "" {
		id, err := d.ids.NewID()
		if err != nil {
			return req, fmt.Errorf("assign run id: %w", err)
		}
		req.RunID = id
	}
	if req.Submitted.IsZero() {
		req.Submitted = d.clock.Now().UTC()
	}
	return req, nil
}
