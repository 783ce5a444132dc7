package queue

import (
	"context"
	"sync"

	"github.com/Aximande/phospho/pkg/logging"
)

// MemoryQueue runs work in-process on a bounded pool of goroutines. Handles
// resolve when the work finishes.
type MemoryQueue struct {
	base

	sem    chan struct{}
	wg     sync.WaitGroup
	closed bool
	cmu    sync.Mutex
}

// NewMemoryQueue creates a queue running at most workers items at once
func NewMemoryQueue(workers int, logger *logging.Logger) *MemoryQueue {
	if workers <= 0 {
		workers = 4
	}
	return &MemoryQueue{
		base: newBase(logger),
		sem:  make(chan struct{}, workers),
	}
}

// Enqueue starts the work in the background. The work does not inherit the
// cancellation of ctx, so it outlives the request that scheduled it.
func (q *MemoryQueue) Enqueue(ctx context.Context, kind string, payload interface{}) (*Handle, error) {
	if _, _, err := q.handler(kind); err != nil {
		return nil, err
	}
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}

	q.cmu.Lock()
	if q.closed {
		q.cmu.Unlock()
		return nil, ErrClosed
	}
	q.wg.Add(1)
	q.cmu.Unlock()

	h := newHandle(env)
	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer q.wg.Done()
		q.sem <- struct{}{}
		defer func() { <-q.sem }()
		h.resolve(q.dispatch(workCtx, env))
	}()
	return h, nil
}

// Start is a no-op: work starts on Enqueue
func (q *MemoryQueue) Start(ctx context.Context) error {
	return nil
}

// Close rejects new work and waits for the running work to finish
func (q *MemoryQueue) Close() error {
	q.cmu.Lock()
	q.closed = true
	q.cmu.Unlock()
	q.wg.Wait()
	return nil
}
