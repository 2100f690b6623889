// Package queue provides the strict one-at-a-time task queue that keeps
// backend conversations from ever streaming concurrently through a single
// relay instance.
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Serializer executes submitted tasks with a concurrency of exactly one,
// in FIFO submission order. A failing task's error goes only to its own
// submitter; the queue keeps running.
type Serializer struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	size    int
	running int
	idle    chan struct{} // closed while the queue is empty
}

// New returns an idle Serializer.
func New() *Serializer {
	idle := make(chan struct{})
	close(idle)
	return &Serializer{
		sem:  semaphore.NewWeighted(1),
		idle: idle,
	}
}

// Do runs fn once it reaches the front of the queue and returns fn's
// error. If ctx ends while the task is still waiting its turn, Do returns
// the context error and fn never runs.
func (q *Serializer) Do(ctx context.Context, fn func(context.Context) error) error {
	q.enter()
	defer q.leave()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	q.setRunning(1)
	defer func() {
		q.setRunning(-1)
		q.sem.Release(1)
	}()

	return fn(ctx)
}

// DoValue runs fn through q and hands back its result alongside the
// error, sparing the caller a captured variable.
func DoValue[R any](ctx context.Context, q *Serializer, fn func(context.Context) (R, error)) (R, error) {
	var out R
	err := q.Do(ctx, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}

// Size returns the number of tasks submitted and not yet finished,
// including the one currently running.
func (q *Serializer) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Pending returns the number of tasks still waiting for their turn.
func (q *Serializer) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size - q.running
	if n < 0 {
		n = 0
	}
	return n
}

// WaitForIdle blocks until every submitted task has finished, or until
// ctx ends.
func (q *Serializer) WaitForIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Serializer) enter() {
	q.mu.Lock()
	if q.size == 0 {
		q.idle = make(chan struct{})
	}
	q.size++
	q.mu.Unlock()
}

func (q *Serializer) leave() {
	q.mu.Lock()
	q.size--
	if q.size == 0 {
		close(q.idle)
	}
	q.mu.Unlock()
}

func (q *Serializer) setRunning(delta int) {
	q.mu.Lock()
	q.running += delta
	q.mu.Unlock()
}
