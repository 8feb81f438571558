package taskqueue

import (
	"context"
	"sync"
	"time"
)

// A single asynchronous operation. The context is cancelled when the
// queue is interrupted or cancelled.
type Task func(ctx context.Context) error

/**
 * A queue of in-flight operations, used for pipelining transfers.
 *
 * Consider a situation where a small device buffer must be emptied
 * with low latency. One large read won't meet the latency target, and
 * issuing small reads one at a time will overflow the buffer because
 * neither the runtime nor the OS schedule us in real time. Keeping
 * many small operations in flight, and resubmitting as each one
 * finishes, avoids overflow and keeps latency low.
 *
 * Poll (or WaitOne/WaitAll, which drain through it) must be called
 * regularly, otherwise errors are never surfaced and finished results
 * accumulate.
 */
type TaskQueue struct {
	baseCtx context.Context

	lock        sync.Mutex
	epochCtx    context.Context
	epochCancel context.CancelFunc
	live        int
	done        []error
	wake        chan struct{}

	waitTime  time.Duration
	waitCount uint64
}

type TaskQueueStats struct {
	Live      int
	WaitTime  time.Duration
	WaitCount uint64
}

func NewTaskQueue(ctx context.Context) *TaskQueue {
	epochCtx, epochCancel := context.WithCancel(ctx)
	return &TaskQueue{
		baseCtx:     ctx,
		epochCtx:    epochCtx,
		epochCancel: epochCancel,
		wake:        make(chan struct{}),
	}
}

// Submit starts the operation on its own goroutine and retains it
// until its outcome is drained by Poll.
func (q *TaskQueue) Submit(task Task) {
	q.lock.Lock()
	q.live++
	ctx := q.epochCtx
	q.lock.Unlock()

	go func() {
		err := task(ctx)

		q.lock.Lock()
		q.live--
		q.done = append(q.done, err)
		close(q.wake)
		q.wake = make(chan struct{})
		q.lock.Unlock()
	}()
}

// Poll drains finished operations in completion order. It reports
// whether any had finished, and stops at the first error, leaving
// later outcomes queued for the next call. No outcome is ever
// reported twice.
func (q *TaskQueue) Poll() (bool, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.pollLocked()
}

func (q *TaskQueue) pollLocked() (bool, error) {
	had := len(q.done) > 0
	for len(q.done) > 0 {
		err := q.done[0]
		q.done = q.done[1:]
		if err != nil {
			return had, err
		}
	}
	return had, nil
}

// WaitOne blocks until at least one live operation has finished (or
// one already has), then behaves like Poll.
func (q *TaskQueue) WaitOne(ctx context.Context) (bool, error) {
	return q.wait(ctx, func() bool { return len(q.done) == 0 && q.live > 0 })
}

// WaitAll blocks until every live operation has finished, then
// behaves like Poll.
func (q *TaskQueue) WaitAll(ctx context.Context) (bool, error) {
	return q.wait(ctx, func() bool { return q.live > 0 })
}

func (q *TaskQueue) wait(ctx context.Context, again func() bool) (bool, error) {
	var started time.Time
	waited := false

	q.lock.Lock()
	for again() {
		if !waited {
			waited = true
			started = time.Now()
		}
		ch := q.wake
		q.lock.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			q.lock.Lock()
			q.noteWait(waited, started)
			q.lock.Unlock()
			return false, ctx.Err()
		}
		q.lock.Lock()
	}
	q.noteWait(waited, started)
	defer q.lock.Unlock()
	return q.pollLocked()
}

func (q *TaskQueue) noteWait(waited bool, started time.Time) {
	if waited {
		q.waitTime += time.Since(started)
		q.waitCount++
	}
}

// Interrupt requests cancellation of every live operation without
// waiting for them to stop.
func (q *TaskQueue) Interrupt() {
	q.lock.Lock()
	q.epochCancel()
	q.lock.Unlock()
}

// Cancel interrupts every live operation, waits until all of them have
// actually stopped, and discards any undrained outcomes. The queue is
// ready for new submissions afterwards.
func (q *TaskQueue) Cancel(ctx context.Context) error {
	q.Interrupt()

	q.lock.Lock()
	for q.live > 0 {
		ch := q.wake
		q.lock.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.lock.Lock()
	}
	q.done = nil
	q.epochCtx, q.epochCancel = context.WithCancel(q.baseCtx)
	q.lock.Unlock()
	return nil
}

// Len counts live operations only.
func (q *TaskQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.live
}

func (q *TaskQueue) Stats() *TaskQueueStats {
	q.lock.Lock()
	defer q.lock.Unlock()
	return &TaskQueueStats{
		Live:      q.live,
		WaitTime:  q.waitTime,
		WaitCount: q.waitCount,
	}
}
