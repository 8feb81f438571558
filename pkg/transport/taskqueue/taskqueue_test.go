package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskQueueWaitAll(t *testing.T) {
	q := NewTaskQueue(context.TODO())

	var ran int64
	for i := 0; i < 10; i++ {
		q.Submit(func(_ context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
	}

	had, err := q.WaitAll(context.TODO())
	assert.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, int64(10), atomic.LoadInt64(&ran))
	assert.Equal(t, 0, q.Len())

	// Everything was drained already.
	had, err = q.Poll()
	assert.NoError(t, err)
	assert.False(t, had)
}

func TestTaskQueueErrorsExactlyOnce(t *testing.T) {
	q := NewTaskQueue(context.TODO())

	errBang := errors.New("bang")
	q.Submit(func(_ context.Context) error { return nil })
	q.Submit(func(_ context.Context) error { return errBang })
	q.Submit(func(_ context.Context) error { return errBang })

	_, err := q.WaitAll(context.TODO())
	// WaitAll stops at the first error. The second stays queued.
	assert.ErrorIs(t, err, errBang)

	had, err := q.Poll()
	assert.True(t, had)
	assert.ErrorIs(t, err, errBang)

	had, err = q.Poll()
	assert.False(t, had)
	assert.NoError(t, err)
}

func TestTaskQueueWaitOne(t *testing.T) {
	q := NewTaskQueue(context.TODO())

	release := make(chan struct{})
	q.Submit(func(_ context.Context) error {
		<-release
		return nil
	})
	q.Submit(func(_ context.Context) error { return nil })

	had, err := q.WaitOne(context.TODO())
	assert.NoError(t, err)
	assert.True(t, had)

	// The blocked task is still live.
	assert.Equal(t, 1, q.Len())
	close(release)
	_, err = q.WaitAll(context.TODO())
	assert.NoError(t, err)
}

func TestTaskQueueCancel(t *testing.T) {
	q := NewTaskQueue(context.TODO())

	for i := 0; i < 4; i++ {
		q.Submit(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	assert.Equal(t, 4, q.Len())

	err := q.Cancel(context.TODO())
	assert.NoError(t, err)
	assert.Equal(t, 0, q.Len())

	// Cancellation results were discarded, not surfaced as errors.
	had, err := q.Poll()
	assert.False(t, had)
	assert.NoError(t, err)

	// The queue accepts new work after a cancel.
	q.Submit(func(_ context.Context) error { return nil })
	had, err = q.WaitAll(context.TODO())
	assert.True(t, had)
	assert.NoError(t, err)
}

func TestTaskQueueWaitContext(t *testing.T) {
	q := NewTaskQueue(context.TODO())

	q.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.TODO(), 50*time.Millisecond)
	defer cancel()
	_, err := q.WaitOne(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, q.Cancel(context.TODO()))
}

func TestTaskQueueWaitStats(t *testing.T) {
	q := NewTaskQueue(context.TODO())

	q.Submit(func(_ context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	_, err := q.WaitOne(context.TODO())
	assert.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.WaitCount)
	assert.Greater(t, stats.WaitTime, time.Duration(0))
}
