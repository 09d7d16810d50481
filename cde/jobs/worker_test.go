package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPoolDispatchesAndCompletes(t *testing.T) {
	queue := NewMemoryQueue(3, 0)
	pool := NewPool(queue, 1, time.Millisecond, nil)

	var calls int32
	pool.Register("work", func(ctx context.Context, job Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	assert.NoError(t, queue.Enqueue(nil, "work", map[string]string{"k": "v"}))
	assert.NoError(t, pool.Drain(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	depth, _ := queue.Depth()
	assert.Equal(t, int64(0), depth)
	assert.Empty(t, queue.FailedJobs())
}

func TestPoolRetriesUntilExhausted(t *testing.T) {
	queue := NewMemoryQueue(3, 0)
	pool := NewPool(queue, 1, time.Millisecond, nil)

	var calls int32
	pool.Register("work", func(ctx context.Context, job Envelope) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	})

	assert.NoError(t, queue.Enqueue(nil, "work", nil))
	assert.NoError(t, pool.Drain(context.Background()))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, queue.FailedJobs(), 1)
}

func TestPoolRecoversAfterTransientFailure(t *testing.T) {
	queue := NewMemoryQueue(3, 0)
	pool := NewPool(queue, 1, time.Millisecond, nil)

	var calls int32
	pool.Register("work", func(ctx context.Context, job Envelope) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("cold start")
		}
		return nil
	})

	assert.NoError(t, queue.Enqueue(nil, "work", nil))
	assert.NoError(t, pool.Drain(context.Background()))

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Empty(t, queue.FailedJobs())
}

func TestPoolFailsUnknownJobType(t *testing.T) {
	queue := NewMemoryQueue(3, 0)
	pool := NewPool(queue, 1, time.Millisecond, nil)

	assert.NoError(t, queue.Enqueue(nil, "mystery", nil))
	assert.NoError(t, pool.Drain(context.Background()))

	assert.Len(t, queue.FailedJobs(), 1)
}

func TestPoolSurvivesPanickingHandler(t *testing.T) {
	queue := NewMemoryQueue(2, 0)
	pool := NewPool(queue, 1, time.Millisecond, nil)

	var calls int32
	pool.Register("work", func(ctx context.Context, job Envelope) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("corrupt payload")
		}
		return nil
	})

	assert.NoError(t, queue.Enqueue(nil, "work", nil))
	assert.NoError(t, pool.Drain(context.Background()))

	// The panic is converted into a retryable failure.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Empty(t, queue.FailedJobs())
}

func TestPoolBackgroundWorkers(t *testing.T) {
	queue := NewMemoryQueue(3, 0)
	pool := NewPool(queue, 2, time.Millisecond, nil)

	done := make(chan uuid.UUID, 4)
	pool.Register("work", func(ctx context.Context, job Envelope) error {
		done <- job.Id
		return nil
	})

	pool.Start()
	defer pool.Stop()

	for i := 0; i < 4; i++ {
		assert.NoError(t, queue.Enqueue(nil, "work", i))
	}

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 4; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("workers did not finish jobs in time")
		}
	}
	assert.Len(t, seen, 4)
}

func TestBroadcasterFanout(t *testing.T) {
	broadcaster := NewBroadcaster()
	versionId := uuid.New()

	first, cancelFirst := broadcaster.Subscribe(versionId)
	second, cancelSecond := broadcaster.Subscribe(versionId)
	defer cancelSecond()

	other, cancelOther := broadcaster.Subscribe(uuid.New())
	defer cancelOther()

	assert.NoError(t, broadcaster.Notify(Progress{ModelVersionId: versionId, Stage: StageGeometry}))

	event := <-first
	assert.Equal(t, StageGeometry, event.Stage)
	event = <-second
	assert.False(t, event.IsComplete)
	assert.Empty(t, other)

	// After cancel the channel closes and no further events arrive.
	cancelFirst()
	_, open := <-first
	assert.False(t, open)

	assert.NoError(t, broadcaster.Notify(Progress{ModelVersionId: versionId, Stage: StageGeometry, IsComplete: true, IsSuccess: true}))
	event = <-second
	assert.True(t, event.IsComplete)
	assert.True(t, event.IsSuccess)
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	broadcaster := NewBroadcaster()
	versionId := uuid.New()

	ch, cancel := broadcaster.Subscribe(versionId)
	defer cancel()

	// Nobody drains the channel; events beyond the buffer are dropped.
	for i := 0; i < subscriberBuffer+10; i++ {
		assert.NoError(t, broadcaster.Notify(Progress{ModelVersionId: versionId, Stage: StageProperties}))
	}
	assert.Len(t, ch, subscriberBuffer)
}
