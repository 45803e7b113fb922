package waitqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnolia/kernel/internal/sched"
)

func newWaiter(t *testing.T, priority int) *Waiter {
	t.Helper()
	id, err := sched.Create(sched.Options{Name: "w", Priority: priority, Entry: func(ctx context.Context) {
		<-ctx.Done()
	}})
	require.NoError(t, err)
	var wc sched.WaitContext
	wc.PrepareWithReason(id, sched.ReasonEvent)
	return &Waiter{Ctx: &wc}
}

func TestWakeOnePicksHighestPriority(t *testing.T) {
	var q Queue
	low := newWaiter(t, 1)
	high := newWaiter(t, 9)
	mid := newWaiter(t, 5)
	q.Enqueue(low)
	q.Enqueue(high)
	q.Enqueue(mid)

	assert.True(t, q.WakeOne(sched.ResultOK))
	assert.Equal(t, 2, q.Len())
	assert.False(t, high.enqueued)
	assert.True(t, low.enqueued)
	assert.True(t, mid.enqueued)
}

func TestRemoveIsIdempotent(t *testing.T) {
	var q Queue
	w := newWaiter(t, 1)
	q.Enqueue(w)
	assert.True(t, q.Remove(w))
	assert.False(t, q.Remove(w))
}

func TestWakeAllEmptiesQueue(t *testing.T) {
	var q Queue
	q.Enqueue(newWaiter(t, 1))
	q.Enqueue(newWaiter(t, 2))
	q.WakeAll(sched.ResultShutdown)
	assert.Equal(t, 0, q.Len())
}
