package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnolia/kernel/internal/clock"
)

func TestCreateAssignsFreshID(t *testing.T) {
	got := make(chan TaskID, 1)
	id, err := Create(Options{Name: "t1", Entry: func(ctx context.Context) {
		got <- CurrentTaskID(ctx)
	}})
	require.NoError(t, err)
	require.NotEqual(t, Invalid, id)
	assert.Equal(t, id, <-got)
}

func TestWaitWakeBeforeBlockIsAbsorbed(t *testing.T) {
	id, err := Create(Options{Name: "waiter", Entry: func(ctx context.Context) {
		<-ctx.Done()
	}})
	require.NoError(t, err)
	defer Destroy(id)

	var w WaitContext
	w.PrepareWithReason(id, ReasonEvent)
	w.Wake(ResultOK)

	result, err := w.Block(clock.Deadline{Infinite: true})
	require.NoError(t, err)
	assert.Equal(t, ResultOK, result)
}

func TestWaitBlockTimeout(t *testing.T) {
	id, _ := Create(Options{Name: "waiter2", Entry: func(ctx context.Context) { <-ctx.Done() }})
	defer Destroy(id)

	var w WaitContext
	w.PrepareWithReason(id, ReasonEvent)
	d := clock.FromRelative(1000) // 1ms
	result, err := w.Block(d)
	require.NoError(t, err)
	assert.Equal(t, ResultTimeout, result)
}

func TestWaitBlockDelayTimeoutIsOK(t *testing.T) {
	id, _ := Create(Options{Name: "sleeper", Entry: func(ctx context.Context) { <-ctx.Done() }})
	defer Destroy(id)

	var w WaitContext
	w.PrepareWithReason(id, ReasonDelay)
	d := clock.FromRelative(1000)
	result, err := w.Block(d)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, result)
}

func TestSuspendResume(t *testing.T) {
	var mu sync.Mutex
	resumed := false
	start := make(chan struct{})

	var id TaskID
	var err error
	id, err = Create(Options{Name: "susp", Entry: func(ctx context.Context) {
		<-start
		Yield(CurrentTaskID(ctx))
		mu.Lock()
		resumed = true
		mu.Unlock()
	}})
	require.NoError(t, err)

	require.NoError(t, Suspend(id))
	close(start)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.False(t, resumed)
	mu.Unlock()
	require.NoError(t, Resume(id))
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.True(t, resumed)
	mu.Unlock()
}

func TestDestroyIsIdempotent(t *testing.T) {
	id, _ := Create(Options{Name: "d", Entry: func(ctx context.Context) { <-ctx.Done() }})
	Destroy(id)
	Destroy(id)
	assert.False(t, IDIsValid(id))
}
