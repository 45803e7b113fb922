package vfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnolia/kernel/internal/clock"
	"magnolia/kernel/internal/sched"
)

func TestNodeAcquireReleaseDestroysOnLastRef(t *testing.T) {
	destroyed := false
	n := NewNode("memfs", "/", NodeRegular, nil, func() { destroyed = true })
	n.Acquire()
	n.Release()
	assert.False(t, destroyed)
	n.Release()
	assert.True(t, destroyed)
	assert.True(t, n.Destroyed())
}

func TestNodeOverReleaseDoesNotUnderflow(t *testing.T) {
	calls := 0
	n := NewNode("memfs", "/", NodeRegular, nil, func() { calls++ })
	n.Release()
	n.Release() // spurious extra release
	assert.Equal(t, 1, calls)
}

func TestFileCreateAcquiresNode(t *testing.T) {
	n := NewNode("memfs", "/", NodeRegular, nil, nil)
	f := NewFile(n, nil, nil)
	assert.False(t, n.Destroyed())
	f.Release()
	assert.False(t, n.Destroyed())
	n.Release()
	assert.True(t, n.Destroyed())
}

func TestFileSetOffset(t *testing.T) {
	n := NewNode("memfs", "/", NodeRegular, nil, nil)
	f := NewFile(n, nil, nil)
	defer f.Release()
	f.SetOffset(42)
	assert.EqualValues(t, 42, f.Offset())
}

func TestFileWaitRejectsClosed(t *testing.T) {
	n := NewNode("memfs", "/", NodeRegular, nil, nil)
	f := NewFile(n, nil, nil)
	defer f.Release()
	f.Close()
	_, err := f.Wait(sched.Invalid, WaitRead, clock.Deadline{Infinite: true})
	assert.Error(t, err)
}

func TestFileWaitWokenByNotifyEvent(t *testing.T) {
	n := NewNode("memfs", "/", NodeRegular, nil, nil)
	f := NewFile(n, nil, nil)
	defer f.Release()

	id, err := sched.Create(sched.Options{Name: "waiter", Entry: func(ctx context.Context) { <-ctx.Done() }})
	require.NoError(t, err)
	defer sched.Destroy(id)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.NotifyEvent()
	}()

	result, err := f.Wait(id, WaitRead, clock.FromRelative(2_000_000))
	require.NoError(t, err)
	assert.Equal(t, sched.ResultOK, result)
}

func TestFileReleaseWakesWaitersWithObjectDestroyed(t *testing.T) {
	n := NewNode("memfs", "/", NodeRegular, nil, nil)
	f := NewFile(n, nil, nil)

	id, err := sched.Create(sched.Options{Name: "waiter2", Entry: func(ctx context.Context) { <-ctx.Done() }})
	require.NoError(t, err)
	defer sched.Destroy(id)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Release()
	}()

	result, err := f.Wait(id, WaitRead, clock.FromRelative(2_000_000))
	require.NoError(t, err)
	assert.Equal(t, sched.ResultObjectDestroyed, result)
}
