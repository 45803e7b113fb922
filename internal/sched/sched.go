// Package sched implements spec §4.2: the task registry and the wait
// context that binds a cooperative task to a binary semaphore. It is the
// Go stand-in for the host's "task" primitive (spec §1): a goroutine plus
// a registry entry plays the role of a FreeRTOS-style task handle.
//
// Go has no goroutine-local storage, so "current task" identity travels
// explicitly via context.Context (per the design notes' steer away from
// TLS-shaped abstractions) rather than through a thread-local.
package sched

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"magnolia/kernel/internal/clock"
	"magnolia/kernel/internal/kerr"
	"magnolia/kernel/internal/klog"
)

// TaskID is an opaque, monotonically increasing task handle. The zero value
// is Invalid and is never reused (IDs skip it on wrap, per spec §4.2).
type TaskID uint64

const Invalid TaskID = 0

// Flags is the task creation bit set (spec §3 "Task metadata").
type Flags uint32

const (
	FlagWorker Flags = 1 << iota
)

// State is one of the five task lifecycle states (spec §3).
type State int

const (
	StateReady State = iota
	StateRunning
	StateWaiting
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateSuspended:
		return "SUSPENDED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// WaitReason is why a task is currently parked (spec §3 "Wait context").
type WaitReason int

const (
	ReasonNone WaitReason = iota
	ReasonEvent
	ReasonJob
	ReasonDelay
)

// Result is the scheduler-bridge wait outcome, shared verbatim with the IPC
// wait queue (waitqueue package) per spec §4.3's "total and bidirectional"
// mapping — the two vocabularies name the same four outcomes, so one enum
// serves both without a translation table.
type Result int

const (
	ResultOK Result = iota
	ResultTimeout
	ResultObjectDestroyed
	ResultShutdown
)

// Options configures a new task (spec "task_create(options) -> id").
type Options struct {
	Name        string
	Tag         string
	Flags       Flags
	Priority    int
	CPUAffinity int
	UserData    any
	Entry       func(ctx context.Context)
}

// Metadata is the registry entry for a live (or just-terminated but not yet
// finalized) task.
type Metadata struct {
	ID          TaskID
	Name        string
	Tag         string
	Flags       Flags
	Priority    int
	CPUAffinity int
	UserData    any

	mu         sync.Mutex
	state      State
	waitReason WaitReason
	finalized  bool

	resumeGate chan struct{}
}

func (m *Metadata) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Metadata) WaitReason() WaitReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitReason
}

func (m *Metadata) setState(s State, reason WaitReason) {
	m.mu.Lock()
	m.state = s
	m.waitReason = reason
	m.mu.Unlock()
}

type registry struct {
	mu      sync.Mutex
	tasks   map[TaskID]*Metadata
	nextID  TaskID
	onStart func(*Metadata)
	onStop  func(*Metadata)
}

var reg = &registry{tasks: make(map[TaskID]*Metadata)}

// InstallWorkerHooks registers the worker-lifecycle hooks the job queue
// fires when a FlagWorker task starts/stops (spec §4.6 "Install the worker
// hooks once per process"). Passing nil clears a hook.
func InstallWorkerHooks(onStart, onStop func(*Metadata)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.onStart = onStart
	reg.onStop = onStop
}

type taskIDKey struct{}

// CurrentTaskID extracts the calling goroutine's task id from ctx, or
// Invalid if ctx wasn't derived from a task's Entry context.
func CurrentTaskID(ctx context.Context) TaskID {
	id, _ := ctx.Value(taskIDKey{}).(TaskID)
	return id
}

// Create registers a new task and starts its goroutine. It returns the
// fresh TaskID; Entry is invoked with a context carrying that ID so the
// task can find its own identity (CurrentTaskID) and wait contexts it
// prepares.
func Create(opts Options) (TaskID, error) {
	if opts.Entry == nil {
		return Invalid, kerr.New(kerr.CodeInvalidParam, "sched.Create", "entry is nil")
	}

	reg.mu.Lock()
	reg.nextID++
	if reg.nextID == Invalid { // wrapped past zero, skip it
		reg.nextID++
	}
	id := reg.nextID
	md := &Metadata{
		ID: id, Name: opts.Name, Tag: opts.Tag, Flags: opts.Flags,
		Priority: opts.Priority, CPUAffinity: opts.CPUAffinity, UserData: opts.UserData,
		state:      StateReady,
		resumeGate: make(chan struct{}),
	}
	close(md.resumeGate) // not suspended: reads never block
	reg.tasks[id] = md
	reg.mu.Unlock()

	go runTask(md, opts.Entry)
	return id, nil
}

func runTask(md *Metadata, entry func(context.Context)) {
	ctx := context.WithValue(context.Background(), taskIDKey{}, md.ID)

	md.setState(StateRunning, ReasonNone)

	reg.mu.Lock()
	onStart := reg.onStart
	onStop := reg.onStop
	reg.mu.Unlock()

	if md.Flags&FlagWorker != 0 && onStart != nil {
		onStart(md)
	}

	defer func() {
		if r := recover(); r != nil {
			klog.Named("sched").Errorw("task entry panicked", "task", md.ID, "name", md.Name, "panic", r)
		}
		if md.Flags&FlagWorker != 0 && onStop != nil {
			onStop(md)
		}
		md.setState(StateTerminated, ReasonNone)
		finalize(md)
	}()

	entry(ctx)
}

func finalize(md *Metadata) {
	md.mu.Lock()
	if md.finalized {
		md.mu.Unlock()
		return
	}
	md.finalized = true
	md.mu.Unlock()

	reg.mu.Lock()
	delete(reg.tasks, md.ID)
	reg.mu.Unlock()
}

// Destroy marks the task terminated and finalizes it immediately; idempotent.
func Destroy(id TaskID) {
	reg.mu.Lock()
	md, ok := reg.tasks[id]
	reg.mu.Unlock()
	if !ok {
		return
	}
	md.setState(StateTerminated, ReasonNone)
	finalize(md)
}

// Yield cooperates with Suspend by blocking while the task is suspended and
// returning once it is resumed; it does not otherwise yield the processor.
func Yield(id TaskID) {
	reg.mu.Lock()
	md, ok := reg.tasks[id]
	reg.mu.Unlock()
	if !ok {
		return
	}
	<-md.resumeGate
}

// Suspend parks a task at its next Yield call.
func Suspend(id TaskID) error {
	reg.mu.Lock()
	md, ok := reg.tasks[id]
	reg.mu.Unlock()
	if !ok {
		return kerr.New(kerr.CodeInvalidParam, "sched.Suspend", "unknown task")
	}
	md.mu.Lock()
	if md.state == StateSuspended {
		md.mu.Unlock()
		return nil
	}
	md.resumeGate = make(chan struct{})
	md.state = StateSuspended
	md.mu.Unlock()
	return nil
}

// Resume releases a suspended task.
func Resume(id TaskID) error {
	reg.mu.Lock()
	md, ok := reg.tasks[id]
	reg.mu.Unlock()
	if !ok {
		return kerr.New(kerr.CodeInvalidParam, "sched.Resume", "unknown task")
	}
	md.mu.Lock()
	if md.state == StateSuspended {
		close(md.resumeGate)
		md.state = StateReady
	}
	md.mu.Unlock()
	return nil
}

// MetadataGet returns the registry entry for id, if still live.
func MetadataGet(id TaskID) (*Metadata, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	md, ok := reg.tasks[id]
	return md, ok
}

// IDIsValid reports whether id still names a live (non-finalized) task.
func IDIsValid(id TaskID) bool {
	_, ok := MetadataGet(id)
	return ok
}

// Snapshot copies up to cap live task metadata pointers into buf, returning
// the count copied (spec "task_snapshot(buf, cap) -> count").
func Snapshot(buf []*Metadata) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n := 0
	for _, md := range reg.tasks {
		if n >= len(buf) {
			break
		}
		buf[n] = md
		n++
	}
	return n
}

// WaitContext is the per-waiter object bound to an owning task (spec §3
// "Wait context"). The binary semaphore is golang.org/x/sync/semaphore's
// weighted semaphore pinned to weight 1, which is the closest idiomatic
// stand-in for the platform binary counting semaphore the spec assumes the
// host provides.
type WaitContext struct {
	mu     sync.Mutex
	taskID TaskID
	sem    *semaphore.Weighted
	reason WaitReason
	armed  bool
	result Result
}

// PrepareWithReason implements wait_context_prepare_with_reason: lazily
// creates the semaphore (drained so the first Block call actually blocks),
// binds the calling task, arms the waiter, and defaults the result to OK.
func (w *WaitContext) PrepareWithReason(taskID TaskID, reason WaitReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sem == nil {
		w.sem = semaphore.NewWeighted(1)
		_ = w.sem.Acquire(context.Background(), 1) // start "empty"
	}
	w.taskID = taskID
	w.reason = reason
	w.armed = true
	w.result = ResultOK
}

// Block implements wait_block: parks the owning task until woken or the
// deadline elapses. On timeout it returns ResultTimeout unless the wait
// reason is ReasonDelay, in which case a timeout is the expected outcome of
// a sleep and is reported as ResultOK.
func (w *WaitContext) Block(deadline clock.Deadline) (Result, error) {
	w.mu.Lock()
	taskID := w.taskID
	reason := w.reason
	sem := w.sem
	w.mu.Unlock()

	md, ok := MetadataGet(taskID)
	if ok {
		md.setState(StateWaiting, reason)
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if dur, hasTimeout := deadline.ToContextDuration(); hasTimeout {
		ctx, cancel = context.WithTimeout(ctx, dur)
		defer cancel()
	}

	err := sem.Acquire(ctx, 1)

	w.mu.Lock()
	w.armed = false
	result := w.result
	w.mu.Unlock()

	if ok {
		md.setState(StateReady, ReasonNone)
	}

	if err != nil {
		if reason == ReasonDelay {
			return ResultOK, nil
		}
		return ResultTimeout, nil
	}
	return result, nil
}

// Wake implements wait_wake: records the result and, if the waiter is
// armed, releases the semaphore so a blocked (or future) Block call
// observes it. A wake issued before the matching Block call is absorbed:
// the semaphore count sticks at one until Block's Acquire drains it.
func (w *WaitContext) Wake(result Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.result = result
	if w.armed && w.sem != nil {
		w.armed = false
		w.sem.Release(1)
	}
}

// Priority returns the scheduling priority of the task owning this wait
// context, used by the priority wait queue to pick the highest-priority
// waiter (spec §4.3).
func (w *WaitContext) Priority() int {
	w.mu.Lock()
	taskID := w.taskID
	w.mu.Unlock()
	if md, ok := MetadataGet(taskID); ok {
		return md.Priority
	}
	return 0
}
