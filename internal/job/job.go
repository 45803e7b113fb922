// Package job implements spec §4.6: the job handle, the bounded ring queue
// with its worker pool, futures and wait-for-job, and cancellation. It sits
// on top of sched (tasks), waitqueue (priority wait lists) and jobctx (per
// job context), the same layering the original kernel core uses between
// ipc_scheduler_bridge, m_job_queue and m_job_ctx.
package job

import (
	"context"
	"fmt"
	"io"
	"sync"

	"magnolia/kernel/internal/clock"
	"magnolia/kernel/internal/kconfig"
	"magnolia/kernel/internal/kerr"
	"magnolia/kernel/internal/klog"
	"magnolia/kernel/internal/kmetrics"
	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/sched"
	"magnolia/kernel/internal/waitqueue"

	"go.uber.org/zap"
)

// Status is the outcome of a completed job (spec §3 "result").
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusCancelled
)

// Result is the job's completion payload.
type Result struct {
	Status  Status
	Payload []byte
	Err     error
}

// State is a job handle's coarse lifecycle.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
)

// Handler is the function a job runs. data is the opaque payload passed to
// Submit; the handler returns the completion result.
type Handler func(h *Handle, data any) Result

// Handle is one submitted unit of work (spec §3 "Job handle").
type Handle struct {
	mu sync.Mutex

	handler Handler
	data    any
	ctx     *jobctx.Ctx

	state       State
	cancelled   bool
	destroyed   bool
	resultReady bool
	result      Result

	futureCount int
	waiters     waitqueue.Queue

	queue *Queue
}

// Ctx returns the handle's owned job context.
func (h *Handle) Ctx() *jobctx.Ctx { return h.ctx }

// State reports the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// setResult implements "set_result": writes result, marks ready, wakes
// every waiter on job.waiters.
func (h *Handle) setResult(res Result) {
	h.mu.Lock()
	h.result = res
	h.resultReady = true
	h.state = StateCompleted
	h.waiters.WakeAll(sched.ResultOK)
	h.mu.Unlock()
	h.ctx.MarkCompleted()
}

// recordCancellation implements "record_cancellation".
func (h *Handle) recordCancellation() {
	h.mu.Lock()
	h.cancelled = true
	h.result = Result{Status: StatusCancelled}
	h.resultReady = true
	h.state = StateCompleted
	// Wake with ResultOK, not ResultObjectDestroyed: a waiter already
	// blocked in Future.Wait must re-read the now-ready {CANCELLED}
	// result rather than take the error branch and lose it.
	h.waiters.WakeAll(sched.ResultOK)
	h.mu.Unlock()
	h.ctx.Cancel()
}

// Cancel implements spec §4.6 "Cancellation".
func (h *Handle) Cancel() error {
	h.mu.Lock()
	if h.resultReady || h.destroyed {
		h.mu.Unlock()
		return kerr.New(kerr.CodeState, "job.Cancel", "job already completed or destroyed")
	}
	h.mu.Unlock()
	h.recordCancellation()
	return nil
}

// Destroy implements "Handle destruction": rejects unless result is ready,
// no futures reference the handle, and it isn't already destroyed.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	if !h.resultReady || h.futureCount != 0 || h.destroyed {
		h.mu.Unlock()
		return kerr.New(kerr.CodeState, "job.Destroy", "job not ready for destruction")
	}
	h.destroyed = true
	h.mu.Unlock()
	h.ctx.Release()
	return nil
}

// Future implements spec §4.6 "Futures and wait-for-job".
type Future struct {
	job         *Handle
	waiter      waitqueue.Waiter
	initialized bool
}

// NewFuture initializes a future bound to h, incrementing h's future_count.
func NewFuture(h *Handle) *Future {
	h.mu.Lock()
	h.futureCount++
	h.mu.Unlock()
	return &Future{job: h, initialized: true}
}

// Wait implements future_wait(deadline, out). ctx identifies the calling
// task (for wait-queue priority ordering); pass context.Background() when
// waiting from outside a task.
func (f *Future) Wait(ctx context.Context, deadline clock.Deadline) (Result, error) {
	h := f.job
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return Result{}, kerr.New(kerr.CodeDestroyed, "job.Future.Wait", "job destroyed")
	}
	if h.resultReady {
		res := h.result
		h.mu.Unlock()
		return res, nil
	}

	taskID := sched.CurrentTaskID(ctx)
	var wc sched.WaitContext
	wc.PrepareWithReason(taskID, sched.ReasonJob)
	f.waiter = waitqueue.Waiter{Ctx: &wc}
	h.waiters.Enqueue(&f.waiter)
	h.mu.Unlock()

	result, err := wc.Block(deadline)

	h.mu.Lock()
	h.waiters.Remove(&f.waiter)
	h.mu.Unlock()

	if err != nil {
		return Result{}, err
	}
	if result != sched.ResultOK {
		return Result{}, mapSchedResult(result)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, nil
}

// Try implements future_try: the non-blocking variant.
func (f *Future) Try() (Result, error) {
	h := f.job
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return Result{}, kerr.New(kerr.CodeDestroyed, "job.Future.Try", "job destroyed")
	}
	if !h.resultReady {
		return Result{}, kerr.New(kerr.CodeTimeout, "job.Future.Try", "not ready")
	}
	return h.result, nil
}

// Deinit implements future_deinit.
func (f *Future) Deinit() {
	if !f.initialized {
		return
	}
	f.initialized = false
	h := f.job
	h.mu.Lock()
	h.futureCount--
	h.mu.Unlock()
}

// WaitForJob is the thin shim spec §4.6 describes: init a throwaway
// future, wait, then deinit.
func WaitForJob(ctx context.Context, h *Handle, deadline clock.Deadline) (Result, error) {
	f := NewFuture(h)
	defer f.Deinit()
	return f.Wait(ctx, deadline)
}

// WaitForJobTry is the non-blocking thin shim.
func WaitForJobTry(h *Handle) (Result, error) {
	f := NewFuture(h)
	defer f.Deinit()
	return f.Try()
}

func mapSchedResult(r sched.Result) error {
	switch r {
	case sched.ResultTimeout:
		return kerr.New(kerr.CodeTimeout, "job", "wait timed out")
	case sched.ResultObjectDestroyed:
		return kerr.New(kerr.CodeDestroyed, "job", "object destroyed")
	case sched.ResultShutdown:
		return kerr.New(kerr.CodeShutdown, "job", "shutdown")
	default:
		return nil
	}
}

// EventKind names a job lifecycle transition (supplemented feature,
// grounded on m_job_event.c's pub/sub of job state changes).
type EventKind int

const (
	EventSubmitted EventKind = iota
	EventStarted
	EventCompleted
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventSubmitted:
		return "submitted"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is one lifecycle transition published to Queue.Subscribe
// observers.
type Event struct {
	Kind  EventKind
	JobID jobctx.JobID
}

// Stats mirrors spec §3 "Job queue" stats block.
type Stats struct {
	Submitted uint64
	Executed  uint64
	Failed    uint64
	Dropped   uint64
}

// Queue is the bounded job ring with its worker pool (spec §3 "Job queue").
type Queue struct {
	mu sync.Mutex

	cfg  kconfig.Config
	name string

	ring     []*Handle
	head     int
	tail     int
	count    int
	capacity int

	submitWaiters waitqueue.Queue
	workerWaiters waitqueue.Queue

	stats Stats

	destroyed          bool
	shutdownRequested  bool
	activeWorkers      int

	workerTasks []sched.TaskID
	nextJobID   uint64

	subscribers []chan Event
	subMu       sync.Mutex
}

var workerHooksOnce sync.Once

// NewQueue implements "Queue creation" (spec §4.6). workerCount tasks are
// created immediately, each running workerEntry.
func NewQueue(cfg kconfig.Config, name string, capacity, workerCount int) (*Queue, error) {
	if capacity < 1 || capacity > cfg.QueueCapacityMax {
		return nil, kerr.New(kerr.CodeInvalidParam, "job.NewQueue", "capacity out of bounds")
	}
	if workerCount < 1 || workerCount > cfg.QueueWorkerCountMax {
		return nil, kerr.New(kerr.CodeInvalidParam, "job.NewQueue", "worker_count out of bounds")
	}
	if name == "" {
		return nil, kerr.New(kerr.CodeInvalidParam, "job.NewQueue", "name is empty")
	}

	q := &Queue{
		cfg:      cfg,
		name:     name,
		ring:     make([]*Handle, capacity),
		capacity: capacity,
	}

	workerHooksOnce.Do(func() {
		sched.InstallWorkerHooks(onWorkerStart, onWorkerStop)
	})

	for i := 0; i < workerCount; i++ {
		id, err := sched.Create(sched.Options{
			Name:     fmt.Sprintf("%s-worker-%d", name, i),
			Flags:    sched.FlagWorker,
			Priority: cfg.WorkerPriority,
			UserData: q,
			Entry:    q.workerEntry,
		})
		if err != nil {
			for _, tid := range q.workerTasks {
				sched.Destroy(tid)
			}
			return nil, kerr.Wrap(kerr.CodeResourceExhausted, "job.NewQueue", "worker task creation failed", err)
		}
		q.workerTasks = append(q.workerTasks, id)
	}

	return q, nil
}

func onWorkerStart(md *sched.Metadata) {
	q, ok := md.UserData.(*Queue)
	if !ok {
		return
	}
	q.mu.Lock()
	q.activeWorkers++
	q.mu.Unlock()
}

func onWorkerStop(md *sched.Metadata) {
	q, ok := md.UserData.(*Queue)
	if !ok {
		return
	}
	q.mu.Lock()
	q.activeWorkers--
	q.mu.Unlock()
}

func (q *Queue) publish(ev Event) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.subscribers {
		select {
		case ch <- ev:
		default: // slow subscriber drops events rather than blocking the queue
		}
	}
}

// Subscribe implements the supplemented job-event pub/sub (grounded on
// m_job_event.c). The returned channel is buffered and events are dropped,
// not blocked on, if the subscriber falls behind.
func (q *Queue) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	q.subMu.Lock()
	q.subscribers = append(q.subscribers, ch)
	q.subMu.Unlock()
	return ch
}

func newJobHandle(q *Queue, parent *jobctx.Ctx, handler Handler, data any, priority int) *Handle {
	q.nextJobID++
	id := jobctx.JobID(q.nextJobID)
	var parentID jobctx.JobID
	if parent != nil {
		parentID = parent.JobID()
	}
	ctx := jobctx.New(q.cfg, id, parentID, false, func(reason string) {
		klog.Named("job").Warnw("job cancelled by allocator misuse", "job_id", id, "reason", reason)
	})
	ctx.SetPriorityHint(priority)
	return &Handle{handler: handler, data: data, ctx: ctx, queue: q}
}

// Submit implements "submit": blocks while the queue is full. ctx
// identifies the calling task for wait-queue priority ordering; pass
// context.Background() when submitting from outside a task.
func (q *Queue) Submit(ctx context.Context, parent *jobctx.Ctx, handler Handler, data any) (*Handle, error) {
	return q.submitDeadline(ctx, parent, handler, data, clock.Deadline{Infinite: true})
}

// SubmitNowait implements "submit_nowait".
func (q *Queue) SubmitNowait(ctx context.Context, parent *jobctx.Ctx, handler Handler, data any) (*Handle, error) {
	q.mu.Lock()
	full := q.count >= q.capacity && !q.destroyed && !q.shutdownRequested
	q.mu.Unlock()
	if full {
		return nil, kerr.New(kerr.CodeResourceExhausted, "job.SubmitNowait", "queue full")
	}
	return q.submitDeadline(ctx, parent, handler, data, clock.Deadline{})
}

// SubmitUntil implements "submit_until(deadline)".
func (q *Queue) SubmitUntil(ctx context.Context, parent *jobctx.Ctx, handler Handler, data any, deadline clock.Deadline) (*Handle, error) {
	return q.submitDeadline(ctx, parent, handler, data, deadline)
}

func (q *Queue) submitDeadline(ctx context.Context, parent *jobctx.Ctx, handler Handler, data any, deadline clock.Deadline) (*Handle, error) {
	if err := q.waitForSpace(ctx, deadline); err != nil {
		return nil, err
	}

	priority := q.cfg.WorkerPriority
	h := newJobHandle(q, parent, handler, data, priority)

	q.mu.Lock()
	q.ring[q.tail] = h
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.stats.Submitted++
	depth := q.count
	q.workerWaiters.WakeOne(sched.ResultOK)
	q.mu.Unlock()

	kmetrics.JobsSubmitted.Inc()
	kmetrics.QueueDepth.Set(float64(depth))
	q.publish(Event{Kind: EventSubmitted, JobID: h.ctx.JobID()})

	return h, nil
}

// waitForSpace implements spec §4.6 "Wait-for-space protocol".
func (q *Queue) waitForSpace(ctx context.Context, deadline clock.Deadline) error {
	for {
		q.mu.Lock()
		if q.count < q.capacity {
			q.mu.Unlock()
			return nil
		}
		if q.destroyed {
			q.mu.Unlock()
			return kerr.New(kerr.CodeDestroyed, "job.waitForSpace", "queue destroyed")
		}
		if q.shutdownRequested {
			q.mu.Unlock()
			return kerr.New(kerr.CodeShutdown, "job.waitForSpace", "queue shutting down")
		}

		taskID := sched.CurrentTaskID(ctx)
		var wc sched.WaitContext
		wc.PrepareWithReason(taskID, sched.ReasonJob)
		w := &waitqueue.Waiter{Ctx: &wc}
		q.submitWaiters.Enqueue(w)
		q.mu.Unlock()

		result, err := wc.Block(deadline)

		q.mu.Lock()
		q.submitWaiters.Remove(w)
		q.mu.Unlock()

		if err != nil {
			return err
		}
		if result != sched.ResultOK {
			q.mu.Lock()
			q.stats.Dropped++
			q.mu.Unlock()
			kmetrics.JobsDropped.Inc()
			return mapSchedResult(result)
		}
		// OK: loop to re-check the condition.
	}
}

// take implements spec §4.6 "Worker dequeue protocol".
func (q *Queue) take(ctx context.Context) (*Handle, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			h := q.ring[q.head]
			q.ring[q.head] = nil
			q.head = (q.head + 1) % q.capacity
			q.count--
			depth := q.count
			q.submitWaiters.WakeOne(sched.ResultOK)
			q.mu.Unlock()
			kmetrics.QueueDepth.Set(float64(depth))
			return h, nil
		}
		if q.destroyed {
			q.mu.Unlock()
			return nil, kerr.New(kerr.CodeDestroyed, "job.take", "queue destroyed")
		}
		if q.shutdownRequested {
			q.mu.Unlock()
			return nil, kerr.New(kerr.CodeShutdown, "job.take", "queue shutting down")
		}

		var wc sched.WaitContext
		wc.PrepareWithReason(sched.CurrentTaskID(ctx), sched.ReasonJob)
		w := &waitqueue.Waiter{Ctx: &wc}
		q.workerWaiters.Enqueue(w)
		q.mu.Unlock()

		result, err := wc.Block(clock.Deadline{Infinite: true})

		q.mu.Lock()
		q.workerWaiters.Remove(w)
		q.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if result != sched.ResultOK {
			return nil, mapSchedResult(result)
		}
	}
}

// workerEntry implements spec §4.6 "Worker body".
func (q *Queue) workerEntry(ctx context.Context) {
	log := klog.Named("job")
	for {
		h, err := q.take(ctx)
		if err != nil {
			return
		}

		h.mu.Lock()
		shouldRun := !h.cancelled && !h.resultReady
		if shouldRun {
			h.state = StateRunning
		}
		h.mu.Unlock()

		if !shouldRun {
			h.recordCancellation()
			continue
		}

		jctx := h.ctx
		jctx.MarkStarted()
		jctx.Acquire()
		q.publish(Event{Kind: EventStarted, JobID: jctx.JobID()})

		result := h.runHandlerSafely(log)

		q.mu.Lock()
		q.stats.Executed++
		if result.Status != StatusSuccess {
			q.stats.Failed++
		}
		q.mu.Unlock()
		kmetrics.JobsExecuted.Inc()
		if result.Status != StatusSuccess {
			kmetrics.JobsFailed.Inc()
		}

		h.setResult(result)
		kind := EventCompleted
		if result.Status == StatusCancelled {
			kind = EventCancelled
		}
		q.publish(Event{Kind: kind, JobID: jctx.JobID()})

		jctx.Release()
	}
}

// runHandlerSafely runs a job's handler with a recover guard: a panicking
// handler becomes an error result rather than killing the worker task.
func (h *Handle) runHandlerSafely(log *zap.SugaredLogger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: StatusError, Err: fmt.Errorf("handler panic: %v", r)}
			log.Errorw("job handler panicked", "panic", r)
		}
	}()
	return h.handler(h, h.data)
}

// Destroy implements spec §4.6 "Destruction".
func (q *Queue) Destroy() {
	q.mu.Lock()
	q.destroyed = true
	q.shutdownRequested = true
	pending := make([]*Handle, 0, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.capacity
		pending = append(pending, q.ring[idx])
	}
	q.submitWaiters.WakeAll(sched.ResultObjectDestroyed)
	q.workerWaiters.WakeAll(sched.ResultObjectDestroyed)
	q.mu.Unlock()

	for _, h := range pending {
		h.mu.Lock()
		ready := h.resultReady
		h.mu.Unlock()
		if !ready {
			h.recordCancellation()
		}
	}

	for _, tid := range q.workerTasks {
		sched.Destroy(tid)
	}

	q.mu.Lock()
	q.ring = nil
	q.workerTasks = nil
	q.mu.Unlock()
}

// Stats snapshots the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// DumpDiagnostics implements the supplemented diagnostics dump, grounded
// on m_job_diag.c's walk-and-print of live jobs.
func (q *Queue) DumpDiagnostics(w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fmt.Fprintf(w, "queue %q: capacity=%d count=%d workers=%d active=%d\n",
		q.name, q.capacity, q.count, len(q.workerTasks), q.activeWorkers)
	fmt.Fprintf(w, "  stats: submitted=%d executed=%d failed=%d dropped=%d\n",
		q.stats.Submitted, q.stats.Executed, q.stats.Failed, q.stats.Dropped)

	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % q.capacity
		h := q.ring[idx]
		if h == nil {
			continue
		}
		h.mu.Lock()
		fmt.Fprintf(w, "  job %d: state=%v cancelled=%v trace=%x\n",
			h.ctx.JobID(), h.state, h.cancelled, h.ctx.TraceID())
		h.mu.Unlock()
	}
}
