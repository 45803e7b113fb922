// Package jobctx implements spec §4.4: the per-job context (ctx), its
// refcounted lifecycle, TLS slots, and the table-driven field access that
// backs job_field_get/job_field_set.
package jobctx

import (
	"sync"

	"magnolia/kernel/internal/arena"
	"magnolia/kernel/internal/clock"
	"magnolia/kernel/internal/kconfig"
	"magnolia/kernel/internal/kerr"
)

// JobID is an opaque job handle. Pointer identity of the owning *Ctx
// suffices per the data model, but a numeric id is kept for trace_id
// derivation and logging.
type JobID uint64

// SchedulerState mirrors the job's coarse lifecycle as seen from ctx.
type SchedulerState int

const (
	SchedulerPending SchedulerState = iota
	SchedulerRunning
	SchedulerCompleted
	SchedulerCancelled
)

// Policy is a field's access control (spec §4.4).
type Policy int

const (
	Private Policy = iota
	Protected
	Public
)

// FieldType distinguishes raw fixed-size fields from bounded strings.
type FieldType int

const (
	Raw FieldType = iota
	StringField
)

// Field names every table-driven field ctx_get_field_kernel/
// ctx_set_field_kernel understand.
type Field int

const (
	FieldJobID Field = iota
	FieldParentJobID
	FieldUID
	FieldGID
	FieldEUID
	FieldEGID
	FieldCwd
	FieldTraceID
	FieldPriorityHint
	FieldDeadline
	FieldAttribute0
	FieldAttribute1
	FieldAttribute2
	FieldAttribute3
	FieldAttribute4
)

type fieldDescriptor struct {
	policy Policy
	typ    FieldType
	size   int // not consulted: STRING bounds come from Config (CwdMaxLen, AttrValueMaxLen)
}

// fieldTable is the access-control table spec §4.4 requires: every field's
// policy and type in one place instead of scattered type switches.
var fieldTable = map[Field]fieldDescriptor{
	FieldJobID:        {Protected, Raw, 0},
	FieldParentJobID:  {Protected, Raw, 0},
	FieldUID:          {Protected, Raw, 0},
	FieldGID:          {Protected, Raw, 0},
	FieldEUID:         {Private, Raw, 0},
	FieldEGID:         {Private, Raw, 0},
	FieldCwd:          {Public, StringField, 0}, // bounded by Config.CwdMaxLen
	FieldTraceID:      {Protected, Raw, 0},
	FieldPriorityHint: {Public, Raw, 0},
	FieldDeadline:     {Protected, Raw, 0},
	FieldAttribute0:   {Public, StringField, 0},
	FieldAttribute1:   {Public, StringField, 0},
	FieldAttribute2:   {Public, StringField, 0},
	FieldAttribute3:   {Public, StringField, 0},
	FieldAttribute4:   {Public, StringField, 0},
}

// TLSSlot is one thread-local-ish slot carried by the ctx instead of by the
// goroutine, since Go has no goroutine-local storage (spec §3 "tls[0..4]").
type TLSSlot struct {
	Value      any
	Destructor func(any)
}

// internalState bundles the fields the spec marks private to the scheduler.
type internalState struct {
	cancelled      bool
	schedulerState SchedulerState
	refcount       int
}

// Ctx is one job's execution context (spec §3 "Job context").
type Ctx struct {
	mu sync.Mutex

	jobID       JobID
	parentJobID JobID

	uid, gid, euid, egid int
	cwd                  string
	traceID              uint64

	submittedAt, startedAt, completedAt uint64
	deadline                            clock.Deadline
	priorityHint                        int

	attributes [5]attrPair

	internal internalState
	tls       [5]TLSSlot

	cfg    kconfig.Config
	heap   *arena.Heap
	isSys  bool
}

type attrPair struct {
	key, value string
}

// New implements ctx_create(job_id, parent_id).
func New(cfg kconfig.Config, jobID, parentJobID JobID, isSystem bool, cancel arena.CancelFunc) *Ctx {
	now := clock.NowUS()
	c := &Ctx{
		jobID:       jobID,
		parentJobID: parentJobID,
		cwd:         "/",
		traceID:     (uint64(jobID) << 32) ^ now,
		submittedAt: now,
		deadline:    clock.Deadline{Infinite: true},
		cfg:         cfg,
		isSys:       isSystem,
		internal: internalState{
			schedulerState: SchedulerPending,
			refcount:       1,
		},
	}
	c.heap = arena.NewHeap(cfg, jobLabel(jobID), isSystem, cancel)
	return c
}

func jobLabel(id JobID) string {
	if id == 0 {
		return "system"
	}
	return "job"
}

// Heap returns the ctx's lazily-backed region allocator. The heap is
// constructed eagerly here (unlike the spec's "lazily created on first
// allocation") because Go has no cheap way to materialize a zero-cost
// placeholder; NewHeap itself does not obtain any region until the first
// Alloc, which is the part of "lazy" that actually matters for memory
// accounting.
func (c *Ctx) Heap() *arena.Heap { return c.heap }

// JobID returns the owning job's id.
func (c *Ctx) JobID() JobID { return c.jobID }

// ParentJobID returns the submitting job's id, or 0 for a root job.
func (c *Ctx) ParentJobID() JobID { return c.parentJobID }

// TraceID returns the derived correlation id.
func (c *Ctx) TraceID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traceID
}

// MarkStarted records started_at, idempotent.
func (c *Ctx) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt == 0 {
		c.startedAt = clock.NowUS()
		c.internal.schedulerState = SchedulerRunning
	}
}

// MarkCompleted records completed_at.
func (c *Ctx) MarkCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedAt = clock.NowUS()
	c.internal.schedulerState = SchedulerCompleted
}

// Cancel sets the cancellation flag (spec "internal.cancelled").
func (c *Ctx) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.internal.cancelled = true
	c.internal.schedulerState = SchedulerCancelled
}

// Cancelled reports whether the job has been cancelled.
func (c *Ctx) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal.cancelled
}

// SchedulerState reports the ctx's coarse lifecycle state.
func (c *Ctx) SchedulerState() SchedulerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal.schedulerState
}

// SetPriorityHint/Deadline are the common public-field setters job
// submission uses directly, bypassing the generic field table for the hot
// path (the table exists for job_field_get/set, not for internal callers).
func (c *Ctx) SetPriorityHint(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priorityHint = p
}

func (c *Ctx) SetDeadline(d clock.Deadline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = d
}

func (c *Ctx) Deadline() clock.Deadline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Acquire/Release implement ctx_acquire/ctx_release: refcount under the
// ctx lock. On the final release every TLS destructor with a non-nil
// Destructor fires, then the region heap is torn down.
func (c *Ctx) Acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.internal.refcount++
}

// Release decrements the refcount and tears down the ctx if it reaches
// zero. Returns true if this call performed the teardown.
func (c *Ctx) Release() bool {
	c.mu.Lock()
	c.internal.refcount--
	final := c.internal.refcount == 0
	var slots [5]TLSSlot
	if final {
		slots = c.tls
		c.tls = [5]TLSSlot{}
	}
	c.mu.Unlock()

	if !final {
		return false
	}
	for _, s := range slots {
		if s.Destructor != nil {
			s.Destructor(s.Value)
		}
	}
	c.heap.Teardown()
	return true
}

// Refcount reports the current reference count (diagnostics only).
func (c *Ctx) Refcount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal.refcount
}

// SetTLS installs slot's value and optional destructor (spec "tls[0..4]").
func (c *Ctx) SetTLS(slot int, value any, destructor func(any)) error {
	if slot < 0 || slot >= len(c.tls) {
		return kerr.New(kerr.CodeInvalidParam, "jobctx.SetTLS", "slot out of range")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tls[slot] = TLSSlot{Value: value, Destructor: destructor}
	return nil
}

// GetTLS reads slot's current value.
func (c *Ctx) GetTLS(slot int) (any, error) {
	if slot < 0 || slot >= len(c.tls) {
		return nil, kerr.New(kerr.CodeInvalidParam, "jobctx.GetTLS", "slot out of range")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tls[slot].Value, nil
}

func attrIndex(f Field) (int, bool) {
	switch f {
	case FieldAttribute0:
		return 0, true
	case FieldAttribute1:
		return 1, true
	case FieldAttribute2:
		return 2, true
	case FieldAttribute3:
		return 3, true
	case FieldAttribute4:
		return 4, true
	}
	return 0, false
}

// GetFieldKernel implements ctx_get_field_kernel: copies a field's value
// out by the field table's policy/type, independent of the caller's
// permission (kernel-internal callers may read anything). Returns the raw
// value as `any`; string fields are truncated to the field's configured
// max length the way a fixed `buf[size]` copy would be.
func (c *Ctx) GetFieldKernel(f Field) (any, error) {
	desc, ok := fieldTable[f]
	if !ok {
		return nil, kerr.New(kerr.CodeInvalidParam, "jobctx.GetFieldKernel", "unknown field")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f {
	case FieldJobID:
		return c.jobID, nil
	case FieldParentJobID:
		return c.parentJobID, nil
	case FieldUID:
		return c.uid, nil
	case FieldGID:
		return c.gid, nil
	case FieldEUID:
		return c.euid, nil
	case FieldEGID:
		return c.egid, nil
	case FieldCwd:
		return truncateString(c.cwd, c.cfg.CwdMaxLen), nil
	case FieldTraceID:
		return c.traceID, nil
	case FieldPriorityHint:
		return c.priorityHint, nil
	case FieldDeadline:
		return c.deadline, nil
	default:
		if idx, ok := attrIndex(f); ok {
			_ = desc
			return truncateString(c.attributes[idx].value, c.cfg.AttrValueMaxLen), nil
		}
		return nil, kerr.New(kerr.CodeInvalidParam, "jobctx.GetFieldKernel", "unknown field")
	}
}

// SetFieldKernel implements ctx_set_field_kernel: writes a field's value
// without a permission check (kernel-internal). FieldJobID,
// FieldParentJobID and FieldTraceID are read-only and rejected with
// CodeNotSupported.
func (c *Ctx) SetFieldKernel(f Field, value any) error {
	desc, ok := fieldTable[f]
	if !ok {
		return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "unknown field")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, isAttr := attrIndex(f); isAttr {
		s, ok := value.(string)
		if !ok {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "attribute value must be a string")
		}
		c.attributes[idx].value = truncateString(s, c.cfg.AttrValueMaxLen)
		return nil
	}

	switch f {
	case FieldCwd:
		s, ok := value.(string)
		if !ok || len(s) == 0 || s[0] != '/' {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "cwd must be an absolute path")
		}
		c.cwd = truncateString(s, c.cfg.CwdMaxLen)
	case FieldPriorityHint:
		v, ok := value.(int)
		if !ok {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "priority_hint must be int")
		}
		c.priorityHint = v
	case FieldUID:
		v, ok := value.(int)
		if !ok {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "uid must be int")
		}
		c.uid = v
	case FieldGID:
		v, ok := value.(int)
		if !ok {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "gid must be int")
		}
		c.gid = v
	case FieldEUID:
		v, ok := value.(int)
		if !ok {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "euid must be int")
		}
		c.euid = v
	case FieldEGID:
		v, ok := value.(int)
		if !ok {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "egid must be int")
		}
		c.egid = v
	case FieldDeadline:
		d, ok := value.(clock.Deadline)
		if !ok {
			return kerr.New(kerr.CodeInvalidParam, "jobctx.SetFieldKernel", "deadline must be clock.Deadline")
		}
		c.deadline = d
	default:
		_ = desc
		return kerr.New(kerr.CodeNotSupported, "jobctx.SetFieldKernel", "field is kernel-readonly")
	}
	return nil
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// FieldGetPublic implements job_field_get: rejects PRIVATE fields, callable
// by anyone holding a reference to ctx.
func (c *Ctx) FieldGetPublic(f Field) (any, error) {
	desc, ok := fieldTable[f]
	if !ok {
		return nil, kerr.New(kerr.CodeInvalidParam, "jobctx.FieldGetPublic", "unknown field")
	}
	if desc.policy == Private {
		return nil, kerr.New(kerr.CodeNotSupported, "jobctx.FieldGetPublic", "field is private")
	}
	return c.GetFieldKernel(f)
}

// FieldSetPublic implements job_field_set: requires the calling job to be
// the owner of ctx and the field to be PUBLIC.
func (c *Ctx) FieldSetPublic(callerJobID JobID, f Field, value any) error {
	desc, ok := fieldTable[f]
	if !ok {
		return kerr.New(kerr.CodeInvalidParam, "jobctx.FieldSetPublic", "unknown field")
	}
	if callerJobID != c.jobID {
		return kerr.New(kerr.CodeNotSupported, "jobctx.FieldSetPublic", "caller does not own ctx")
	}
	if desc.policy != Public {
		return kerr.New(kerr.CodeNotSupported, "jobctx.FieldSetPublic", "field is not public")
	}
	return c.SetFieldKernel(f, value)
}
