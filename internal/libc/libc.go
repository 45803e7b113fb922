// Package libc implements spec §4.9: the libc compatibility shim ELF
// applets link against. Storage is per-job via ctx TLS (errno in slot 0,
// the exit frame in slot 1 — owned by elfload — and the atexit stack in
// slot 2); syscalls translate POSIX-shaped calls into VFS/allocator/ctx
// operations and map failures through the spec §7 errno table.
//
// The concrete filesystem backing open/stat/mkdir/... and the platform
// console stdin/stdout/stderr route through are out of this package's
// scope (named external collaborators per spec §1) — FileSystem and
// Console are the seams a board/FS driver plugs into.
package libc

import (
	"path"
	"sync"
	"time"

	"magnolia/kernel/internal/clock"
	"magnolia/kernel/internal/elfload"
	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/kerr"
	"magnolia/kernel/internal/klog"
	"magnolia/kernel/internal/sched"
	"magnolia/kernel/internal/vfs"
)

// Seek whence values (lseek).
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// Open flags, POSIX-numbered loosely enough to matter only within this shim.
const (
	ORdonly = 0x0
	OWronly = 0x1
	ORdwr   = 0x2
	OCreat  = 0x40
	OExcl   = 0x80
	OTrunc  = 0x200
	OAppend = 0x400
)

// Access mode bits (access()).
const (
	FOK = 0
	XOK = 1
	WOK = 2
	ROK = 4
)

// Poll event bits, translated bidirectionally against vfs.WaitReason.
const (
	PollIn  = 0x1
	PollOut = 0x4
	PollErr = 0x8
)

// Stat is the subset of struct stat the shim surfaces.
type Stat struct {
	Size  int64
	Mode  uint32
	IsDir bool
}

// FileSystem is the path-resolution backend a board wires in; this
// package only knows how to translate syscalls into its calls and map
// its errors, never how paths actually resolve to storage.
type FileSystem interface {
	Open(jobID jobctx.JobID, path string, flags int, mode uint32) (*vfs.File, error)
	ReadAt(f *vfs.File, buf []byte, off int64) (int, error)
	WriteAt(f *vfs.File, buf []byte, off int64) (int, error)
	Unlink(jobID jobctx.JobID, path string) error
	Mkdir(jobID jobctx.JobID, path string, mode uint32) error
	Stat(jobID jobctx.JobID, path string) (Stat, error)
	Fstat(f *vfs.File) (Stat, error)
	OpenDir(jobID jobctx.JobID, path string) (*vfs.File, error)
	// ReadDir returns the next entry name; eof is true once exhausted.
	ReadDir(dir *vfs.File) (name string, eof bool, err error)
	RewindDir(dir *vfs.File) error
	Access(jobID jobctx.JobID, path string, mode int) error
}

// Console is the platform stdin/stdout/stderr collaborator (spec "fd 0/1/2
// reserved... platform console").
type Console interface {
	// ReadByte blocks until at least one byte is available.
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

type atExitKind int

const (
	atExitVoid atExitKind = iota
	atExitCxa
)

type atExitRecord struct {
	kind atExitKind
	dso  string
	fn   func(arg any)
	arg  any
}

type fdEntry struct {
	file  *vfs.File
	isDir bool
}

type fdTable struct {
	mu      sync.Mutex
	entries map[int]*fdEntry
	next    int
}

func newFDTable() *fdTable {
	return &fdTable{entries: map[int]*fdEntry{}, next: 3}
}

func (t *fdTable) alloc(e *fdEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.entries[fd] = e
	return fd
}

func (t *fdTable) get(fd int) (*fdEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	return e, ok
}

func (t *fdTable) set(fd int, e *fdEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[fd] = e
}

func (t *fdTable) remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, fd)
}

// Shim is the libc façade. One Shim serves every job; per-job state lives
// in ctx TLS and in a per-ctx fd table keyed off the ctx pointer.
type Shim struct {
	FS      FileSystem
	Console Console

	mu     sync.Mutex
	tables map[*jobctx.Ctx]*fdTable

	processErrnoMu sync.Mutex
	processErrno   kerr.Errno
}

// New builds a Shim bound to the given filesystem and console backends.
func New(fs FileSystem, console Console) *Shim {
	return &Shim{FS: fs, Console: console, tables: map[*jobctx.Ctx]*fdTable{}}
}

func (s *Shim) table(ctx *jobctx.Ctx) *fdTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[ctx]
	if !ok {
		t = newFDTable()
		s.tables[ctx] = t
	}
	return t
}

// DropCtx releases the fd table for a ctx that has fully torn down.
func (s *Shim) DropCtx(ctx *jobctx.Ctx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, ctx)
}

// --- errno (TLS slot 0) ---

// SetErrno implements __errno()'s write side.
func (s *Shim) SetErrno(ctx *jobctx.Ctx, e kerr.Errno) {
	if ctx == nil {
		s.processErrnoMu.Lock()
		s.processErrno = e
		s.processErrnoMu.Unlock()
		return
	}
	_ = ctx.SetTLS(0, e, nil)
}

// Errno implements __errno(): the current ctx's errno slot, falling back
// to the process-wide location if no ctx is active.
func (s *Shim) Errno(ctx *jobctx.Ctx) kerr.Errno {
	if ctx == nil {
		s.processErrnoMu.Lock()
		defer s.processErrnoMu.Unlock()
		return s.processErrno
	}
	v, _ := ctx.GetTLS(0)
	e, _ := v.(kerr.Errno)
	return e
}

func (s *Shim) fail(ctx *jobctx.Ctx, err error, creatExcl bool) int32 {
	s.SetErrno(ctx, errnoFor(err, creatExcl))
	return -1
}

// errnoFor implements the spec §7 VFS-to-errno map, special-casing the
// O_CREAT|O_EXCL-on-BUSY -> EEXIST rule.
func errnoFor(err error, creatExcl bool) kerr.Errno {
	if err == nil {
		return kerr.EOK
	}
	var ke *kerr.KernelError
	if kerr.As(err, &ke) {
		if ke.Code == kerr.CodeState && creatExcl {
			return kerr.EEXIST
		}
		if ke.Code == kerr.CodeState {
			return kerr.EBUSY
		}
		return kerr.ToErrno(ke.Code)
	}
	return kerr.EIO
}

// --- atexit (TLS slot 2) ---

func atExitStack(ctx *jobctx.Ctx) []*atExitRecord {
	v, _ := ctx.GetTLS(2)
	stack, _ := v.([]*atExitRecord)
	return stack
}

// AtExit implements atexit()/__cxa_atexit(): pushes a record onto TLS
// slot 2's stack.
func (s *Shim) AtExit(ctx *jobctx.Ctx, dso string, fn func(arg any), arg any) {
	rec := &atExitRecord{kind: atExitVoid, dso: dso, fn: fn, arg: arg}
	if dso != "" {
		rec.kind = atExitCxa
	}
	stack := append(atExitStack(ctx), rec)
	_ = ctx.SetTLS(2, stack, nil)
}

// CxaFinalize implements __cxa_finalize(dso): invokes and removes every
// record matching dso (or every CXA record if dso=="").
func (s *Shim) CxaFinalize(ctx *jobctx.Ctx, dso string) {
	stack := atExitStack(ctx)
	remaining := stack[:0]
	for _, rec := range stack {
		if rec.kind == atExitCxa && (dso == "" || rec.dso == dso) {
			rec.fn(rec.arg)
			continue
		}
		remaining = append(remaining, rec)
	}
	_ = ctx.SetTLS(2, remaining, nil)
}

// runAtExit pops and invokes every atexit record in LIFO order (called by
// Exit, never by _exit/abort).
func (s *Shim) runAtExit(ctx *jobctx.Ctx) {
	stack := atExitStack(ctx)
	for i := len(stack) - 1; i >= 0; i-- {
		stack[i].fn(stack[i].arg)
	}
	_ = ctx.SetTLS(2, nil, nil)
}

// Exit implements exit(): runs the atexit stack LIFO, then longjmps to
// the current exit frame.
func (s *Shim) Exit(ctx *jobctx.Ctx, code int32) {
	s.runAtExit(ctx)
	elfload.Exit(ctx, code)
}

// Abort implements abort(): rc is forced to 134, atexit is skipped.
func (s *Shim) Abort(ctx *jobctx.Ctx) {
	elfload.Exit(ctx, 134)
}

// UnderscoreExit implements _exit(): atexit is skipped.
func (s *Shim) UnderscoreExit(ctx *jobctx.Ctx, code int32) {
	elfload.Exit(ctx, code)
}

// --- path normalization ---

func (s *Shim) normalize(ctx *jobctx.Ctx, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	cwdAny, _ := ctx.GetFieldKernel(jobctx.FieldCwd)
	cwd, _ := cwdAny.(string)
	if cwd == "" {
		cwd = "/"
	}
	return path.Clean(path.Join(cwd, p))
}

// --- POSIX syscalls ---

// Open implements open(path, flags, mode).
func (s *Shim) Open(ctx *jobctx.Ctx, p string, flags int, mode uint32) int32 {
	full := s.normalize(ctx, p)
	f, err := s.FS.Open(ctx.JobID(), full, flags, mode)
	if err != nil {
		return s.fail(ctx, err, flags&OCreat != 0 && flags&OExcl != 0)
	}
	fd := s.table(ctx).alloc(&fdEntry{file: f})
	return int32(fd)
}

// Close implements close(fd).
func (s *Shim) Close(ctx *jobctx.Ctx, fd int) int32 {
	if fd >= 0 && fd <= 2 {
		return 0
	}
	t := s.table(ctx)
	e, ok := t.get(fd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	e.file.Release()
	t.remove(fd)
	return 0
}

// Read implements read(fd, buf); fd 0 reads exactly one raw console byte
// per call, translating \r to \n; no further bytes are drained, since
// Console exposes no non-blocking peek.
func (s *Shim) Read(ctx *jobctx.Ctx, fd int, buf []byte) int32 {
	if len(buf) == 0 {
		return 0
	}
	if fd == 0 {
		b, err := s.Console.ReadByte()
		if err != nil {
			return s.fail(ctx, kerr.Wrap(kerr.CodeIO, "libc.Read", "console read failed", err), false)
		}
		if b == '\r' {
			b = '\n'
		}
		buf[0] = b
		return 1
	}
	if fd == 1 || fd == 2 {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	e, ok := s.table(ctx).get(fd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	n, err := s.FS.ReadAt(e.file, buf, e.file.Offset())
	if err != nil && n == 0 {
		return s.fail(ctx, err, false)
	}
	e.file.SetOffset(e.file.Offset() + int64(n))
	return int32(n)
}

// Write implements write(fd, buf); fd 1/2 route every byte to the console.
func (s *Shim) Write(ctx *jobctx.Ctx, fd int, buf []byte) int32 {
	if fd == 1 || fd == 2 {
		for _, b := range buf {
			if err := s.Console.WriteByte(b); err != nil {
				return s.fail(ctx, kerr.Wrap(kerr.CodeIO, "libc.Write", "console write failed", err), false)
			}
		}
		return int32(len(buf))
	}
	if fd == 0 {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	e, ok := s.table(ctx).get(fd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	n, err := s.FS.WriteAt(e.file, buf, e.file.Offset())
	if err != nil {
		return s.fail(ctx, err, false)
	}
	e.file.SetOffset(e.file.Offset() + int64(n))
	return int32(n)
}

// Lseek implements lseek(fd, offset, whence).
func (s *Shim) Lseek(ctx *jobctx.Ctx, fd int, offset int64, whence int) int64 {
	e, ok := s.table(ctx).get(fd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = e.file.Offset()
	case SeekEnd:
		st, err := s.FS.Fstat(e.file)
		if err != nil {
			s.fail(ctx, err, false)
			return -1
		}
		base = st.Size
	default:
		s.SetErrno(ctx, kerr.EINVAL)
		return -1
	}
	newOff := base + offset
	e.file.SetOffset(newOff)
	return newOff
}

// Ioctl has no generic, board-independent semantics (spec §1 places
// device I/O out of scope); it always reports ENOSYS.
func (s *Shim) Ioctl(ctx *jobctx.Ctx, fd int, req uint32, arg any) int32 {
	s.SetErrno(ctx, kerr.ENOSYS)
	return -1
}

// Dup implements dup(fd).
func (s *Shim) Dup(ctx *jobctx.Ctx, fd int) int32 {
	e, ok := s.table(ctx).get(fd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	e.file.Acquire()
	newFd := s.table(ctx).alloc(&fdEntry{file: e.file, isDir: e.isDir})
	return int32(newFd)
}

// Dup2 implements dup2(oldfd, newfd).
func (s *Shim) Dup2(ctx *jobctx.Ctx, oldfd, newfd int) int32 {
	e, ok := s.table(ctx).get(oldfd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	if oldfd == newfd {
		return int32(newfd)
	}
	t := s.table(ctx)
	if old, ok := t.get(newfd); ok {
		old.file.Release()
	}
	e.file.Acquire()
	t.set(newfd, &fdEntry{file: e.file, isDir: e.isDir})
	return int32(newfd)
}

// Stat implements stat(path, out).
func (s *Shim) Stat(ctx *jobctx.Ctx, p string) (Stat, int32) {
	st, err := s.FS.Stat(ctx.JobID(), s.normalize(ctx, p))
	if err != nil {
		return Stat{}, s.fail(ctx, err, false)
	}
	return st, 0
}

// Fstat implements fstat(fd, out).
func (s *Shim) Fstat(ctx *jobctx.Ctx, fd int) (Stat, int32) {
	e, ok := s.table(ctx).get(fd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return Stat{}, -1
	}
	st, err := s.FS.Fstat(e.file)
	if err != nil {
		return Stat{}, s.fail(ctx, err, false)
	}
	return st, 0
}

// Unlink implements unlink(path).
func (s *Shim) Unlink(ctx *jobctx.Ctx, p string) int32 {
	if err := s.FS.Unlink(ctx.JobID(), s.normalize(ctx, p)); err != nil {
		return s.fail(ctx, err, false)
	}
	return 0
}

// Mkdir implements mkdir(path, mode).
func (s *Shim) Mkdir(ctx *jobctx.Ctx, p string, mode uint32) int32 {
	if err := s.FS.Mkdir(ctx.JobID(), s.normalize(ctx, p), mode); err != nil {
		return s.fail(ctx, err, false)
	}
	return 0
}

// Chdir implements chdir(path): validates the target exists and is a
// directory, then overwrites the ctx's cwd field directly (kernel
// privilege; bypasses job_field_set_public's Public-policy check since
// chdir is a kernel-mediated syscall, not a cross-job field poke).
func (s *Shim) Chdir(ctx *jobctx.Ctx, p string) int32 {
	full := s.normalize(ctx, p)
	st, err := s.FS.Stat(ctx.JobID(), full)
	if err != nil {
		return s.fail(ctx, err, false)
	}
	if !st.IsDir {
		s.SetErrno(ctx, kerr.EINVAL)
		return -1
	}
	_ = ctx.SetFieldKernel(jobctx.FieldCwd, full)
	return 0
}

// Getcwd implements getcwd().
func (s *Shim) Getcwd(ctx *jobctx.Ctx) (string, int32) {
	v, err := ctx.GetFieldKernel(jobctx.FieldCwd)
	if err != nil {
		return "", s.fail(ctx, err, false)
	}
	cwd, _ := v.(string)
	return cwd, 0
}

// OpenDir implements opendir(path).
func (s *Shim) OpenDir(ctx *jobctx.Ctx, p string) int32 {
	full := s.normalize(ctx, p)
	f, err := s.FS.OpenDir(ctx.JobID(), full)
	if err != nil {
		return s.fail(ctx, err, false)
	}
	fd := s.table(ctx).alloc(&fdEntry{file: f, isDir: true})
	return int32(fd)
}

// ReadDir implements readdir(fd); eof signals exhaustion without error.
func (s *Shim) ReadDir(ctx *jobctx.Ctx, fd int) (name string, eof bool, rc int32) {
	e, ok := s.table(ctx).get(fd)
	if !ok || !e.isDir {
		s.SetErrno(ctx, kerr.EBADF)
		return "", false, -1
	}
	name, eof, err := s.FS.ReadDir(e.file)
	if err != nil {
		return "", false, s.fail(ctx, err, false)
	}
	return name, eof, 0
}

// CloseDir implements closedir(fd).
func (s *Shim) CloseDir(ctx *jobctx.Ctx, fd int) int32 { return s.Close(ctx, fd) }

// RewindDir implements rewinddir(fd).
func (s *Shim) RewindDir(ctx *jobctx.Ctx, fd int) int32 {
	e, ok := s.table(ctx).get(fd)
	if !ok || !e.isDir {
		s.SetErrno(ctx, kerr.EBADF)
		return -1
	}
	if err := s.FS.RewindDir(e.file); err != nil {
		return s.fail(ctx, err, false)
	}
	return 0
}

// Poll implements poll() for a single fd, translating the platform event
// bitset to/from vfs.WaitReason and driving the VFS file wait entry point.
func (s *Shim) Poll(ctx *jobctx.Ctx, fd int, events int16, taskID sched.TaskID, deadline clock.Deadline) (revents int16, rc int32) {
	e, ok := s.table(ctx).get(fd)
	if !ok {
		s.SetErrno(ctx, kerr.EBADF)
		return 0, -1
	}
	reason := vfs.WaitPoll
	switch {
	case events&PollOut != 0:
		reason = vfs.WaitWrite
	case events&PollIn != 0:
		reason = vfs.WaitRead
	}
	result, err := e.file.Wait(taskID, reason, deadline)
	if err != nil {
		return 0, s.fail(ctx, err, false)
	}
	switch result {
	case sched.ResultOK:
		return events, 0
	case sched.ResultTimeout:
		return 0, 0
	default:
		return PollErr, 0
	}
}

// IsATTY implements isatty(fd).
func (s *Shim) IsATTY(ctx *jobctx.Ctx, fd int) bool {
	return fd >= 0 && fd <= 2
}

// Access implements access(path, mode).
func (s *Shim) Access(ctx *jobctx.Ctx, p string, mode int) int32 {
	if err := s.FS.Access(ctx.JobID(), s.normalize(ctx, p), mode); err != nil {
		return s.fail(ctx, err, false)
	}
	return 0
}

// --- allocation wrappers ---

// Malloc implements malloc(size).
func (s *Shim) Malloc(ctx *jobctx.Ctx, size uint32) ([]byte, int32) {
	buf, err := ctx.Heap().Alloc(size)
	if err != nil {
		return nil, s.fail(ctx, err, false)
	}
	return buf, 0
}

// Calloc implements calloc(n, size).
func (s *Shim) Calloc(ctx *jobctx.Ctx, n, size uint32) ([]byte, int32) {
	buf, err := ctx.Heap().Calloc(n, size)
	if err != nil {
		return nil, s.fail(ctx, err, false)
	}
	return buf, 0
}

// Realloc implements realloc(p, size).
func (s *Shim) Realloc(ctx *jobctx.Ctx, p []byte, size uint32) ([]byte, int32) {
	buf, err := ctx.Heap().Realloc(p, size)
	if err != nil {
		return nil, s.fail(ctx, err, false)
	}
	return buf, 0
}

// Free implements free(p).
func (s *Shim) Free(ctx *jobctx.Ctx, p []byte) int32 {
	if err := ctx.Heap().Free(p); err != nil {
		return s.fail(ctx, err, false)
	}
	return 0
}

// --- identity/time queries ---

// Getpid implements getpid().
func (s *Shim) Getpid(ctx *jobctx.Ctx) uint64 { return uint64(ctx.JobID()) }

// Getppid implements getppid().
func (s *Shim) Getppid(ctx *jobctx.Ctx) uint64 { return uint64(ctx.ParentJobID()) }

func (s *Shim) intField(ctx *jobctx.Ctx, f jobctx.Field) int {
	v, _ := ctx.GetFieldKernel(f)
	i, _ := v.(int)
	return i
}

// Getuid/Getgid/Geteuid/Getegid read the matching ctx credential field.
func (s *Shim) Getuid(ctx *jobctx.Ctx) int  { return s.intField(ctx, jobctx.FieldUID) }
func (s *Shim) Getgid(ctx *jobctx.Ctx) int  { return s.intField(ctx, jobctx.FieldGID) }
func (s *Shim) Geteuid(ctx *jobctx.Ctx) int { return s.intField(ctx, jobctx.FieldEUID) }
func (s *Shim) Getegid(ctx *jobctx.Ctx) int { return s.intField(ctx, jobctx.FieldEGID) }

// ClockID selects clock_gettime's clock.
type ClockID int

const (
	ClockMonotonic ClockID = iota
	ClockRealtime
)

// ClockGettime implements clock_gettime(clk_id).
func (s *Shim) ClockGettime(clk ClockID) (sec int64, nsec int64) {
	if clk == ClockMonotonic {
		us := clock.NowUS()
		return int64(us / 1_000_000), int64(us%1_000_000) * 1000
	}
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond())
}

// Gettimeofday implements gettimeofday().
func (s *Shim) Gettimeofday() (sec int64, usec int64) {
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond() / 1000)
}

// Time implements time().
func (s *Shim) Time() int64 { return time.Now().Unix() }

// Sleep implements sleep(seconds): blocks the calling task via
// wait_block with reason=DELAY, returning early (0 remaining) only on
// wake, which no caller triggers for a plain delay.
func (s *Shim) Sleep(taskID sched.TaskID, seconds uint32) uint32 {
	s.delay(taskID, uint64(seconds)*1_000_000)
	return 0
}

// Usleep implements usleep(usec).
func (s *Shim) Usleep(taskID sched.TaskID, usec uint64) int32 {
	s.delay(taskID, usec)
	return 0
}

// Nanosleep implements nanosleep(req).
func (s *Shim) Nanosleep(taskID sched.TaskID, nsec uint64) int32 {
	s.delay(taskID, nsec/1000)
	return 0
}

func (s *Shim) delay(taskID sched.TaskID, us uint64) {
	var wc sched.WaitContext
	wc.PrepareWithReason(taskID, sched.ReasonDelay)
	if _, err := wc.Block(clock.FromRelative(us)); err != nil {
		klog.Named("libc").Warnw("sleep wait context error", "err", err)
	}
}
