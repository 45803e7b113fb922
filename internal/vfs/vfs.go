// Package vfs implements spec §4.7: the refcounted node/file object layer
// shared by every filesystem backend, plus the wait queue blocking I/O
// (poll, read, write) parks on.
package vfs

import (
	"sync"

	"magnolia/kernel/internal/clock"
	"magnolia/kernel/internal/kerr"
	"magnolia/kernel/internal/klog"
	"magnolia/kernel/internal/sched"
	"magnolia/kernel/internal/waitqueue"
)

// NodeType distinguishes the handful of object kinds the VFS layer serves.
type NodeType int

const (
	NodeRegular NodeType = iota
	NodeDirectory
	NodeCharDevice
	NodeSymlink
)

// DestroyOp is the fs-specific teardown hook node_release/file_release
// delegate to on last reference drop.
type DestroyOp func()

// globalNodes is the process-wide node list lifetime diagnostics walk
// (spec "global_list_link").
var (
	globalMu    sync.Mutex
	globalNodes = map[*Node]struct{}{}
)

// Node is one VFS object (spec §3 "VFS node/file").
type Node struct {
	mu sync.Mutex

	fsType  string
	mount   string
	typ     NodeType
	fsPrivate any

	refcount  int32
	destroyed bool

	onDestroy DestroyOp
}

// NewNode implements node_create(mount, type): refcount starts at 1 and the
// node is linked into the global diagnostics list.
func NewNode(fsType, mount string, typ NodeType, fsPrivate any, onDestroy DestroyOp) *Node {
	n := &Node{fsType: fsType, mount: mount, typ: typ, fsPrivate: fsPrivate, refcount: 1, onDestroy: onDestroy}
	globalMu.Lock()
	globalNodes[n] = struct{}{}
	globalMu.Unlock()
	return n
}

// Type reports the node's kind.
func (n *Node) Type() NodeType { return n.typ }

// FSPrivate returns the filesystem-specific payload attached at creation.
func (n *Node) FSPrivate() any { return n.fsPrivate }

// Acquire implements node_acquire: increments refcount.
func (n *Node) Acquire() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refcount++
}

// Release implements node_release: decrements refcount; on last release,
// marks destroyed, unlinks from the global list, and delegates to the
// fs-specific destroy op. Guards against refcount underflow from a
// spurious extra release by logging and leaving the refcount at zero
// instead of decrementing it (spec "self-release detection").
func (n *Node) Release() {
	n.mu.Lock()
	if n.refcount <= 0 {
		n.mu.Unlock()
		klog.Named("vfs").Errorw("node over-released", "fs_type", n.fsType, "mount", n.mount)
		return
	}
	n.refcount--
	last := n.refcount == 0
	n.mu.Unlock()

	if !last {
		return
	}

	n.mu.Lock()
	n.destroyed = true
	n.mu.Unlock()

	globalMu.Lock()
	delete(globalNodes, n)
	globalMu.Unlock()

	if n.onDestroy != nil {
		n.onDestroy()
	}
}

// Destroyed reports whether the node has been fully released.
func (n *Node) Destroyed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed
}

// WaitReason distinguishes why a caller is blocked on a file (spec §4.7
// "file_wait(file, reason, deadline)").
type WaitReason int

const (
	WaitRead WaitReason = iota
	WaitWrite
	WaitPoll
)

// File is an open handle onto a Node (spec §3 "VFS node/file").
type File struct {
	node *Node

	stateMu sync.Mutex
	offset  int64
	closed  bool

	refcount  int32
	destroyed bool

	waitMu sync.Mutex
	waiters waitqueue.Queue

	fsPrivate any
	onDestroy DestroyOp
}

// NewFile implements file_create(node): acquires a ref on node, returns a
// file with refcount=1, offset=0, an empty waiter queue.
func NewFile(node *Node, fsPrivate any, onDestroy DestroyOp) *File {
	node.Acquire()
	return &File{node: node, refcount: 1, fsPrivate: fsPrivate, onDestroy: onDestroy}
}

// Node returns the file's owning node (no added ref).
func (f *File) Node() *Node { return f.node }

// FSPrivate returns the filesystem-specific payload attached at creation.
func (f *File) FSPrivate() any { return f.fsPrivate }

// Acquire adds a reference to the file handle.
func (f *File) Acquire() {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.refcount++
}

// Release implements file_release: last-drop marks destroyed, wakes all
// waiters with OBJECT_DESTROYED, delegates to the fs-specific destroy op,
// and releases the owned node ref.
func (f *File) Release() {
	f.stateMu.Lock()
	f.refcount--
	last := f.refcount == 0
	f.stateMu.Unlock()

	if !last {
		return
	}

	f.stateMu.Lock()
	f.destroyed = true
	f.closed = true
	f.stateMu.Unlock()

	f.waitMu.Lock()
	f.waiters.WakeAll(sched.ResultObjectDestroyed)
	f.waitMu.Unlock()

	if f.onDestroy != nil {
		f.onDestroy()
	}
	f.node.Release()
}

// Offset returns the file's current read/write cursor.
func (f *File) Offset() int64 {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.offset
}

// SetOffset implements file_set_offset.
func (f *File) SetOffset(off int64) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.offset = off
}

// Closed reports whether Close has been called.
func (f *File) Closed() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.closed
}

// Close marks the file closed without releasing the final reference (a
// fd-table close; the object itself lives on until the last Release).
func (f *File) Close() {
	f.stateMu.Lock()
	f.closed = true
	f.stateMu.Unlock()
}

// Wait implements file_wait(file, reason, deadline): rejects a destroyed
// or closed file, otherwise parks the calling task on the file's wait
// queue until woken or the deadline elapses. reason is accepted but not
// used; every file wait is a plain event wait as far as the scheduler
// bridge is concerned.
func (f *File) Wait(taskID sched.TaskID, reason WaitReason, deadline clock.Deadline) (sched.Result, error) {
	_ = reason
	f.stateMu.Lock()
	destroyed := f.destroyed
	closed := f.closed
	f.stateMu.Unlock()
	if destroyed {
		return sched.ResultObjectDestroyed, kerr.New(kerr.CodeDestroyed, "vfs.File.Wait", "file destroyed")
	}
	if closed {
		return sched.ResultObjectDestroyed, kerr.New(kerr.CodeState, "vfs.File.Wait", "file closed")
	}

	var wc sched.WaitContext
	wc.PrepareWithReason(taskID, sched.ReasonEvent)

	w := &waitqueue.Waiter{Ctx: &wc}
	f.waitMu.Lock()
	f.waiters.Enqueue(w)
	f.waitMu.Unlock()

	result, err := wc.Block(deadline)

	f.waitMu.Lock()
	f.waiters.Remove(w)
	f.waitMu.Unlock()

	return result, err
}

// Wake implements file_wake(file, result): wakes every waiter under
// wait_lock.
func (f *File) Wake(result sched.Result) {
	f.waitMu.Lock()
	defer f.waitMu.Unlock()
	f.waiters.WakeAll(result)
}

// NotifyEvent implements file_notify_event(file) = file_wake(file, OK).
func (f *File) NotifyEvent() {
	f.Wake(sched.ResultOK)
}
