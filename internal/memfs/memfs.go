// Package memfs is a minimal in-process libc.FileSystem implementation.
// A concrete board filesystem driver is named out of scope (spec §1); this
// exists only so cmd/magnolia-kernel has something real to mount at the
// "optional filesystem mount" boot step instead of leaving the seam
// unplugged, the same role a tmpfs plays in a hosted kernel bring-up.
package memfs

import (
	"sync"

	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/kerr"
	"magnolia/kernel/internal/libc"
	"magnolia/kernel/internal/vfs"
)

type entry struct {
	mu    sync.Mutex
	data  []byte
	isDir bool
	names []string // directory listing, snapshotted at OpenDir
}

// FS is a flat, path-keyed, process-lifetime filesystem.
type FS struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an FS pre-seeded with a root directory.
func New() *FS {
	return &FS{entries: map[string]*entry{"/": {isDir: true}}}
}

func (f *FS) lookup(path string) (*entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[path]
	return e, ok
}

// Open implements libc.FileSystem.
func (f *FS) Open(jobID jobctx.JobID, path string, flags int, mode uint32) (*vfs.File, error) {
	e, ok := f.lookup(path)
	if !ok {
		if flags&libc.OCreat == 0 {
			return nil, kerr.New(kerr.CodeNotFound, "memfs.Open", "no such file")
		}
		e = &entry{}
		f.mu.Lock()
		f.entries[path] = e
		f.mu.Unlock()
	} else if flags&libc.OCreat != 0 && flags&libc.OExcl != 0 {
		return nil, kerr.New(kerr.CodeState, "memfs.Open", "file exists")
	} else if flags&libc.OTrunc != 0 {
		e.mu.Lock()
		e.data = nil
		e.mu.Unlock()
	}
	node := vfs.NewNode("memfs", path, vfs.NodeRegular, e, nil)
	file := vfs.NewFile(node, e, nil)
	if flags&libc.OAppend != 0 {
		e.mu.Lock()
		file.SetOffset(int64(len(e.data)))
		e.mu.Unlock()
	}
	return file, nil
}

// ReadAt implements libc.FileSystem.
func (f *FS) ReadAt(file *vfs.File, buf []byte, off int64) (int, error) {
	e := file.FSPrivate().(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if off >= int64(len(e.data)) {
		return 0, nil
	}
	return copy(buf, e.data[off:]), nil
}

// WriteAt implements libc.FileSystem.
func (f *FS) WriteAt(file *vfs.File, buf []byte, off int64) (int, error) {
	e := file.FSPrivate().(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(e.data)) {
		grown := make([]byte, end)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[off:], buf)
	return len(buf), nil
}

// Unlink implements libc.FileSystem.
func (f *FS) Unlink(jobID jobctx.JobID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[path]; !ok {
		return kerr.New(kerr.CodeNotFound, "memfs.Unlink", "no such file")
	}
	delete(f.entries, path)
	return nil
}

// Mkdir implements libc.FileSystem.
func (f *FS) Mkdir(jobID jobctx.JobID, path string, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[path]; ok {
		return kerr.New(kerr.CodeState, "memfs.Mkdir", "already exists")
	}
	f.entries[path] = &entry{isDir: true}
	return nil
}

// Stat implements libc.FileSystem.
func (f *FS) Stat(jobID jobctx.JobID, path string) (libc.Stat, error) {
	e, ok := f.lookup(path)
	if !ok {
		return libc.Stat{}, kerr.New(kerr.CodeNotFound, "memfs.Stat", "no such file")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return libc.Stat{Size: int64(len(e.data)), IsDir: e.isDir}, nil
}

// Fstat implements libc.FileSystem.
func (f *FS) Fstat(file *vfs.File) (libc.Stat, error) {
	e := file.FSPrivate().(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return libc.Stat{Size: int64(len(e.data)), IsDir: e.isDir}, nil
}

// OpenDir implements libc.FileSystem: the directory listing is snapshotted
// at open time, matching POSIX's "undefined behavior for concurrent
// mutation during a readdir sweep" allowance.
func (f *FS) OpenDir(jobID jobctx.JobID, path string) (*vfs.File, error) {
	e, ok := f.lookup(path)
	if !ok || !e.isDir {
		return nil, kerr.New(kerr.CodeNotFound, "memfs.OpenDir", "no such directory")
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	f.mu.Lock()
	var names []string
	for p := range f.entries {
		if p != path && len(p) > len(prefix) && p[:len(prefix)] == prefix {
			names = append(names, p[len(prefix):])
		}
	}
	f.mu.Unlock()

	dirState := &entry{isDir: true, names: names}
	node := vfs.NewNode("memfs", path, vfs.NodeDirectory, dirState, nil)
	return vfs.NewFile(node, dirState, nil), nil
}

// ReadDir implements libc.FileSystem.
func (f *FS) ReadDir(dir *vfs.File) (string, bool, error) {
	d := dir.FSPrivate().(*entry)
	off := int(dir.Offset())
	if off >= len(d.names) {
		return "", true, nil
	}
	dir.SetOffset(int64(off + 1))
	return d.names[off], false, nil
}

// RewindDir implements libc.FileSystem.
func (f *FS) RewindDir(dir *vfs.File) error {
	dir.SetOffset(0)
	return nil
}

// Access implements libc.FileSystem; mode bits beyond existence are not
// meaningfully enforceable without a permission model, so F_OK/R_OK/W_OK/
// X_OK all reduce to "entry exists".
func (f *FS) Access(jobID jobctx.JobID, path string, mode int) error {
	if _, ok := f.lookup(path); !ok {
		return kerr.New(kerr.CodeNotFound, "memfs.Access", "no such file")
	}
	return nil
}
