package libc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/kconfig"
	"magnolia/kernel/internal/kerr"
	"magnolia/kernel/internal/vfs"
)

// memFS is a minimal in-memory FileSystem test double; it is not shipped
// as a real backend (a board's filesystem driver is an external
// collaborator per spec §1), only exercised here.
type memFS struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newMemFS() *memFS {
	return &memFS{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

func (m *memFS) Open(jobID jobctx.JobID, path string, flags int, mode uint32) (*vfs.File, error) {
	if _, ok := m.files[path]; !ok {
		if flags&OCreat == 0 {
			return nil, kerr.New(kerr.CodeNotFound, "memFS.Open", "no such file")
		}
		m.files[path] = nil
	} else if flags&OCreat != 0 && flags&OExcl != 0 {
		return nil, kerr.New(kerr.CodeState, "memFS.Open", "exists")
	}
	node := vfs.NewNode("memfs", path, vfs.NodeRegular, path, nil)
	return vfs.NewFile(node, path, nil), nil
}

func (m *memFS) ReadAt(f *vfs.File, buf []byte, off int64) (int, error) {
	path := f.FSPrivate().(string)
	data := m.files[path]
	if off >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[off:])
	return n, nil
}

func (m *memFS) WriteAt(f *vfs.File, buf []byte, off int64) (int, error) {
	path := f.FSPrivate().(string)
	data := m.files[path]
	end := off + int64(len(buf))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:], buf)
	m.files[path] = data
	return len(buf), nil
}

func (m *memFS) Unlink(jobID jobctx.JobID, path string) error {
	if _, ok := m.files[path]; !ok {
		return kerr.New(kerr.CodeNotFound, "memFS.Unlink", "no such file")
	}
	delete(m.files, path)
	return nil
}

func (m *memFS) Mkdir(jobID jobctx.JobID, path string, mode uint32) error {
	m.dirs[path] = true
	return nil
}

func (m *memFS) Stat(jobID jobctx.JobID, path string) (Stat, error) {
	if m.dirs[path] {
		return Stat{IsDir: true}, nil
	}
	data, ok := m.files[path]
	if !ok {
		return Stat{}, kerr.New(kerr.CodeNotFound, "memFS.Stat", "no such file")
	}
	return Stat{Size: int64(len(data))}, nil
}

func (m *memFS) Fstat(f *vfs.File) (Stat, error) {
	return m.Stat(0, f.FSPrivate().(string))
}

func (m *memFS) OpenDir(jobID jobctx.JobID, path string) (*vfs.File, error) {
	if !m.dirs[path] {
		return nil, kerr.New(kerr.CodeNotFound, "memFS.OpenDir", "no such directory")
	}
	node := vfs.NewNode("memfs", path, vfs.NodeDirectory, path, nil)
	return vfs.NewFile(node, path, nil), nil
}

func (m *memFS) ReadDir(dir *vfs.File) (string, bool, error) { return "", true, nil }
func (m *memFS) RewindDir(dir *vfs.File) error               { return nil }

func (m *memFS) Access(jobID jobctx.JobID, path string, mode int) error {
	if m.dirs[path] {
		return nil
	}
	if _, ok := m.files[path]; !ok {
		return kerr.New(kerr.CodeNotFound, "memFS.Access", "no such file")
	}
	return nil
}

type memConsole struct {
	in  []byte
	out []byte
}

func (c *memConsole) ReadByte() (byte, error) {
	b := c.in[0]
	c.in = c.in[1:]
	return b, nil
}

func (c *memConsole) WriteByte(b byte) error {
	c.out = append(c.out, b)
	return nil
}

func testCtx(t *testing.T) *jobctx.Ctx {
	t.Helper()
	return jobctx.New(kconfig.DefaultConfig(), 7, 0, false, func(string) {})
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	fs := newMemFS()
	s := New(fs, &memConsole{})
	ctx := testCtx(t)

	fd := s.Open(ctx, "/greeting.txt", OCreat|OWronly, 0o644)
	require.GreaterOrEqual(t, fd, int32(3))

	n := s.Write(ctx, int(fd), []byte("hello"))
	assert.EqualValues(t, 5, n)

	assert.EqualValues(t, 0, s.Lseek(ctx, int(fd), 0, SeekSet))

	buf := make([]byte, 5)
	n = s.Read(ctx, int(fd), buf)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	assert.EqualValues(t, 0, s.Close(ctx, int(fd)))
}

func TestOpenMissingFileSetsErrno(t *testing.T) {
	fs := newMemFS()
	s := New(fs, &memConsole{})
	ctx := testCtx(t)

	fd := s.Open(ctx, "/missing.txt", ORdonly, 0)
	assert.EqualValues(t, -1, fd)
	assert.Equal(t, kerr.ENOENT, s.Errno(ctx))
}

func TestOpenExclOnExistingSetsEEXIST(t *testing.T) {
	fs := newMemFS()
	s := New(fs, &memConsole{})
	ctx := testCtx(t)

	fd := s.Open(ctx, "/a.txt", OCreat, 0o644)
	require.NotEqual(t, int32(-1), fd)
	s.Close(ctx, int(fd))

	fd2 := s.Open(ctx, "/a.txt", OCreat|OExcl, 0o644)
	assert.EqualValues(t, -1, fd2)
	assert.Equal(t, kerr.EEXIST, s.Errno(ctx))
}

func TestReadFromStdinTranslatesCR(t *testing.T) {
	fs := newMemFS()
	console := &memConsole{in: []byte{'\r'}}
	s := New(fs, console)
	ctx := testCtx(t)

	buf := make([]byte, 1)
	n := s.Read(ctx, 0, buf)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, byte('\n'), buf[0])
}

func TestWriteToStdoutRoutesToConsole(t *testing.T) {
	fs := newMemFS()
	console := &memConsole{}
	s := New(fs, console)
	ctx := testCtx(t)

	n := s.Write(ctx, 1, []byte("hi"))
	assert.EqualValues(t, 2, n)
	assert.Equal(t, "hi", string(console.out))
}

func TestChdirUpdatesCwd(t *testing.T) {
	fs := newMemFS()
	fs.dirs["/etc"] = true
	s := New(fs, &memConsole{})
	ctx := testCtx(t)

	assert.EqualValues(t, 0, s.Chdir(ctx, "/etc"))
	cwd, rc := s.Getcwd(ctx)
	assert.EqualValues(t, 0, rc)
	assert.Equal(t, "/etc", cwd)
}

func TestRelativeOpenResolvesAgainstCwd(t *testing.T) {
	fs := newMemFS()
	fs.dirs["/home"] = true
	s := New(fs, &memConsole{})
	ctx := testCtx(t)
	require.NoError(t, ctx.SetFieldKernel(jobctx.FieldCwd, "/home"))

	fd := s.Open(ctx, "note.txt", OCreat, 0o644)
	require.NotEqual(t, int32(-1), fd)
	_, ok := fs.files["/home/note.txt"]
	assert.True(t, ok)
}

func TestMallocFreeRoundTrip(t *testing.T) {
	s := New(newMemFS(), &memConsole{})
	ctx := testCtx(t)

	buf, rc := s.Malloc(ctx, 64)
	require.EqualValues(t, 0, rc)
	require.Len(t, buf, 64)
	assert.EqualValues(t, 0, s.Free(ctx, buf))
}

func TestGetuidReadsField(t *testing.T) {
	s := New(newMemFS(), &memConsole{})
	ctx := testCtx(t)
	require.NoError(t, ctx.SetFieldKernel(jobctx.FieldUID, 42))
	assert.Equal(t, 42, s.Getuid(ctx))
}

func TestDup2DuplicatesDescriptor(t *testing.T) {
	fs := newMemFS()
	s := New(fs, &memConsole{})
	ctx := testCtx(t)

	fd := s.Open(ctx, "/a.txt", OCreat|OWronly, 0o644)
	require.NotEqual(t, int32(-1), fd)

	rc := s.Dup2(ctx, int(fd), 9)
	assert.EqualValues(t, 9, rc)

	n := s.Write(ctx, 9, []byte("x"))
	assert.EqualValues(t, 1, n)
}

func TestIsATTY(t *testing.T) {
	s := New(newMemFS(), &memConsole{})
	assert.True(t, s.IsATTY(nil, 1))
	assert.False(t, s.IsATTY(nil, 5))
}
