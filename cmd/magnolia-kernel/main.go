// Command magnolia-kernel is the boot entry point (spec §6 "Boot entry"):
// arch_start()/hw_init() become a sequential Go main that brings up the
// allocator, scheduler, and job subsystem, optionally mounts a filesystem,
// runs the self-test layers, and — if autostart is enabled — loops the
// init applet through a single-worker queue with a backoff between runs.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"magnolia/kernel/internal/elfload"
	"magnolia/kernel/internal/job"
	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/kconfig"
	"magnolia/kernel/internal/klog"
	"magnolia/kernel/internal/libc"
	"magnolia/kernel/internal/memfs"
	"magnolia/kernel/internal/selftest"
	"magnolia/kernel/internal/vfs"
)

func main() {
	cfg := kconfig.DefaultConfig()

	flag.StringVar(&cfg.ELFInitPath, "init-path", cfg.ELFInitPath, "filesystem path to the init applet")
	autostart := flag.Bool("autostart", true, "loop run_file(init_path) once boot completes")
	mountFS := flag.Bool("mount-fs", true, "mount the in-memory filesystem boot step")
	runSelfTests := flag.Bool("selftest", true, "run the wasm/elf smoke tests before autostart")
	metricsAddr := flag.String("metrics-addr", ":9090", "address the /metrics debug listener binds to")
	flag.Parse()

	log := klog.Named("boot")
	log.Infow("magnolia-kernel starting", "init_path", cfg.ELFInitPath, "autostart", *autostart)

	// alloc_init, timer_init, sched_init, ipc_init: each subsystem's own
	// package performs lazy/explicit init on first use (arena.NewHeap,
	// sched.Create, waitqueue.Queue{}) — there is no separate global gate
	// to call here, matching the teacher's own lazy-init-with-gate design.
	systemCtx := jobctx.New(cfg, 0, 0, true, func(reason string) {
		log.Errorw("system ctx cancelled", "reason", reason)
	})

	go serveMetrics(*metricsAddr, log)

	var fs libc.FileSystem
	if *mountFS {
		fs = memfs.New()
		log.Infow("mounted in-memory filesystem")
	} else {
		fs = noFileSystem{}
	}
	shim := libc.New(fs, newStdioConsole())
	registerLibcSymbols(shim)

	if *runSelfTests {
		if err := selftest.RunAll(systemCtx); err != nil {
			log.Errorw("self-tests failed, refusing to autostart", "err", err)
			os.Exit(1)
		}
	}

	if !*autostart {
		log.Infow("autostart disabled, idling")
		select {}
	}

	initQueue, err := job.NewQueue(cfg, "init", 1, 1)
	if err != nil {
		log.Errorw("failed to create init queue", "err", err)
		os.Exit(1)
	}

	handler := func(h *job.Handle, data any) job.Result {
		rc, err := runInitApplet(h.Ctx(), fs, cfg.ELFInitPath)
		if err != nil {
			log.Errorw("init applet run failed", "err", err)
			return job.Result{Status: job.StatusError, Err: err}
		}
		log.Infow("init applet exited", "rc", rc)
		return job.Result{Status: job.StatusSuccess}
	}

	for {
		if _, err := initQueue.Submit(context.Background(), systemCtx, handler, nil); err != nil {
			log.Errorw("init submit failed", "err", err)
		}
		time.Sleep(time.Second)
	}
}

// noFileSystem rejects every call, used only when -mount-fs=false so the
// libc shim still has a FileSystem to reference without silently
// succeeding.
type noFileSystem struct{}

func (noFileSystem) Open(jobctx.JobID, string, int, uint32) (*vfs.File, error) {
	return nil, errors.New("no filesystem mounted")
}
func (noFileSystem) ReadAt(*vfs.File, []byte, int64) (int, error) { return 0, io.EOF }
func (noFileSystem) WriteAt(*vfs.File, []byte, int64) (int, error) {
	return 0, errors.New("no filesystem mounted")
}
func (noFileSystem) Unlink(jobctx.JobID, string) error     { return errors.New("no filesystem mounted") }
func (noFileSystem) Mkdir(jobctx.JobID, string, uint32) error {
	return errors.New("no filesystem mounted")
}
func (noFileSystem) Stat(jobctx.JobID, string) (libc.Stat, error) {
	return libc.Stat{}, errors.New("no filesystem mounted")
}
func (noFileSystem) Fstat(*vfs.File) (libc.Stat, error) {
	return libc.Stat{}, errors.New("no filesystem mounted")
}
func (noFileSystem) OpenDir(jobctx.JobID, string) (*vfs.File, error) {
	return nil, errors.New("no filesystem mounted")
}
func (noFileSystem) ReadDir(*vfs.File) (string, bool, error) { return "", true, nil }
func (noFileSystem) RewindDir(*vfs.File) error               { return nil }
func (noFileSystem) Access(jobctx.JobID, string, int) error {
	return errors.New("no filesystem mounted")
}

func runInitApplet(ctx *jobctx.Ctx, fs libc.FileSystem, path string) (int32, error) {
	readAll := func(p string) (*vfs.File, error) { return fs.Open(ctx.JobID(), p, libc.ORdonly, 0) }
	read := func(f *vfs.File, buf []byte) (int, error) {
		n, err := fs.ReadAt(f, buf, f.Offset())
		f.SetOffset(f.Offset() + int64(n))
		if n == 0 && err == nil {
			return 0, io.EOF
		}
		return n, err
	}
	return elfload.RunFile(ctx, path, readAll, read, []string{"init"})
}

// registerLibcSymbols populates the ELF ABI symbol registry (spec §6 "ELF
// ABI surface") with the minimum required table. A relocation targeting
// one of these names resolves to a synthetic address; the native stand-in
// only actually runs when the applet's own entry/init/fini point happens
// to resolve to that same symbol; see elfload's package doc for why Go
// cannot execute a relocation site's machine-code call to it directly.
// __errno is the one binding that returns a real value: the shim's
// process-wide errno location. A stand-in receives no ctx, so it does not
// read any job's TLS errno slot.
func registerLibcSymbols(s *libc.Shim) {
	for _, name := range []string{
		"memset", "memcpy", "memmove", "strlen", "strcmp", "strncmp",
		"strchr", "strrchr", "strtol", "strtod", "snprintf", "printf",
		"malloc", "calloc", "realloc", "free",
		"open", "read", "write", "close", "lseek", "stat", "unlink",
	} {
		elfload.RegisterSymbol(name, func(argv []string) int32 { return 0 })
	}
	elfload.RegisterSymbol("__errno", func(argv []string) int32 { return int32(s.Errno(nil)) })
}

func serveMetrics(addr string, log interface{ Errorw(string, ...any) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorw("metrics listener stopped", "err", err)
	}
}
