// Package selftest implements spec §6 "Boot entry" step 3 (optional
// self-tests): two independent, layered sanity checks run before autostart
// hands off to the real init applet, mirroring the original
// applets/elftest/main.c self-test's idea of proving the execution sandbox
// alive before trusting it with real work.
package selftest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"magnolia/kernel/internal/elfload"
	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/klog"
	"magnolia/kernel/wasm"
)

// smokeWASM is a hand-assembled minimal module exporting a niladic "main"
// that returns the i32 constant 0 — just enough to prove wasmer-go's
// compile/instantiate/call path is alive on this host.
var smokeWASM = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7F, // type section: () -> i32
	0x03, 0x02, 0x01, 0x00, // function section: func 0 uses type 0
	0x07, 0x08, 0x01, 0x04, 'm', 'a', 'i', 'n', 0x00, 0x00, // export "main" func 0
	0x0A, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0B, // code: i32.const 0; end
}

// WASMSmoke runs the embedded smoke module on a fresh wasmer-go engine,
// independent of anything the ELF loader does — the spec's ELF Non-goals
// exclude host emulation of the applet ISAs, so this is the only exercised
// host-code-execution sandbox, not a stand-in for ELF execution.
func WASMSmoke() error {
	rc, err := wasm.Run(smokeWASM, "main")
	if err != nil {
		return fmt.Errorf("selftest: %w", err)
	}
	if rc != 0 {
		return fmt.Errorf("selftest: smoke module returned %d, want 0", rc)
	}
	return nil
}

// ELFSmoke builds a one-segment ELF32 applet whose entry resolves (via
// relocation) to a registered native stand-in, then loads and runs it —
// the same layered check applets/elftest/main.c performs against the real
// loader, reproduced here rather than against a prebuilt binary the build
// can't fetch.
func ELFSmoke(ctx *jobctx.Ctx) error {
	const (
		emRiscV   = 243
		segVaddr  = 0x9000
		entry     = segVaddr
		symName   = "__selftest_elf_entry"
		stbGlobal = 1
		sttFunc   = 2
	)

	ran := false
	elfload.RegisterSymbol(symName, func(argv []string) int32 {
		ran = true
		return 0
	})

	buf := new(bytes.Buffer)
	ehdrPlaceholder := make([]byte, 52)
	buf.Write(ehdrPlaceholder)

	phdrOff := buf.Len()
	binary.Write(buf, binary.LittleEndian, elfload.Phdr32{
		Type: 1, Offset: uint32(phdrOff + 32), Vaddr: segVaddr,
		Filesz: 16, Memsz: 16, Flags: 1,
	})
	buf.Write(make([]byte, 16))

	symtabOff := uint32(buf.Len())
	binary.Write(buf, binary.LittleEndian, elfload.Sym32{}) // null symbol
	binary.Write(buf, binary.LittleEndian, elfload.Sym32{
		Name: 1, Info: stbGlobal<<4 | sttFunc,
	})

	strtabOff := uint32(buf.Len())
	strtab := append([]byte{0}, append([]byte(symName), 0)...)
	buf.Write(strtab)

	relaOff := uint32(buf.Len())
	binary.Write(buf, binary.LittleEndian, elfload.Rela32{
		Offset: entry, Info: uint32(1)<<8 | rRiscvJumpSlot,
	})

	shOff := uint32(buf.Len())
	binary.Write(buf, binary.LittleEndian, elfload.Shdr32{}) // null section
	binary.Write(buf, binary.LittleEndian, elfload.Shdr32{
		Type: 2, Offset: symtabOff, Size: uint32(2 * 16), Link: 2,
	})
	binary.Write(buf, binary.LittleEndian, elfload.Shdr32{
		Type: 3, Offset: strtabOff, Size: uint32(len(strtab)),
	})
	binary.Write(buf, binary.LittleEndian, elfload.Shdr32{
		Type: 4, Offset: relaOff, Size: 12, Link: 1,
	})

	data := buf.Bytes()
	copy(data[:4], []byte{0x7F, 'E', 'L', 'F'})
	data[4], data[5] = 1, 1
	binary.LittleEndian.PutUint16(data[18:], emRiscV)
	binary.LittleEndian.PutUint32(data[24:], entry)
	binary.LittleEndian.PutUint32(data[28:], uint32(phdrOff))
	binary.LittleEndian.PutUint32(data[32:], shOff)
	binary.LittleEndian.PutUint16(data[40:], 52)
	binary.LittleEndian.PutUint16(data[42:], 32)
	binary.LittleEndian.PutUint16(data[44:], 1)
	binary.LittleEndian.PutUint16(data[46:], 40)
	binary.LittleEndian.PutUint16(data[48:], 4)

	e, err := elfload.Load(ctx, data)
	if err != nil {
		return fmt.Errorf("selftest: load smoke applet: %w", err)
	}
	rc, err := e.Request(nil)
	if err != nil {
		return fmt.Errorf("selftest: run smoke applet: %w", err)
	}
	if !ran || rc != 0 {
		return fmt.Errorf("selftest: smoke applet did not run cleanly (ran=%v rc=%d)", ran, rc)
	}
	return nil
}

const rRiscvJumpSlot = 5

// RunAll runs every registered self-test in order, logging each outcome,
// and returns the first failure (if any) — matching the boot sequence's
// "optional self-tests" step, which gates autostart on a clean pass.
func RunAll(ctx *jobctx.Ctx) error {
	log := klog.Named("selftest")
	if err := WASMSmoke(); err != nil {
		log.Errorw("wasm smoke test failed", "err", err)
		return err
	}
	log.Infow("wasm smoke test passed")
	if err := ELFSmoke(ctx); err != nil {
		log.Errorw("elf smoke test failed", "err", err)
		return err
	}
	log.Infow("elf smoke test passed")
	return nil
}
