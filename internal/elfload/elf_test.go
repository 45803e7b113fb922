package elfload

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/kconfig"
)

func le16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func le32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func testCtx(t *testing.T) *jobctx.Ctx {
	t.Helper()
	return jobctx.New(kconfig.DefaultConfig(), 1, 0, false, func(string) {})
}

func TestValidateEhdrRejectsBadMagic(t *testing.T) {
	data := make([]byte, ehdrSize)
	_, err := ValidateEhdr(data)
	assert.Error(t, err)
}

func TestValidateEhdrRejects64Bit(t *testing.T) {
	data := make([]byte, ehdrSize)
	copy(data[:4], elfMagic[:])
	data[4] = 2 // ELFCLASS64
	data[5] = elfData2LSB
	_, err := ValidateEhdr(data)
	assert.Error(t, err)
}

func TestValidateEhdrRejectsBigEndian(t *testing.T) {
	data := make([]byte, ehdrSize)
	copy(data[:4], elfMagic[:])
	data[4] = elfClass32
	data[5] = 2 // ELFDATA2MSB
	_, err := ValidateEhdr(data)
	assert.Error(t, err)
}

func TestMapVAddrExactRange(t *testing.T) {
	e := &Elf{mappings: []Mapping{{VAddr: 0x1000, Host: make([]byte, 16)}}}
	seg, ok := e.MapVAddr(0x1004)
	require.True(t, ok)
	assert.Len(t, seg, 12)
}

func TestMapVAddrOnePastEndBoundary(t *testing.T) {
	e := &Elf{mappings: []Mapping{{VAddr: 0x1000, Host: make([]byte, 16)}}}
	seg, ok := e.MapVAddr(0x1010)
	require.True(t, ok)
	assert.Len(t, seg, 0)
}

func TestMapVAddrMiss(t *testing.T) {
	e := &Elf{mappings: []Mapping{{VAddr: 0x1000, Host: make([]byte, 16)}}}
	_, ok := e.MapVAddr(0x5000)
	assert.False(t, ok)
}

func TestLoadPhdrImageRejectsMemszLessThanFilesz(t *testing.T) {
	ehdr := Ehdr32{Phoff: 0, Phentsize: phdrSize, Phnum: 1}
	data := make([]byte, phdrSize+4)
	le32(data, 0, ptLoad)
	le32(data, 4, 0)      // offset
	le32(data, 8, 0x1000) // vaddr
	le32(data, 16, 8)     // filesz
	le32(data, 20, 4)     // memsz < filesz
	_, _, err := LoadPhdrImage(ehdr, data)
	assert.Error(t, err)
}

// buildELF assembles a minimal ELF32 RISC-V image: one executable PT_LOAD
// segment at segVaddr, one SHT_RELA section with a single R_RISCV_JUMP_SLOT
// entry pointing a relocation at relocOffset to symName.
func buildELF(t *testing.T, segVaddr, entry, relocOffset uint32, symName string, relType uint32) []byte {
	t.Helper()
	const emRiscV = 243

	buf := make([]byte, ehdrSize)

	phdrOff := len(buf)
	phdr := make([]byte, phdrSize)
	le32(phdr, 0, ptLoad)
	segFileOff := uint32(phdrOff + phdrSize)
	le32(phdr, 4, segFileOff)
	le32(phdr, 8, segVaddr)
	le32(phdr, 16, 16) // filesz
	le32(phdr, 20, 16) // memsz
	le32(phdr, 24, pfX)
	buf = append(buf, phdr...)
	buf = append(buf, make([]byte, 16)...) // segment bytes, content irrelevant

	symtabOff := uint32(len(buf))
	sym0 := make([]byte, symSize) // null symbol
	sym1 := make([]byte, symSize)
	le32(sym1, 0, 1) // name offset into strtab
	const stbGlobal, sttFunc = 1, 2
	sym1[12] = byte(stbGlobal<<4 | sttFunc)
	buf = append(buf, sym0...)
	buf = append(buf, sym1...)

	strtabOff := uint32(len(buf))
	strtab := append([]byte{0}, append([]byte(symName), 0)...)
	buf = append(buf, strtab...)

	relaOff := uint32(len(buf))
	rela := make([]byte, relaSize)
	le32(rela, 0, relocOffset)
	le32(rela, 4, uint32(1)<<8|relType) // symIdx=1
	buf = append(buf, rela...)

	shOff := uint32(len(buf))
	null := make([]byte, shdrSize)
	buf = append(buf, null...)

	symtabSh := make([]byte, shdrSize)
	le32(symtabSh, 4, 2) // SHT_SYMTAB
	le32(symtabSh, 16, symtabOff)
	le32(symtabSh, 20, uint32(2*symSize))
	le32(symtabSh, 24, 2) // link -> strtab section index
	buf = append(buf, symtabSh...)

	strtabSh := make([]byte, shdrSize)
	le32(strtabSh, 4, 3) // SHT_STRTAB
	le32(strtabSh, 16, strtabOff)
	le32(strtabSh, 20, uint32(len(strtab)))
	buf = append(buf, strtabSh...)

	relaSh := make([]byte, shdrSize)
	le32(relaSh, 4, shtRela)
	le32(relaSh, 16, relaOff)
	le32(relaSh, 20, relaSize)
	le32(relaSh, 24, 1) // link -> symtab section index
	buf = append(buf, relaSh...)

	copy(buf[:4], elfMagic[:])
	buf[4] = elfClass32
	buf[5] = elfData2LSB
	le16(buf, 18, emRiscV)
	le32(buf, 24, entry)
	le32(buf, 28, uint32(phdrOff))
	le32(buf, 32, shOff)
	le16(buf, 40, ehdrSize)
	le16(buf, 42, phdrSize)
	le16(buf, 44, 1)
	le16(buf, 46, shdrSize)
	le16(buf, 48, 4)
	le16(buf, 50, 0)

	return buf
}

func TestLoadRelocatesAndResolvesEntry(t *testing.T) {
	const segVaddr = 0x2000
	const entry = segVaddr

	called := false
	RegisterSymbol("elfload_test_native_fn", func(argv []string) int32 {
		called = true
		return 42
	})

	data := buildELF(t, segVaddr, entry, entry, "elfload_test_native_fn", rRiscvJumpSlot)

	ctx := testCtx(t)
	e, err := Load(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(entry), e.Entry)

	rc, err := e.Request(nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.EqualValues(t, 42, rc)
}

// buildELFWithCtors assembles a one-segment ELF32 image whose PT_LOAD
// segment spans entry plus one .init_array slot and one .fini_array slot,
// each resolved via its own R_RISCV_JUMP_SLOT relocation, with a shstrtab
// section naming the two array sections so arrayNames can find them by name
// the same way m_elf_loader.c does.
func buildELFWithCtors(t *testing.T, entrySym, initSym, finiSym string) []byte {
	t.Helper()
	const emRiscV = 243
	const segVaddr = 0x2000
	const entry = segVaddr
	const initArrayAddr = segVaddr + 0x10
	const finiArrayAddr = segVaddr + 0x14

	buf := make([]byte, ehdrSize)

	phdrOff := len(buf)
	phdr := make([]byte, phdrSize)
	le32(phdr, 0, ptLoad)
	segFileOff := uint32(phdrOff + phdrSize)
	le32(phdr, 4, segFileOff)
	le32(phdr, 8, segVaddr)
	le32(phdr, 16, 24) // filesz: entry slot + init slot + fini slot
	le32(phdr, 20, 24) // memsz
	le32(phdr, 24, pfX)
	buf = append(buf, phdr...)
	buf = append(buf, make([]byte, 24)...) // segment bytes, content irrelevant

	symtabOff := uint32(len(buf))
	const stbGlobal, sttFunc = 1, 2
	names := []string{entrySym, initSym, finiSym}
	buf = append(buf, make([]byte, symSize)...) // null symbol
	strtab := []byte{0}
	for i, name := range names {
		sym := make([]byte, symSize)
		le32(sym, 0, uint32(len(strtab)))
		sym[12] = byte(stbGlobal<<4 | sttFunc)
		buf = append(buf, sym...)
		strtab = append(strtab, append([]byte(name), 0)...)
		_ = i
	}

	strtabOff := uint32(len(buf))
	buf = append(buf, strtab...)

	relaOff := uint32(len(buf))
	offsets := []uint32{entry, initArrayAddr, finiArrayAddr}
	for i, off := range offsets {
		rela := make([]byte, relaSize)
		le32(rela, 0, off)
		le32(rela, 4, uint32(i+1)<<8|rRiscvJumpSlot) // symIdx = i+1
		buf = append(buf, rela...)
	}

	shstrtab := []byte{0}
	initNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, append([]byte(".init_array"), 0)...)
	finiNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, append([]byte(".fini_array"), 0)...)
	shstrtabOff := uint32(len(buf))
	buf = append(buf, shstrtab...)

	shOff := uint32(len(buf))
	buf = append(buf, make([]byte, shdrSize)...) // null section

	symtabSh := make([]byte, shdrSize)
	le32(symtabSh, 4, 2) // SHT_SYMTAB
	le32(symtabSh, 16, symtabOff)
	le32(symtabSh, 20, uint32(4*symSize))
	le32(symtabSh, 24, 2) // link -> strtab section index
	buf = append(buf, symtabSh...)

	strtabSh := make([]byte, shdrSize)
	le32(strtabSh, 4, 3) // SHT_STRTAB
	le32(strtabSh, 16, strtabOff)
	le32(strtabSh, 20, uint32(len(strtab)))
	buf = append(buf, strtabSh...)

	relaSh := make([]byte, shdrSize)
	le32(relaSh, 4, shtRela)
	le32(relaSh, 16, relaOff)
	le32(relaSh, 20, uint32(3*relaSize))
	le32(relaSh, 24, 1) // link -> symtab section index
	buf = append(buf, relaSh...)

	initSh := make([]byte, shdrSize)
	le32(initSh, 0, initNameOff)
	le32(initSh, 4, shtProgbits)
	le32(initSh, 8, shfAllocBit)
	le32(initSh, 12, initArrayAddr)
	le32(initSh, 16, initArrayAddr) // offset, unused by arrayNames
	le32(initSh, 20, 4)             // one slot
	buf = append(buf, initSh...)

	finiSh := make([]byte, shdrSize)
	le32(finiSh, 0, finiNameOff)
	le32(finiSh, 4, shtProgbits)
	le32(finiSh, 8, shfAllocBit)
	le32(finiSh, 12, finiArrayAddr)
	le32(finiSh, 16, finiArrayAddr)
	le32(finiSh, 20, 4)
	buf = append(buf, finiSh...)

	shstrtabSh := make([]byte, shdrSize)
	le32(shstrtabSh, 4, 3) // SHT_STRTAB
	le32(shstrtabSh, 16, shstrtabOff)
	le32(shstrtabSh, 20, uint32(len(shstrtab)))
	buf = append(buf, shstrtabSh...)

	copy(buf[:4], elfMagic[:])
	buf[4] = elfClass32
	buf[5] = elfData2LSB
	le16(buf, 18, emRiscV)
	le32(buf, 24, entry)
	le32(buf, 28, uint32(phdrOff))
	le32(buf, 32, shOff)
	le16(buf, 40, ehdrSize)
	le16(buf, 42, phdrSize)
	le16(buf, 44, 1)
	le16(buf, 46, shdrSize)
	le16(buf, 48, 7) // shnum: null, symtab, strtab, rela, init, fini, shstrtab
	le16(buf, 50, 6) // shstrndx

	return buf
}

func TestLoadRunsInitBeforeEntryAndFiniAfter(t *testing.T) {
	var order []string

	RegisterSymbol("elfload_test_ctor_init", func(argv []string) int32 {
		order = append(order, "init")
		return 0
	})
	RegisterSymbol("elfload_test_ctor_entry", func(argv []string) int32 {
		order = append(order, "entry")
		return 9
	})
	RegisterSymbol("elfload_test_ctor_fini", func(argv []string) int32 {
		order = append(order, "fini")
		return 0
	})

	data := buildELFWithCtors(t, "elfload_test_ctor_entry", "elfload_test_ctor_init", "elfload_test_ctor_fini")

	ctx := testCtx(t)
	e, err := Load(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, []string{"elfload_test_ctor_init"}, e.initNames())
	assert.Equal(t, []string{"elfload_test_ctor_fini"}, e.finiNames())

	rc, err := e.Request(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 9, rc)
	assert.Equal(t, []string{"init", "entry", "fini"}, order)
}

func TestLoadRejectsUnresolvedSymbol(t *testing.T) {
	const segVaddr = 0x3000
	data := buildELF(t, segVaddr, segVaddr, segVaddr, "no_such_symbol", rRiscvJumpSlot)

	ctx := testCtx(t)
	_, err := Load(ctx, data)
	assert.Error(t, err)
}

func TestExitUnwindsToFrame(t *testing.T) {
	ctx := testCtx(t)
	RegisterSymbol("elfload_test_exit_fn", func(argv []string) int32 {
		Exit(ctx, 7)
		return 0 // unreachable
	})

	const segVaddr = 0x4000
	data := buildELF(t, segVaddr, segVaddr, segVaddr, "elfload_test_exit_fn", rRiscvJumpSlot)

	e, err := Load(ctx, data)
	require.NoError(t, err)

	rc, err := e.Request(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 7, rc)
}
