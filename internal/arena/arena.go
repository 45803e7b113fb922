// Package arena implements spec §4.5: the per-job region allocator. Each
// Heap owns a set of platform-obtained "regions" (plain Go byte slices
// standing in for the host's aligned allocator, the same role
// HybridAllocator's []byte sab plays for the runtime) and partitions them
// into first-fit free-list blocks with split/coalesce.
//
// The spec describes an in-band block header living immediately before the
// payload in memory. Go forbids the raw pointer arithmetic that requires
// (there is no safe "header precedes this slice" view), so block metadata
// is tracked out-of-band in a *block struct reachable from the Heap via a
// pointer keyed on the payload slice's base address. The accounting
// invariants (MaxPayload = RegionSize - Header, region/heap byte budgets)
// are preserved by charging a logical Header-sized overhead per block even
// though no header bytes are actually written into the region buffer.
package arena

import (
	"sync"
	"unsafe"

	"magnolia/kernel/internal/kconfig"
	"magnolia/kernel/internal/kerr"
	"magnolia/kernel/internal/kmetrics"
)

const blockMagic = 0x4D41474D // "MAGM"

// Header is the logical per-block accounting overhead (spec: "header size
// rounded up to max_align").
const Header = 32

// minSplit is the minimum remainder (header + one alignment unit) a free
// block must have left over to be worth splitting off.
func minSplit(align uint32) uint32 { return Header + align }

type region struct {
	buf  []byte
	size uint32
}

type block struct {
	payloadSize uint32
	data        []byte // view into region.buf; data[0] address is the block's identity
	allocated   bool
	magic       uint32
	owner       *Heap
	region      *region

	prev, next         *block // heap-wide block list, address order within a region
	freePrev, freeNext *block
}

func ptrKey(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// CancelFunc is invoked when misuse is detected against a job-owned heap
// (spec §4.5 "Error policy"). System heaps (IsSystem) panic instead.
type CancelFunc func(reason string)

// Heap is one job's isolated region allocator.
type Heap struct {
	mu sync.Mutex

	cfg      kconfig.Config
	label    string // for metrics/logging
	isSystem bool
	cancel   CancelFunc

	regions      []*region
	blockHead    *block
	blockTail    *block
	freeHead     *block
	byAddr       map[uintptr]*block
	regionCount  int
	totalCapacity uint64
	usedBytes     uint64
	peakBytes     uint64
}

// Global counters (spec §4.5 "Global counters"), protected independently of
// any one heap's lock.
var (
	globalMu        sync.Mutex
	totalRegions    uint64
	totalBytes      uint64
	totalAllocs     uint64
	totalFrees      uint64
)

func reportGrowth(size uint32) {
	globalMu.Lock()
	totalRegions++
	totalBytes += uint64(size)
	globalMu.Unlock()
}

func reportAlloc() {
	globalMu.Lock()
	totalAllocs++
	globalMu.Unlock()
}

func reportFree() {
	globalMu.Lock()
	totalFrees++
	globalMu.Unlock()
}

// GlobalStats snapshots the process-wide counters.
type GlobalStats struct {
	TotalRegions    uint64
	TotalPSRAMBytes uint64
	TotalAllocations uint64
	TotalFrees      uint64
}

func GlobalStatsSnapshot() GlobalStats {
	globalMu.Lock()
	defer globalMu.Unlock()
	return GlobalStats{totalRegions, totalBytes, totalAllocs, totalFrees}
}

// NewHeap constructs an empty heap for a job (or the system, if isSystem).
// label is used only for metrics/log correlation.
func NewHeap(cfg kconfig.Config, label string, isSystem bool, cancel CancelFunc) *Heap {
	return &Heap{
		cfg:      cfg,
		label:    label,
		isSystem: isSystem,
		cancel:   cancel,
		byAddr:   make(map[uintptr]*block),
	}
}

func (h *Heap) maxPayload() uint32 {
	return h.cfg.RegionSize - Header
}

func roundUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (h *Heap) misuse(op, reason string) {
	kmetrics.AllocatorMisuse.Inc()
	if h.isSystem {
		panic(op + ": " + reason)
	}
	if h.cancel != nil {
		h.cancel(reason)
	}
}

// grow obtains a new region from the platform allocator and links one large
// free block spanning it into the heap.
func (h *Heap) grow() error {
	if h.regionCount >= h.cfg.MaxRegionsPerJob {
		return kerr.New(kerr.CodeResourceExhausted, "arena.grow", "region count exhausted")
	}
	if h.totalCapacity+uint64(h.cfg.RegionSize) > h.cfg.MaxHeapPerJob {
		return kerr.New(kerr.CodeResourceExhausted, "arena.grow", "heap byte budget exhausted")
	}

	r := &region{buf: make([]byte, h.cfg.RegionSize), size: h.cfg.RegionSize}
	h.regions = append(h.regions, r)

	b := &block{
		payloadSize: h.maxPayload(),
		data:        r.buf[Header:],
		magic:       blockMagic,
		owner:       h,
		region:      r,
	}
	// insert at head of the heap-wide block list
	b.next = h.blockHead
	if h.blockHead != nil {
		h.blockHead.prev = b
	} else {
		h.blockTail = b
	}
	h.blockHead = b
	h.byAddr[ptrKey(b.data)] = b

	h.insertFree(b)

	h.regionCount++
	h.totalCapacity += uint64(h.cfg.RegionSize)
	reportGrowth(h.cfg.RegionSize)

	if lbl := h.label; lbl != "" {
		kmetrics.AllocatorRegionCount.WithLabelValues(lbl).Set(float64(h.regionCount))
	}
	return nil
}

func (h *Heap) insertFree(b *block) {
	b.freeNext = h.freeHead
	if h.freeHead != nil {
		h.freeHead.freePrev = b
	}
	b.freePrev = nil
	h.freeHead = b
}

func (h *Heap) removeFree(b *block) {
	if b.freePrev != nil {
		b.freePrev.freeNext = b.freeNext
	} else {
		h.freeHead = b.freeNext
	}
	if b.freeNext != nil {
		b.freeNext.freePrev = b.freePrev
	}
	b.freePrev, b.freeNext = nil, nil
}

func (h *Heap) firstFit(required uint32) *block {
	for b := h.freeHead; b != nil; b = b.freeNext {
		if b.payloadSize >= required {
			return b
		}
	}
	return nil
}

// split carves required bytes off the front of b if enough of a remainder
// (Header+align) would be left over, inserting the remainder as a new free
// block immediately after b in the heap-wide list.
func (h *Heap) split(b *block, required uint32) {
	align := h.cfg.Align
	available := b.payloadSize
	if available < required+minSplit(align) {
		return
	}

	restDataOffset := roundUp(required, align)
	if available-restDataOffset < align {
		return
	}

	restPayload := available - restDataOffset - Header
	rest := &block{
		payloadSize: restPayload,
		data:        b.data[restDataOffset+Header:],
		magic:       blockMagic,
		owner:       h,
		region:      b.region,
	}

	rest.next = b.next
	rest.prev = b
	if b.next != nil {
		b.next.prev = rest
	} else {
		h.blockTail = rest
	}
	b.next = rest
	h.byAddr[ptrKey(rest.data)] = rest

	b.payloadSize = restDataOffset
	h.insertFree(rest)
}

// Alloc implements spec §4.5 alloc().
func (h *Heap) Alloc(size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size > h.maxPayload() {
		return nil, kerr.New(kerr.CodeInvalidParam, "arena.Alloc", "size exceeds max payload")
	}
	required := roundUp(size, h.cfg.Align)

	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.firstFit(required)
	if b == nil {
		if err := h.grow(); err != nil {
			h.misuse("arena.Alloc", "out of memory")
			return nil, err
		}
		b = h.firstFit(required)
		if b == nil {
			h.misuse("arena.Alloc", "out of memory")
			return nil, kerr.New(kerr.CodeResourceExhausted, "arena.Alloc", "no fitting block after growth")
		}
	}

	h.removeFree(b)
	h.split(b, required)
	b.allocated = true

	h.usedBytes += uint64(b.payloadSize)
	if h.usedBytes > h.peakBytes {
		h.peakBytes = h.usedBytes
	}
	reportAlloc()
	if lbl := h.label; lbl != "" {
		kmetrics.AllocatorUsedBytes.WithLabelValues(lbl).Set(float64(h.usedBytes))
	}

	return b.data[:size:b.payloadSize], nil
}

// Calloc implements calloc(n, size) with the spec's overflow check.
func (h *Heap) Calloc(n, size uint32) ([]byte, error) {
	if size != 0 && n > ^uint32(0)/size {
		return nil, kerr.New(kerr.CodeInvalidParam, "arena.Calloc", "n*size overflows")
	}
	buf, err := h.Alloc(n * size)
	if err != nil || buf == nil {
		return buf, err
	}
	for i := range buf {
		buf[i] = 0
	}
	return buf, nil
}

func (h *Heap) lookup(p []byte) *block {
	return h.byAddr[ptrKey(p)]
}

// Realloc implements spec §4.5 realloc().
func (h *Heap) Realloc(p []byte, size uint32) ([]byte, error) {
	if p == nil {
		return h.Alloc(size)
	}
	if size == 0 {
		return nil, h.Free(p)
	}

	h.mu.Lock()
	b := h.lookup(p)
	if b == nil || !b.allocated || b.magic != blockMagic {
		h.mu.Unlock()
		h.misuse("arena.Realloc", "realloc of unknown/freed pointer")
		return nil, kerr.New(kerr.CodeIntegrity, "arena.Realloc", "pointer not owned by this heap")
	}
	if size <= b.payloadSize {
		h.mu.Unlock()
		return p[:size:b.payloadSize], nil
	}
	oldSize := b.payloadSize
	h.mu.Unlock()

	newBuf, err := h.Alloc(size)
	if err != nil {
		return nil, err
	}
	copy(newBuf, p[:oldSize])
	if err := h.Free(p); err != nil {
		return nil, err
	}
	return newBuf, nil
}

func samePosition(a, b *block) bool {
	if a.region != b.region {
		return false
	}
	aEnd := ptrKey(a.data) + uintptr(a.payloadSize) + Header
	bStart := ptrKey(b.data)
	return aEnd == bStart
}

// Free implements spec §4.5 free(), including double-free/cross-job/corrupt
// magic detection.
func (h *Heap) Free(p []byte) error {
	if p == nil {
		return nil
	}

	h.mu.Lock()
	b, ours := h.byAddr[ptrKey(p)]
	var misuseReason string
	var misuseErr *kerr.KernelError
	switch {
	case !ours:
		misuseReason = "cross-job or foreign pointer"
		misuseErr = kerr.New(kerr.CodeIntegrity, "arena.Free", misuseReason)
	case b.magic != blockMagic:
		misuseReason = "corrupt block header"
		misuseErr = kerr.New(kerr.CodeIntegrity, "arena.Free", misuseReason)
	case !b.allocated:
		misuseReason = "double free"
		misuseErr = kerr.New(kerr.CodeIntegrity, "arena.Free", misuseReason)
	}
	h.mu.Unlock()
	if misuseErr != nil {
		h.misuse("arena.Free", misuseReason)
		return misuseErr
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b.allocated = false
	h.usedBytes -= uint64(b.payloadSize)
	reportFree()
	if lbl := h.label; lbl != "" {
		kmetrics.AllocatorUsedBytes.WithLabelValues(lbl).Set(float64(h.usedBytes))
	}

	h.coalesce(b)
	return nil
}

func (h *Heap) coalesce(b *block) {
	// merge with next if free and physically adjacent
	if b.next != nil && !b.next.allocated && samePosition(b, b.next) {
		n := b.next
		h.removeFree(n)
		b.payloadSize += Header + n.payloadSize
		b.next = n.next
		if n.next != nil {
			n.next.prev = b
		} else {
			h.blockTail = b
		}
		delete(h.byAddr, ptrKey(n.data))
	}
	// merge with prev if free and physically adjacent
	if b.prev != nil && !b.prev.allocated && samePosition(b.prev, b) {
		p := b.prev
		h.removeFree(p)
		p.payloadSize += Header + b.payloadSize
		p.next = b.next
		if b.next != nil {
			b.next.prev = p
		} else {
			h.blockTail = p
		}
		delete(h.byAddr, ptrKey(b.data))
		b = p
	}
	h.insertFree(b)
}

// Stats mirrors HybridStats/BuddyStats-style reporting from the runtime.
type Stats struct {
	RegionCount   int
	TotalCapacity uint64
	UsedBytes     uint64
	PeakBytes     uint64
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{h.regionCount, h.totalCapacity, h.usedBytes, h.peakBytes}
}

// Teardown frees every region owned by the heap; called once a ctx's
// refcount reaches zero.
func (h *Heap) Teardown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regions = nil
	h.blockHead, h.blockTail, h.freeHead = nil, nil, nil
	h.byAddr = make(map[uintptr]*block)
	h.regionCount = 0
	h.totalCapacity = 0
	h.usedBytes = 0
}
