// Package hardalloc is the dispatcher and lifecycle root of the hardened
// allocator: it owns the small-object slab engine and the large-allocation
// region registry, routes every call by pointer range, and exposes the
// malloc-family surface (Malloc, Calloc, Realloc, Free, FreeSized,
// PosixMemalign, AlignedAlloc, Valloc, Pvalloc, MallocUsableSize,
// MallocObjectSize, MallocObjectSizeFast, MallocTrim).
package hardalloc

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kichangya/hardened-malloc/internal/pages"
	"github.com/kichangya/hardened-malloc/internal/prng"
	"github.com/kichangya/hardened-malloc/internal/xmutex"
	"github.com/kichangya/hardened-malloc/region"
	"github.com/kichangya/hardened-malloc/sizeclass"
	"github.com/kichangya/hardened-malloc/slab"
)

// mremapThreshold: below this copy size, a realloc that needs a new large
// allocation just copies rather than attempting mremap, since mremap's
// syscall overhead isn't worth it for small copies.
const mremapThreshold = 4 * 1024 * 1024

// Allocator is one independent hardened heap. Construct with New; the
// zero value is not usable.
type Allocator struct {
	root *rootState

	engine  *slab.Engine
	regions *region.Table

	regionsMu  *xmutex.Mutex
	regionsRNG *prng.State

	canary              bool
	zeroOnFree          bool
	writeAfterFreeCheck bool
	guardSlabs          bool
	slotRandomize       bool

	logger    *slog.Logger
	abortHook func(error)
}

// New constructs and fully initializes an Allocator: reserves the slab
// region for every size class and the region registry's backing buffers.
// There is no global process-wide allocator state to race against here,
// so initialization happens eagerly, in New, rather than lazily on first
// use.
func New(opts ...Option) (*Allocator, error) {
	if sizeclass.PageSize != pages.Size {
		return nil, fmt.Errorf("hardalloc: page size mismatch: sizeclass=%d pages=%d", sizeclass.PageSize, pages.Size)
	}
	if runtimePageSize := os.Getpagesize(); runtimePageSize != pages.Size {
		return nil, fmt.Errorf("hardalloc: page size mismatch: runtime=%d pages=%d", runtimePageSize, pages.Size)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	engine, err := slab.NewEngine(cfg.classRegionSize, cfg.guardSlabs, cfg.slotRandomize, cfg.canary, cfg.zeroOnFree, cfg.writeAfterFreeCheck)
	if err != nil {
		return nil, fmt.Errorf("hardalloc: failed to initialize slab engine: %w", err)
	}

	regions, err := region.NewTable(cfg.regionTableMaxSize)
	if err != nil {
		return nil, fmt.Errorf("hardalloc: failed to initialize region table: %w", err)
	}

	rng, err := prng.New()
	if err != nil {
		return nil, fmt.Errorf("hardalloc: failed to seed region allocator: %w", err)
	}

	root, err := newRootState(engine.RegionStart, engine.RegionEnd, uint64(cfg.regionTableMaxSize))
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		root:                root,
		engine:              engine,
		regions:             regions,
		regionsMu:           xmutex.New("regions"),
		regionsRNG:          rng,
		canary:              cfg.canary,
		zeroOnFree:          cfg.zeroOnFree,
		writeAfterFreeCheck: cfg.writeAfterFreeCheck,
		guardSlabs:          cfg.guardSlabs,
		slotRandomize:       cfg.slotRandomize,
		logger:              cfg.logger,
		abortHook:           cfg.abortHook,
	}

	a.logger.Debug("hardalloc initialized",
		"canary", cfg.canary,
		"guard_slabs", cfg.guardSlabs,
		"slot_randomize", cfg.slotRandomize,
	)

	return a, nil
}

func (a *Allocator) enforceInit() {
	if a.root == nil {
		a.fatal("invalid uninitialized allocator usage")
	}
}

func (a *Allocator) isInit() bool {
	return a.root != nil && a.root.Initialized
}

// canarySize is CanarySize when canaries are enabled, else 0.
func (a *Allocator) canarySize() uint64 {
	if a.canary {
		return slab.CanarySize
	}
	return 0
}

func (a *Allocator) adjustSizeForCanaries(size uint64) uint64 {
	if size > 0 && size <= sizeclass.MaxSlabSize {
		return size + a.canarySize()
	}
	return size
}

func (a *Allocator) guardSize(size uint64) uint64 {
	bound := size / sizeclass.PageSize / 8
	if bound == 0 {
		bound = 1
	}
	return (a.regionsRNG.U64Uniform(bound) + 1) * sizeclass.PageSize
}

// allocate is the shared routing point for every size: <= MaxSlabSize goes
// to the slab engine, everything else becomes a guarded mmap tracked in
// the region registry.
func (a *Allocator) allocate(size uint64) (uintptr, error) {
	if size <= sizeclass.MaxSlabSize {
		info, err := sizeclass.Classify(size)
		if err != nil {
			return 0, ErrRequestTooLarge
		}
		p, err := a.engine.AllocateSmall(info.Class, size)
		if err != nil {
			return 0, ErrOutOfMemory
		}
		return p, nil
	}

	a.regionsMu.Lock()
	guard := a.guardSize(size)
	a.regionsMu.Unlock()

	p, err := pages.Pages(size, guard, true)
	if err != nil {
		return 0, ErrOutOfMemory
	}

	a.regionsMu.Lock()
	err = a.regions.Insert(p, size, guard)
	a.regionsMu.Unlock()
	if err != nil {
		_ = pages.DeallocatePages(p, size, guard)
		return 0, ErrRegionTableFull
	}

	return p, nil
}

// Malloc allocates size bytes, or returns ErrOutOfMemory/ErrRequestTooLarge.
func (a *Allocator) Malloc(size uint64) (uintptr, error) {
	size = a.adjustSizeForCanaries(size)
	return a.allocate(size)
}

// Calloc allocates nmemb*size bytes, zeroed.
func (a *Allocator) Calloc(nmemb, size uint64) (uintptr, error) {
	total, overflow := mulOverflow(nmemb, size)
	if overflow {
		return 0, ErrCallocOverflow
	}
	total = a.adjustSizeForCanaries(total)

	if a.zeroOnFree {
		// every slab slot already comes back zeroed by ZeroOnFree's
		// invariant, and fresh pages from the kernel are zero-filled, so
		// there's nothing left to clear here.
		return a.allocate(total)
	}

	p, err := a.allocate(total)
	if err != nil {
		return 0, err
	}
	if size != 0 && size <= sizeclass.MaxSlabSize {
		zeroMemory(p, total-a.canarySize())
	}
	return p, nil
}

func mulOverflow(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	total := a * b
	if total/a != b {
		return 0, true
	}
	return total, false
}

// Free releases p. A nil pointer is a no-op, matching free(NULL).
func (a *Allocator) Free(p uintptr) {
	if p == 0 {
		return
	}
	if a.inSlabRegion(p) {
		if err := a.engine.DeallocateSmall(p, nil); err != nil {
			a.fatal(err.Error())
		}
		return
	}
	a.deallocateLarge(p, nil)
}

// FreeSized releases p, treating a mismatch between expectedSize and the
// allocation's actual size as fatal corruption rather than silently
// trusting the caller.
func (a *Allocator) FreeSized(p uintptr, expectedSize uint64) {
	if p == 0 {
		return
	}
	if a.inSlabRegion(p) {
		adjusted := a.adjustSizeForCanaries(expectedSize)
		info, err := sizeclass.Classify(adjusted)
		if err != nil {
			a.fatal("invalid sized free")
		}
		if err := a.engine.DeallocateSmall(p, &info.Size); err != nil {
			a.fatal(err.Error())
		}
		return
	}
	a.deallocateLarge(p, &expectedSize)
}

func (a *Allocator) deallocateLarge(p uintptr, expectedSize *uint64) {
	a.enforceInit()

	a.regionsMu.Lock()
	info, ok := a.regions.Find(p)
	if !ok {
		a.regionsMu.Unlock()
		a.fatal("invalid free")
	}
	if expectedSize != nil && info.Size != *expectedSize {
		a.regionsMu.Unlock()
		a.fatal("sized deallocation mismatch")
	}
	a.regions.Delete(p)
	a.regionsMu.Unlock()

	if err := pages.DeallocatePages(p, info.Size, info.GuardSize); err != nil {
		a.fatal("failed to release large allocation: " + err.Error())
	}
}

// MallocUsableSize returns the usable size of the allocation at p, 0 for a
// nil pointer. Per SPEC_FULL.md's resolution of the "null region lookup"
// open question, a regions-table miss for a non-nil pointer outside the
// slab region is fatal, identical to Free's handling, rather than quietly
// returning 0 — a genuinely unknown pointer reaching this call means the
// caller already has a corrupted view of its own heap.
func (a *Allocator) MallocUsableSize(p uintptr) uint64 {
	if p == 0 {
		return 0
	}
	if a.inSlabRegion(p) {
		size := uint64(a.engine.UsableSize(p))
		if size == 0 {
			return 0
		}
		return size - a.canarySize()
	}
	a.enforceInit()

	a.regionsMu.Lock()
	info, ok := a.regions.Find(p)
	a.regionsMu.Unlock()
	if !ok {
		a.fatal("invalid malloc_usable_size")
	}
	return info.Size
}

// MallocObjectSize is malloc_object_size: like MallocUsableSize, but
// returns 0 for an uninitialized allocator instead of treating it as
// fatal, since that case is reachable before any allocation has ever been
// made (whereas a genuine pointer with no matching region entry is not).
func (a *Allocator) MallocObjectSize(p uintptr) uint64 {
	if p == 0 {
		return 0
	}
	if a.inSlabRegion(p) {
		size := uint64(a.engine.UsableSize(p))
		if size == 0 {
			return 0
		}
		return size - a.canarySize()
	}
	if !a.isInit() {
		return 0
	}

	a.regionsMu.Lock()
	info, ok := a.regions.Find(p)
	a.regionsMu.Unlock()
	if !ok {
		a.fatal("invalid malloc_object_size")
	}
	return info.Size
}

// MallocObjectSizeFast is the racy, lock-free variant: for a pointer
// outside the slab region it returns math.MaxUint64 rather than consulting
// the region table, trading precision for the guarantee that it never
// blocks.
func (a *Allocator) MallocObjectSizeFast(p uintptr) uint64 {
	if p == 0 {
		return 0
	}
	if a.inSlabRegion(p) {
		size := uint64(a.engine.UsableSize(p))
		if size == 0 {
			return 0
		}
		return size - a.canarySize()
	}
	if !a.isInit() {
		return 0
	}
	return ^uint64(0)
}

// MallocTrim purges cached empty slabs back to the kernel, reporting
// whether anything was released.
func (a *Allocator) MallocTrim() bool {
	if !a.isInit() {
		return false
	}
	return a.engine.Trim()
}

func zeroMemory(addr uintptr, size uint64) {
	if size == 0 {
		return
	}
	slab.ZeroRange(addr, size)
}
