// Package slab implements the small-object slab engine: one Class per
// size-class, each owning a reserved virtual region sliced into fixed-size
// slabs, a bitmap-tracked free-slot search, a canary on every live slot,
// and the partial/empty/free slab lifecycle.
//
// Slab metadata lives in a plain growable Go slice addressed by index
// rather than a raw mmap'd array addressed by pointer, since a growing
// slice and a lazily-committed memory region both grow on demand, and Go
// slice growth already gives us that for free without unsafe bookkeeping.
// Intrusive prev/next
// links become slice indices (-1 as the nil sentinel) for the same reason:
// append can relocate the backing array, which would invalidate any raw
// pointer into it.
package slab

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/kichangya/hardened-malloc/bitmap64"
	"github.com/kichangya/hardened-malloc/internal/pages"
	"github.com/kichangya/hardened-malloc/internal/prng"
	"github.com/kichangya/hardened-malloc/internal/xmutex"
	"github.com/kichangya/hardened-malloc/sizeclass"
)

// CanarySize is the number of trailing bytes of every live slot reserved
// for the per-slab canary value. Zero disables the canary entirely.
const CanarySize = 8

// canaryMask clears the low byte of the canary so a corrupted canary can
// never collide with an all-zero freed pattern on little-endian platforms.
const canaryMask = 0xffffffffffffff00

// maxEmptySlabsTotal bounds how many bytes of purely-cached empty slabs a
// class will hold before it starts returning them to the kernel instead.
const maxEmptySlabsTotal = 64 * 1024

const noIndex = -1

// Metadata describes one slab: its occupancy bitmap, its place in whichever
// intrusive list currently owns it, and (while canaries are enabled) the
// per-slab canary value written into every live slot's tail.
type Metadata struct {
	Bitmap      bitmap64.Bitmap
	Next        int32
	Prev        int32
	CanaryValue uint64
}

// Class owns one size class's slab region and the slabs carved from it.
type Class struct {
	mu *xmutex.Mutex

	size  uint32
	slots uint16
	class int

	regionStart uintptr
	slabSize    uint64
	metadataMax int

	info              []Metadata
	metadataAllocated int

	partialHead int32
	emptyHead   int32
	emptyTotal  uint64
	freeHead    int32
	freeTail    int32

	guardSlabs bool
	rng        *prng.State
}

// Engine owns every size class's slab region, reserved contiguously so a
// pointer's class can be recovered from its offset alone — the allocator's
// dispatcher relies on this to route frees without a lookup.
type Engine struct {
	RegionStart      uintptr
	RegionEnd        uintptr
	RealClassRegion  uint64
	ClassRegionSize  uint64
	GuardSlabs       bool
	SlotRandomize    bool
	Canary           bool
	ZeroOnFree       bool
	WriteAfterFree   bool
	classes          [sizeclass.NumClasses]*Class
}

// DefaultClassRegionSize is the default 128 GiB per-class virtual
// reservation; callers on constrained address spaces may pass a smaller
// value through NewEngine.
const DefaultClassRegionSize = 128 * 1024 * 1024 * 1024

// NewEngine reserves the full slab address space and prepares every class.
// classRegionSize is the usable size of each class's region; each class's
// reservation is twice that, leaving room for its random start gap. Pass 0
// for DefaultClassRegionSize.
func NewEngine(classRegionSize uint64, guardSlabs, slotRandomize, canary, zeroOnFree, writeAfterFree bool) (*Engine, error) {
	if classRegionSize == 0 {
		classRegionSize = DefaultClassRegionSize
	}
	realClassRegion := classRegionSize * 2
	totalSize := realClassRegion * uint64(sizeclass.NumClasses)

	base, err := pages.Map(totalSize)
	if err != nil {
		return nil, fmt.Errorf("slab: failed to reserve slab region: %w", err)
	}

	e := &Engine{
		RegionStart:     base,
		RegionEnd:       base + uintptr(totalSize),
		RealClassRegion: realClassRegion,
		ClassRegionSize: classRegionSize,
		GuardSlabs:      guardSlabs,
		SlotRandomize:   slotRandomize,
		Canary:          canary,
		ZeroOnFree:      zeroOnFree,
		WriteAfterFree:  writeAfterFree,
	}

	gapRNG, err := prng.New()
	if err != nil {
		return nil, err
	}

	for class := 0; class < sizeclass.NumClasses; class++ {
		size := sizeclass.Sizes[class]
		if size == 0 {
			size = 16
		}
		slots := sizeclass.Slots[class]
		slabSize := sizeclass.SlabSize(slots, size)
		metadataMax := int(classRegionSize / slabSize)

		bound := (realClassRegion-classRegionSize)/sizeclass.PageSize - 1
		gap := (gapRNG.U64Uniform(bound) + 1) * sizeclass.PageSize
		regionStart := base + uintptr(realClassRegion*uint64(class)+gap)

		rng, err := prng.New()
		if err != nil {
			return nil, err
		}

		e.classes[class] = &Class{
			mu:          xmutex.New(fmt.Sprintf("slab-class-%d", class)),
			size:        size,
			slots:       slots,
			class:       class,
			regionStart: regionStart,
			slabSize:    slabSize,
			metadataMax: metadataMax,
			partialHead: noIndex,
			emptyHead:   noIndex,
			freeHead:    noIndex,
			freeTail:    noIndex,
			guardSlabs:  guardSlabs,
			rng:         rng,
		}
	}

	return e, nil
}

// LockAll acquires every class's lock, in class order, for fork
// coordination.
func (e *Engine) LockAll() {
	for class := 0; class < sizeclass.NumClasses; class++ {
		e.classes[class].mu.Lock()
	}
}

// UnlockAll releases every class's lock, in the same order LockAll
// acquired them. sync.Mutex permits unlocking in any order; the matching
// order here is just for symmetry with LockAll.
func (e *Engine) UnlockAll() {
	for class := 0; class < sizeclass.NumClasses; class++ {
		e.classes[class].mu.Unlock()
	}
}

// ReseedAll reseeds every class's random stream, used by the post-fork
// child so its slot placement doesn't mirror the parent's.
func (e *Engine) ReseedAll() error {
	for class := 0; class < sizeclass.NumClasses; class++ {
		if err := e.classes[class].rng.Init(); err != nil {
			return err
		}
	}
	return nil
}

// MutexStat is one class lock's cumulative contention counters.
type MutexStat struct {
	Name      string
	Locks     int64
	Contended int64
	WaitNanos int64
}

// MutexStats reports contention statistics for every class's lock, in
// class order.
func (e *Engine) MutexStats() []MutexStat {
	stats := make([]MutexStat, 0, sizeclass.NumClasses)
	for class := 0; class < sizeclass.NumClasses; class++ {
		locks, contended, waitNanos := e.classes[class].mu.Stats()
		stats = append(stats, MutexStat{
			Name:      e.classes[class].mu.Name(),
			Locks:     locks,
			Contended: contended,
			WaitNanos: waitNanos,
		})
	}
	return stats
}

func (e *Engine) classOf(p uintptr) int {
	offset := p - e.RegionStart
	return int(uint64(offset) / e.RealClassRegion)
}

// Contains reports whether p falls within the slab address space.
func (e *Engine) Contains(p uintptr) bool {
	return p >= e.RegionStart && p < e.RegionEnd
}

// UsableSize returns the raw size-class size for a live slab pointer,
// including the canary tail (callers subtract CanarySize themselves).
func (e *Engine) UsableSize(p uintptr) uint32 {
	return sizeclass.Sizes[e.classOf(p)]
}

func (c *Class) slabAt(index int) uintptr {
	return c.regionStart + uintptr(uint64(index)*c.slabSize)
}

// allocMetadata grows the metadata slice and commits the next slab's
// backing pages on demand.
func (c *Class) allocMetadata(commit bool) (int32, error) {
	if c.metadataAllocated >= c.metadataMax {
		return noIndex, fmt.Errorf("slab: class %d exhausted (%d slabs)", c.class, c.metadataMax)
	}

	index := c.metadataAllocated
	if index >= len(c.info) {
		grow := cap(c.info) * 2
		if grow == 0 {
			grow = 64
		}
		if grow > c.metadataMax {
			grow = c.metadataMax
		}
		newInfo := make([]Metadata, len(c.info), grow)
		copy(newInfo, c.info)
		c.info = newInfo[:index+1]
	} else {
		c.info = c.info[:index+1]
	}

	if commit {
		if err := pages.ProtectRW(c.slabAt(index), c.slabSize); err != nil {
			return noIndex, err
		}
	}

	c.metadataAllocated++
	if c.guardSlabs {
		c.metadataAllocated++
	}
	return int32(index), nil
}

// AllocateSmall draws one slot from class for requestedSize (0 means a
// zero-size allocation: still returns a distinct, freeable pointer).
func (e *Engine) AllocateSmall(class int, requestedSize uint64) (uintptr, error) {
	c := e.classes[class]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.partialHead != noIndex {
		return e.allocateFromPartial(c, requestedSize)
	}
	if c.emptyHead != noIndex {
		return e.allocateFromEmpty(c, requestedSize)
	}
	if c.freeHead != noIndex {
		return e.allocateFromFree(c, requestedSize)
	}
	return e.allocateFresh(c, requestedSize)
}

func (e *Engine) randomSplit(c *Class, slots int) uint64 {
	if !e.SlotRandomize {
		return 0
	}
	return ^(^uint64(0) << c.rng.U16Uniform(uint16(slots)))
}

func (e *Engine) takeSlot(c *Class, meta *Metadata, p uintptr, requestedSize uint64, checkWAF bool) uintptr {
	slots := int(c.slots)
	split := e.randomSplit(c, slots)
	slot, ok := bitmap64.FreeSlot(meta.Bitmap, slots, split)
	if !ok {
		panic("slab: no free slot in slab reported as having one")
	}
	meta.Bitmap.Set(slot)
	addr := p + uintptr(uint64(slot)*uint64(c.size))
	if requestedSize != 0 {
		if checkWAF && e.WriteAfterFree && e.ZeroOnFree {
			writeAfterFreeCheck(addr, c.size-CanarySize)
		}
		if e.Canary {
			setCanary(addr, c.size, meta.CanaryValue)
		}
	}
	return addr
}

func (e *Engine) allocateFromPartial(c *Class, requestedSize uint64) (uintptr, error) {
	idx := c.partialHead
	meta := &c.info[idx]
	slab := c.slabAt(int(idx))

	addr := e.takeSlot(c, meta, slab, requestedSize, true)

	if !bitmap64.HasFreeSlots(meta.Bitmap, int(c.slots)) {
		c.partialHead = meta.Next
		if c.partialHead != noIndex {
			c.info[c.partialHead].Prev = noIndex
		}
	}
	return addr, nil
}

func (e *Engine) allocateFromEmpty(c *Class, requestedSize uint64) (uintptr, error) {
	idx := c.emptyHead
	meta := &c.info[idx]
	c.emptyHead = meta.Next
	c.emptyTotal -= c.slabSize

	meta.Next = noIndex
	meta.Prev = noIndex
	c.partialHead = idx

	slab := c.slabAt(int(idx))
	addr := e.takeSlot(c, meta, slab, requestedSize, true)
	return addr, nil
}

func (e *Engine) allocateFromFree(c *Class, requestedSize uint64) (uintptr, error) {
	idx := c.freeHead
	meta := &c.info[idx]
	meta.CanaryValue = c.rng.U64() & canaryMask

	slab := c.slabAt(int(idx))
	if requestedSize != 0 {
		if err := pages.ProtectRW(slab, c.slabSize); err != nil {
			return 0, err
		}
	}

	c.freeHead = meta.Next
	if c.freeHead == noIndex {
		c.freeTail = noIndex
	}

	meta.Next = noIndex
	meta.Prev = noIndex
	c.partialHead = idx

	addr := e.takeSlot(c, meta, slab, requestedSize, false)
	return addr, nil
}

func (e *Engine) allocateFresh(c *Class, requestedSize uint64) (uintptr, error) {
	idx, err := c.allocMetadata(requestedSize != 0)
	if err != nil {
		return 0, err
	}
	meta := &c.info[idx]
	meta.CanaryValue = c.rng.U64() & canaryMask
	meta.Next = noIndex
	meta.Prev = noIndex

	c.partialHead = idx
	slab := c.slabAt(int(idx))
	addr := e.takeSlot(c, meta, slab, requestedSize, false)
	return addr, nil
}

// DeallocateSmall frees a live slab pointer. expectedSize, if non-nil, must
// equal the class's raw slot size or the call is treated as a fatal,
// attacker-observable corruption signal.
func (e *Engine) DeallocateSmall(p uintptr, expectedSize *uint32) error {
	class := e.classOf(p)
	size := sizeclass.Sizes[class]
	if expectedSize != nil && size != *expectedSize {
		return fmt.Errorf("slab: sized deallocation mismatch")
	}
	isZeroSize := size == 0
	if isZeroSize {
		size = 16
	}
	c := e.classes[class]

	c.mu.Lock()
	defer c.mu.Unlock()

	index := int(p-c.regionStart) / int(c.slabSize)
	if index >= len(c.info) {
		return fmt.Errorf("slab: invalid free within a slab yet to be used")
	}
	meta := &c.info[index]
	slab := c.slabAt(index)
	slot := int(p-slab) / int(size)
	if slab+uintptr(uint64(slot)*uint64(size)) != p {
		return fmt.Errorf("slab: invalid unaligned free")
	}
	if !meta.Bitmap.Get(slot) {
		return fmt.Errorf("slab: double free")
	}

	if !isZeroSize {
		if e.ZeroOnFree {
			zero(p, uint64(size)-CanarySize)
		}
		if e.Canary {
			if readCanary(p, size) != meta.CanaryValue {
				return fmt.Errorf("slab: canary corrupted")
			}
		}
	}

	if !bitmap64.HasFreeSlots(meta.Bitmap, int(c.slots)) {
		meta.Next = c.partialHead
		meta.Prev = noIndex
		if c.partialHead != noIndex {
			c.info[c.partialHead].Prev = int32(index)
		}
		c.partialHead = int32(index)
	}

	meta.Bitmap.Clear(slot)

	if meta.Bitmap.IsEmpty() {
		if meta.Prev != noIndex {
			c.info[meta.Prev].Next = meta.Next
		} else {
			c.partialHead = meta.Next
		}
		if meta.Next != noIndex {
			c.info[meta.Next].Prev = meta.Prev
		}
		meta.Prev = noIndex

		if c.emptyTotal+c.slabSize > maxEmptySlabsTotal {
			if err := pages.MapFixed(slab, c.slabSize); err == nil {
				c.enqueueFree(int32(index))
				return nil
			}
		}

		meta.Next = c.emptyHead
		c.emptyHead = int32(index)
		c.emptyTotal += c.slabSize
	}

	return nil
}

func (c *Class) enqueueFree(index int32) {
	c.info[index].Next = noIndex
	if c.freeTail != noIndex {
		c.info[c.freeTail].Next = index
	} else {
		c.freeHead = index
	}
	c.freeTail = index
}

// Trim purges cached empty slabs for every class back to the kernel,
// reporting whether anything was actually released.
func (e *Engine) Trim() bool {
	trimmed := false
	for class := 1; class < sizeclass.NumClasses; class++ {
		c := e.classes[class]
		c.mu.Lock()
		idx := c.emptyHead
		for idx != noIndex {
			slab := c.slabAt(int(idx))
			if err := pages.MapFixed(slab, c.slabSize); err != nil {
				break
			}
			next := c.info[idx].Next
			c.emptyTotal -= c.slabSize
			c.enqueueFree(idx)
			idx = next
			trimmed = true
		}
		c.emptyHead = idx
		c.mu.Unlock()
	}
	return trimmed
}

func setCanary(addr uintptr, size uint32, value uint64) {
	var buf [CanarySize]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	dst := byteSliceAt(addr+uintptr(size)-CanarySize, CanarySize)
	copy(dst, buf[:])
}

func readCanary(addr uintptr, size uint32) uint64 {
	src := byteSliceAt(addr+uintptr(size)-CanarySize, CanarySize)
	return binary.LittleEndian.Uint64(src)
}

func writeAfterFreeCheck(addr uintptr, size uint32) {
	b := byteSliceAt(addr, size)
	for i := 0; i < len(b); i++ {
		if b[i] != 0 {
			panic("slab: detected write after free")
		}
	}
}

func zero(addr uintptr, size uint64) {
	b := byteSliceAt(addr, uint32(size))
	for i := range b {
		b[i] = 0
	}
}

// ZeroRange zeroes size bytes starting at addr. Exported for callers (the
// Calloc path) that need to clear a freshly reused slot when the engine
// itself was built with ZeroOnFree disabled.
func ZeroRange(addr uintptr, size uint64) {
	zero(addr, size)
}

// byteSliceAt is the narrow unsafe bridge for touching an object's own
// live bytes (canary, write-after-free scan, zero-on-free). Distinct from
// internal/pages's address-space bridge: this one never changes what
// memory is mapped, only what is written into memory already committed.
func byteSliceAt(addr uintptr, size uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
