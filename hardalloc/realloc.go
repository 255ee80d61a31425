package hardalloc

import (
	"unsafe"

	"github.com/kichangya/hardened-malloc/internal/pages"
	"github.com/kichangya/hardened-malloc/sizeclass"
)

// Realloc resizes the allocation at old to size bytes: same-class slab
// pointers are returned unchanged, large allocations keep their address when
// the page-rounded size is unchanged or they shrink but stay large, large
// moves of at least mremapThreshold bytes try mremap before copying, and
// everything else falls back to allocate-copy-free.
func (a *Allocator) Realloc(old uintptr, size uint64) (uintptr, error) {
	if old == 0 {
		return a.allocate(a.adjustSizeForCanaries(size))
	}

	size = a.adjustSizeForCanaries(size)

	if a.inSlabRegion(old) {
		oldSize := uint64(a.engine.UsableSize(old))
		if size <= sizeclass.MaxSlabSize {
			if info, err := sizeclass.Classify(size); err == nil && uint64(info.Size) == oldSize {
				return old, nil
			}
		}
		return a.reallocGeneric(old, oldSize, size, true)
	}

	a.enforceInit()

	a.regionsMu.Lock()
	info, ok := a.regions.Find(old)
	a.regionsMu.Unlock()
	if !ok {
		a.fatal("invalid realloc")
	}
	oldSize := info.Size
	oldGuardSize := info.GuardSize

	if sizeclass.PageCeil(oldSize) == sizeclass.PageCeil(size) {
		a.regionsMu.Lock()
		a.regions.UpdateSize(old, size)
		a.regionsMu.Unlock()
		return old, nil
	}

	if size < oldSize && size > sizeclass.MaxSlabSize {
		if err := pages.ShrinkInPlace(old, oldSize, size, oldGuardSize); err != nil {
			return 0, ErrOutOfMemory
		}
		a.regionsMu.Lock()
		a.regions.UpdateSize(old, size)
		a.regionsMu.Unlock()
		return old, nil
	}

	copySize := size
	if oldSize < size {
		copySize = oldSize
	}
	if copySize >= mremapThreshold {
		return a.reallocLargeMove(old, oldSize, oldGuardSize, size)
	}

	return a.reallocGeneric(old, oldSize, size, false)
}

// reallocLargeMove handles the large-to-large path where the copy would be
// expensive enough that an mremap move is worth attempting first.
func (a *Allocator) reallocLargeMove(old uintptr, oldSize, oldGuardSize, size uint64) (uintptr, error) {
	newPtr, err := a.allocate(size)
	if err != nil {
		return 0, err
	}

	a.regionsMu.Lock()
	a.regions.Delete(old)
	a.regionsMu.Unlock()

	copySize := size
	if oldSize < size {
		copySize = oldSize
	}

	if err := pages.RemapFixed(old, oldSize, newPtr, size); err != nil {
		copyMemory(newPtr, old, copySize)
		_ = pages.DeallocatePages(old, oldSize, oldGuardSize)
	} else {
		_ = pages.Unmap(old-uintptr(oldGuardSize), oldGuardSize)
		_ = pages.Unmap(old+uintptr(sizeclass.PageCeil(oldSize)), oldGuardSize)
	}
	return newPtr, nil
}

// reallocGeneric is the allocate-new, copy, free-old fallback shared by
// every path that isn't a same-class slab hit, an in-place large shrink,
// or a successful large mremap move.
func (a *Allocator) reallocGeneric(old uintptr, oldSize, size uint64, oldWasSmall bool) (uintptr, error) {
	newPtr, err := a.allocate(size)
	if err != nil {
		return 0, err
	}

	copySize := size
	if oldSize < size {
		copySize = oldSize
	}
	if size > 0 && size <= sizeclass.MaxSlabSize {
		copySize -= a.canarySize()
	}
	copyMemory(newPtr, old, copySize)

	if oldWasSmall {
		if err := a.engine.DeallocateSmall(old, nil); err != nil {
			a.fatal(err.Error())
		}
	} else {
		a.deallocateLarge(old, nil)
	}
	return newPtr, nil
}

func copyMemory(dst, src uintptr, size uint64) {
	if size == 0 {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(size))
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(size))
	copy(d, s)
}
