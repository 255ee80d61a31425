package hardalloc

import (
	"github.com/kichangya/hardened-malloc/internal/pages"
	"github.com/kichangya/hardened-malloc/sizeclass"
)

const minAlign = sizeclass.MinAlign

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// allocAligned is the shared implementation behind PosixMemalign,
// AlignedAlloc, Valloc and Pvalloc. minAlignment lets PosixMemalign reject
// alignments below sizeof(void*) while AlignedAlloc/Valloc/Pvalloc accept
// any power of two.
func (a *Allocator) allocAligned(alignment, size, minAlignment uint64) (uintptr, error) {
	if !isPowerOfTwo(alignment) || alignment < minAlignment {
		return 0, ErrInvalidAlignment
	}

	if alignment <= sizeclass.PageSize {
		if size <= sizeclass.MaxSlabSize && alignment > minAlign {
			info, err := sizeclass.ClassifyAligned(size, alignment)
			if err != nil {
				return 0, ErrRequestTooLarge
			}
			size = uint64(info.Size)
		}
		return a.allocate(size)
	}

	a.regionsMu.Lock()
	guard := a.guardSize(size)
	a.regionsMu.Unlock()

	p, err := pages.PagesAligned(size, alignment, guard)
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

// PosixMemalign allocates size bytes aligned to alignment, which must be a
// power of two and at least the size of a pointer.
func (a *Allocator) PosixMemalign(alignment, size uint64) (uintptr, error) {
	size = a.adjustSizeForCanaries(size)
	return a.allocAligned(alignment, size, 8)
}

// AlignedAlloc allocates size bytes aligned to alignment, which must be a
// power of two.
func (a *Allocator) AlignedAlloc(alignment, size uint64) (uintptr, error) {
	size = a.adjustSizeForCanaries(size)
	return a.allocAligned(alignment, size, 1)
}

// Valloc allocates size bytes aligned to the page size.
func (a *Allocator) Valloc(size uint64) (uintptr, error) {
	size = a.adjustSizeForCanaries(size)
	return a.allocAligned(sizeclass.PageSize, size, 1)
}

// Pvalloc allocates size bytes, rounded up to a whole number of pages,
// page-aligned. The rounding is computed on the caller's raw size; room for
// the canary is then added on top of the rounded size, so a slab-backed
// result still has the whole rounded size usable.
func (a *Allocator) Pvalloc(size uint64) (uintptr, error) {
	rounded := sizeclass.PageCeil(size)
	if rounded == 0 {
		return 0, ErrOutOfMemory
	}
	return a.allocAligned(sizeclass.PageSize, a.adjustSizeForCanaries(rounded), 1)
}
