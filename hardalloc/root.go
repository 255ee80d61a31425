package hardalloc

import (
	"fmt"
	"unsafe"

	"github.com/kichangya/hardened-malloc/internal/pages"
)

// rootState mirrors the allocator's own immutable post-init invariants —
// the slab region's address bounds, the region table's configured
// maximum size, and the init flag — in a dedicated page that is
// protect_ro'd the moment New finishes populating it. Nothing in this
// package ever calls ProtectRW on this page again, so a stray or
// corrupted write from anywhere else in the process that would otherwise
// steer Free/Realloc's routing decision into the wrong path hits an
// OS-enforced fault instead of silently succeeding. This is kept
// separate from the slab engine's and region table's own internal
// bookkeeping, which must stay writable for those packages to function;
// rootState only ever holds values fixed at construction time.
type rootState struct {
	RegionStart        uintptr
	RegionEnd          uintptr
	RegionTableMaxSize uint64
	Initialized        bool
}

// newRootState commits one page, writes the given invariants into it, and
// immediately drops it back to read-only.
func newRootState(regionStart, regionEnd uintptr, regionTableMaxSize uint64) (*rootState, error) {
	addr, err := pages.Map(pages.Size)
	if err != nil {
		return nil, fmt.Errorf("hardalloc: failed to reserve root state page: %w", err)
	}
	if err := pages.ProtectRW(addr, pages.Size); err != nil {
		return nil, fmt.Errorf("hardalloc: failed to commit root state page: %w", err)
	}

	root := (*rootState)(unsafe.Pointer(addr))
	*root = rootState{
		RegionStart:        regionStart,
		RegionEnd:          regionEnd,
		RegionTableMaxSize: regionTableMaxSize,
		Initialized:        true,
	}

	if err := pages.ProtectRO(addr, pages.Size); err != nil {
		return nil, fmt.Errorf("hardalloc: failed to protect root state page: %w", err)
	}
	return root, nil
}

// inSlabRegion reports whether p falls within the slab engine's address
// range, consulting the RO-protected bounds rather than the engine's own
// Go-heap-resident fields.
func (a *Allocator) inSlabRegion(p uintptr) bool {
	return p >= a.root.RegionStart && p < a.root.RegionEnd
}
