// Package pages is the allocator's page provider collaborator: reserve,
// commit, protect, remap and release page-aligned virtual memory ranges.
// It is the one package in this module that talks directly to the kernel,
// via golang.org/x/sys/unix, following the same raw-mmap-wrapper style the
// Go runtime itself uses internally for its page allocator.
package pages

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Size is this platform's page size, matching sizeclass.PageSize. The
// allocator asserts the runtime page size against this constant at init.
const Size = 4096

// Map reserves size bytes at an OS-chosen address, inaccessible until a
// later ProtectRW. size is rounded up by the kernel to a page boundary.
func Map(size uint64) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("pages: Map requires size > 0")
	}
	addr, err := rawMmap(0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("pages: mmap reserve failed: %w", err)
	}
	return addr, nil
}

// MapFixed drops any commitment in [addr, addr+size) while leaving the
// address space reserved: it re-maps the range PROT_NONE in place, which on
// Linux also lets the kernel reclaim the backing physical pages.
func MapFixed(addr uintptr, size uint64) error {
	if size == 0 {
		return nil
	}
	if _, err := rawMmap(addr, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_FIXED); err != nil {
		return fmt.Errorf("pages: MapFixed failed: %w", err)
	}
	return nil
}

// ProtectRW makes [addr, addr+size) readable and writable.
func ProtectRW(addr uintptr, size uint64) error {
	return protect(addr, size, unix.PROT_READ|unix.PROT_WRITE)
}

// ProtectRO makes [addr, addr+size) read-only.
func ProtectRO(addr uintptr, size uint64) error {
	return protect(addr, size, unix.PROT_READ)
}

func protect(addr uintptr, size uint64, prot int) error {
	if size == 0 {
		return nil
	}
	if err := unix.Mprotect(addrSlice(addr, size), prot); err != nil {
		return fmt.Errorf("pages: mprotect failed: %w", err)
	}
	return nil
}

// Unmap releases [addr, addr+size), returning the address space itself to
// the OS (unlike MapFixed, which keeps the reservation).
func Unmap(addr uintptr, size uint64) error {
	if size == 0 {
		return nil
	}
	if err := rawMunmap(addr, size); err != nil {
		return fmt.Errorf("pages: munmap failed: %w", err)
	}
	return nil
}

// Pages allocates a committed read-write range of size bytes with
// guardSize bytes of inaccessible pages on both sides. The returned pointer
// is the inner, usable base; the guard bands sit at addr-guardSize and
// addr+pageCeil(size). randomize is accepted for interface symmetry with
// callers that request randomized placement elsewhere in the allocator
// (every call here already lands at an OS-chosen address via Map, so there
// is no separate non-randomized code path to select).
func Pages(size, guardSize uint64, randomize bool) (uintptr, error) {
	return PagesAligned(size, Size, guardSize)
}

// PagesAligned is Pages with an explicit minimum alignment for the inner
// region, used by posix_memalign-style callers requesting alignment above
// the page size.
func PagesAligned(size, align, guardSize uint64) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("pages: PagesAligned requires size > 0")
	}
	inner := pageCeil(size)
	total := inner + 2*guardSize
	if align > Size {
		total += align
	}

	base, err := Map(total)
	if err != nil {
		return 0, err
	}

	innerAddr := base + uintptr(guardSize)
	if align > Size {
		innerAddr = (innerAddr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	}

	if err := ProtectRW(innerAddr, inner); err != nil {
		_ = Unmap(base, total)
		return 0, err
	}
	if align > Size {
		// Release the alignment slack outside the guard bands so the
		// footprint is exactly what DeallocatePages unmaps.
		if lead := innerAddr - uintptr(guardSize) - base; lead != 0 {
			_ = Unmap(base, uint64(lead))
		}
		trailStart := innerAddr + uintptr(inner) + uintptr(guardSize)
		if trail := base + uintptr(total) - trailStart; trail != 0 {
			_ = Unmap(trailStart, uint64(trail))
		}
	}
	return innerAddr, nil
}

// RemapFixed attempts to move the pages backing [old, old+oldSize) so they
// back [new, new+newSize) instead, without copying. Returns an error if the
// kernel cannot satisfy the move in place (the caller then falls back to a
// manual copy).
func RemapFixed(old uintptr, oldSize uint64, new uintptr, newSize uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MREMAP, old, uintptr(oldSize), uintptr(newSize),
		uintptr(unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED), new, 0)
	if errno != 0 {
		return fmt.Errorf("pages: mremap failed: %w", errno)
	}
	return nil
}

// DeallocatePages releases a whole allocation produced by Pages/PagesAligned:
// its guard bands and its committed interior. addr is the inner base
// returned by Pages/PagesAligned, exactly as region.Info.Addr records it.
func DeallocatePages(addr uintptr, size, guardSize uint64) error {
	base := addr - uintptr(guardSize)
	total := pageCeil(size) + 2*guardSize
	return Unmap(base, total)
}

// ShrinkInPlace implements the in-place large-allocation shrink path
// (realloc to a smaller size that still exceeds the slab ceiling): it
// reclaims the tail of the old committed interior as guard space, then
// drops the now-redundant tail of the old trailing guard band back to the
// kernel entirely.
//
// The new guard interval [addr+pageCeil(newSize), addr+pageCeil(newSize)+guardSize)
// lies within the old committed interior, so it is re-mapped PROT_NONE
// in place (MapFixed) rather than unmapped — the reservation there must
// stay alive since it still sits inside the allocation's guarded footprint.
// The redundant tail of the old trailing guard band,
// [addr+pageCeil(newSize)+guardSize, addr+pageCeil(oldSize)+guardSize),
// is unmapped outright, returning that address space to the OS.
func ShrinkInPlace(addr uintptr, oldSize, newSize, guardSize uint64) error {
	newEnd := addr + uintptr(pageCeil(newSize))
	if err := MapFixed(newEnd, guardSize); err != nil {
		return fmt.Errorf("pages: ShrinkInPlace guard relocation failed: %w", err)
	}
	newGuardEnd := newEnd + uintptr(guardSize)
	tailLen := pageCeil(oldSize) - pageCeil(newSize)
	if tailLen == 0 {
		return nil
	}
	if err := Unmap(newGuardEnd, tailLen); err != nil {
		return fmt.Errorf("pages: ShrinkInPlace tail release failed: %w", err)
	}
	return nil
}

func pageCeil(n uint64) uint64 {
	return (n + Size - 1) &^ (Size - 1)
}

// rawMmap issues the mmap(2) syscall directly so a caller-chosen address
// (MAP_FIXED) can be requested; the public unix.Mmap wrapper only supports
// kernel-chosen addresses.
func rawMmap(addr uintptr, size uint64, prot, flags int) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

// rawMunmap issues the munmap(2) syscall directly rather than through
// unix.Munmap, whose wrapper only unmaps ranges it registered itself via a
// matching unix.Mmap call — a bookkeeping requirement this package's
// raw-mmap'd ranges (see rawMmap) never satisfy.
func rawMunmap(addr uintptr, size uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// addrSlice bridges between the byte slices golang.org/x/sys/unix demands
// and the uintptr-addressed world the allocator's metadata lives in.
// Confined to this file: nowhere else in the module touches unsafe.Pointer
// for address-space bookkeeping.
func addrSlice(addr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
