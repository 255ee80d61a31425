package pages

import (
	"testing"
)

func TestMapUnmapRoundTrip(t *testing.T) {
	addr, err := Map(4 * Size)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr == 0 {
		t.Fatal("Map returned nil address")
	}
	if addr%Size != 0 {
		t.Fatalf("Map returned unaligned address %x", addr)
	}
	if err := Unmap(addr, 4*Size); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestProtectRWThenRO(t *testing.T) {
	addr, err := Map(Size)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer Unmap(addr, Size)

	if err := ProtectRW(addr, Size); err != nil {
		t.Fatalf("ProtectRW: %v", err)
	}
	b := addrSlice(addr, Size)
	b[0] = 0xAB
	if b[0] != 0xAB {
		t.Fatal("write to RW page did not stick")
	}

	if err := ProtectRO(addr, Size); err != nil {
		t.Fatalf("ProtectRO: %v", err)
	}
}

func TestMapFixedDropsCommit(t *testing.T) {
	addr, err := Map(2 * Size)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer Unmap(addr, 2*Size)

	if err := ProtectRW(addr, 2*Size); err != nil {
		t.Fatalf("ProtectRW: %v", err)
	}
	addrSlice(addr, 2*Size)[0] = 1

	if err := MapFixed(addr+Size, Size); err != nil {
		t.Fatalf("MapFixed: %v", err)
	}
}

func TestPagesAlignedGuardBands(t *testing.T) {
	const guard = Size
	inner, err := PagesAligned(Size, Size, guard)
	if err != nil {
		t.Fatalf("PagesAligned: %v", err)
	}
	b := addrSlice(inner, Size)
	b[0] = 0xCD
	if b[0] != 0xCD {
		t.Fatal("inner region not writable")
	}
	if err := Unmap(inner-guard, Size+2*guard); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestPagesAlignedRejectsZeroSize(t *testing.T) {
	if _, err := PagesAligned(0, Size, Size); err == nil {
		t.Fatal("expected error for zero size")
	}
}

func TestDeallocatePagesRoundTrip(t *testing.T) {
	const guard = Size
	inner, err := PagesAligned(Size, Size, guard)
	if err != nil {
		t.Fatalf("PagesAligned: %v", err)
	}
	if err := DeallocatePages(inner, Size, guard); err != nil {
		t.Fatalf("DeallocatePages: %v", err)
	}
}

func TestShrinkInPlace(t *testing.T) {
	const guard = Size
	const oldSize = 3 * Size
	const newSize = Size

	inner, err := PagesAligned(oldSize, Size, guard)
	if err != nil {
		t.Fatalf("PagesAligned: %v", err)
	}
	if err := ShrinkInPlace(inner, oldSize, newSize, guard); err != nil {
		t.Fatalf("ShrinkInPlace: %v", err)
	}
	if err := DeallocatePages(inner, newSize, guard); err != nil {
		t.Fatalf("DeallocatePages after shrink: %v", err)
	}
}

func TestPageCeil(t *testing.T) {
	cases := map[uint64]uint64{0: 0, 1: Size, Size: Size, Size + 1: 2 * Size}
	for in, want := range cases {
		if got := pageCeil(in); got != want {
			t.Errorf("pageCeil(%d) = %d, want %d", in, got, want)
		}
	}
}
