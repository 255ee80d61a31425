package slab

import (
	"testing"

	"github.com/kichangya/hardened-malloc/sizeclass"
)

// testClassRegionSize keeps each class's virtual reservation small enough
// that a full NumClasses*2x reservation stays well under a gigabyte.
const testClassRegionSize = 4 * 1024 * 1024

func newTestEngine(t *testing.T, guardSlabs, randomize, canary, zeroOnFree, waf bool) *Engine {
	t.Helper()
	e, err := NewEngine(testClassRegionSize, guardSlabs, randomize, canary, zeroOnFree, waf)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	e := newTestEngine(t, false, true, true, true, false)
	info, err := sizeclass.Classify(64)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	p, err := e.AllocateSmall(info.Class, 64)
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}
	if !e.Contains(p) {
		t.Fatal("allocated pointer not within slab region")
	}
	if err := e.DeallocateSmall(p, nil); err != nil {
		t.Fatalf("DeallocateSmall: %v", err)
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	e := newTestEngine(t, false, false, true, true, false)
	info, _ := sizeclass.Classify(32)
	p, err := e.AllocateSmall(info.Class, 32)
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}
	if err := e.DeallocateSmall(p, nil); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if err := e.DeallocateSmall(p, nil); err == nil {
		t.Fatal("expected error on double free")
	}
}

func TestSizedDeallocationMismatch(t *testing.T) {
	e := newTestEngine(t, false, false, true, false, false)
	info, _ := sizeclass.Classify(48)
	p, err := e.AllocateSmall(info.Class, 48)
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}
	wrong := uint32(99999)
	if err := e.DeallocateSmall(p, &wrong); err == nil {
		t.Fatal("expected sized deallocation mismatch error")
	}
}

func TestCanaryCorruptionDetected(t *testing.T) {
	e := newTestEngine(t, false, false, true, false, false)
	info, _ := sizeclass.Classify(64)
	p, err := e.AllocateSmall(info.Class, 64)
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}
	b := byteSliceAt(p, e.UsableSize(p))
	b[len(b)-1] ^= 0xFF

	if err := e.DeallocateSmall(p, nil); err == nil {
		t.Fatal("expected canary corruption to be detected")
	}
}

func TestManySlotsFillSlab(t *testing.T) {
	e := newTestEngine(t, false, true, false, false, false)
	info, _ := sizeclass.Classify(16)
	slots := int(sizeclass.Slots[info.Class])

	ptrs := make([]uintptr, 0, slots+1)
	for i := 0; i < slots+1; i++ {
		p, err := e.AllocateSmall(info.Class, 16)
		if err != nil {
			t.Fatalf("AllocateSmall #%d: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}
	seen := make(map[uintptr]bool)
	for _, p := range ptrs {
		if seen[p] {
			t.Fatalf("duplicate pointer returned: %x", p)
		}
		seen[p] = true
	}
}

func TestTrimReturnsEmptySlabs(t *testing.T) {
	e := newTestEngine(t, false, false, false, false, false)
	info, _ := sizeclass.Classify(128)
	p, err := e.AllocateSmall(info.Class, 128)
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}
	if err := e.DeallocateSmall(p, nil); err != nil {
		t.Fatalf("DeallocateSmall: %v", err)
	}
	if !e.Trim() {
		t.Fatal("Trim reported nothing released after the slab became empty")
	}
}
