package sizeclass

import "testing"

func TestClassifySentinel(t *testing.T) {
	info, err := Classify(0)
	if err != nil {
		t.Fatalf("Classify(0) returned error: %v", err)
	}
	if info.Size != 0 || info.Class != 0 {
		t.Errorf("Classify(0) = %+v, want {0 0}", info)
	}
}

func TestClassifySmallRounding(t *testing.T) {
	cases := []struct {
		n         uint64
		wantSize  uint32
		wantClass int
	}{
		{1, 16, 1},
		{16, 16, 1},
		{17, 32, 2},
		{24, 32, 2},
		{128, 128, 8},
	}
	for _, c := range cases {
		info, err := Classify(c.n)
		if err != nil {
			t.Fatalf("Classify(%d) error: %v", c.n, err)
		}
		if info.Size != c.wantSize || info.Class != c.wantClass {
			t.Errorf("Classify(%d) = %+v, want {%d %d}", c.n, info, c.wantSize, c.wantClass)
		}
	}
}

func TestClassifyLargeScan(t *testing.T) {
	cases := []struct {
		n         uint64
		wantSize  uint32
		wantClass int
	}{
		{129, 160, 9},
		{160, 160, 9},
		{8000, 8192, 32},
	}
	for _, c := range cases {
		info, err := Classify(c.n)
		if err != nil {
			t.Fatalf("Classify(%d) error: %v", c.n, err)
		}
		if info.Size != c.wantSize || info.Class != c.wantClass {
			t.Errorf("Classify(%d) = %+v, want {%d %d}", c.n, info, c.wantSize, c.wantClass)
		}
	}

	info2, err := Classify(16384)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info2.Size != 16384 || info2.Class != NumClasses-1 {
		t.Errorf("Classify(16384) = %+v, want last class", info2)
	}
}

func TestClassifyOverflow(t *testing.T) {
	if _, err := Classify(16385); err == nil {
		t.Error("expected error for size above MaxSlabSize")
	}
}

func TestIsLarge(t *testing.T) {
	if IsLarge(16384) {
		t.Error("16384 should not be large")
	}
	if !IsLarge(16385) {
		t.Error("16385 should be large")
	}
}

func TestClassifyAligned(t *testing.T) {
	info, err := ClassifyAligned(100, 64)
	if err != nil {
		t.Fatalf("ClassifyAligned error: %v", err)
	}
	if info.Size%64 != 0 {
		t.Errorf("class size %d not divisible by align 64", info.Size)
	}
	if info.Size < 100 {
		t.Errorf("class size %d smaller than requested 100", info.Size)
	}
}

func TestClassifyAlignedBadAlign(t *testing.T) {
	if _, err := ClassifyAligned(100, 3); err == nil {
		t.Error("expected error for non-power-of-two alignment")
	}
	if _, err := ClassifyAligned(100, 1<<20); err == nil {
		t.Error("expected error for alignment above page size")
	}
}

func TestSlabSizeInvariant(t *testing.T) {
	for class := 0; class < NumClasses; class++ {
		size := Sizes[class]
		if size == 0 {
			size = 16
		}
		slab := SlabSize(Slots[class], size)
		if slab%PageSize != 0 {
			t.Errorf("class %d: slab size %d not page aligned", class, slab)
		}
		want := PageCeil(uint64(Slots[class]) * uint64(size))
		if slab != want {
			t.Errorf("class %d: slab size %d != expected %d", class, slab, want)
		}
	}
}

func TestPageCeil(t *testing.T) {
	cases := map[uint64]uint64{
		0:    0,
		1:    PageSize,
		4096: 4096,
		4097: 8192,
	}
	for in, want := range cases {
		if got := PageCeil(in); got != want {
			t.Errorf("PageCeil(%d) = %d, want %d", in, got, want)
		}
	}
}
