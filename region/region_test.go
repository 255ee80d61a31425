package region

import "testing"

func TestInsertFindDelete(t *testing.T) {
	tbl, err := NewTable(4096)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	if err := tbl.Insert(0x1000, 4096, 4096); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	info, ok := tbl.Find(0x1000)
	if !ok {
		t.Fatal("Find did not locate inserted entry")
	}
	if info.Size != 4096 || info.GuardSize != 4096 {
		t.Fatalf("Find returned wrong info: %+v", info)
	}

	if !tbl.Delete(0x1000) {
		t.Fatal("Delete reported entry not found")
	}
	if _, ok := tbl.Find(0x1000); ok {
		t.Fatal("Find located entry after delete")
	}
}

func TestFindMissing(t *testing.T) {
	tbl, _ := NewTable(4096)
	if _, ok := tbl.Find(0xdeadbeef); ok {
		t.Fatal("Find located a never-inserted address")
	}
}

func TestDeleteMissing(t *testing.T) {
	tbl, _ := NewTable(4096)
	if tbl.Delete(0xdeadbeef) {
		t.Fatal("Delete reported success for a never-inserted address")
	}
}

func TestGrowPreservesAllEntries(t *testing.T) {
	tbl, err := NewTable(4096)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	const n = 300
	for i := 0; i < n; i++ {
		addr := uintptr(0x100000 + i*4096)
		if err := tbl.Insert(addr, uint64(i+1)*4096, 4096); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		addr := uintptr(0x100000 + i*4096)
		info, ok := tbl.Find(addr)
		if !ok {
			t.Fatalf("entry %d lost across growth", i)
		}
		if info.Size != uint64(i+1)*4096 {
			t.Fatalf("entry %d size corrupted: got %d", i, info.Size)
		}
	}
}

func TestUpdateSize(t *testing.T) {
	tbl, _ := NewTable(4096)
	if err := tbl.Insert(0x2000, 8192, 4096); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !tbl.UpdateSize(0x2000, 16384) {
		t.Fatal("UpdateSize reported entry not found")
	}
	info, _ := tbl.Find(0x2000)
	if info.Size != 16384 {
		t.Fatalf("UpdateSize did not take effect: got %d", info.Size)
	}
}

func TestDeleteBackwardShiftKeepsOthersFindable(t *testing.T) {
	tbl, _ := NewTable(4096)
	addrs := []uintptr{0x10000, 0x20000, 0x30000, 0x40000, 0x50000}
	for _, a := range addrs {
		if err := tbl.Insert(a, 4096, 4096); err != nil {
			t.Fatalf("Insert(%x): %v", a, err)
		}
	}
	tbl.Delete(addrs[2])
	for i, a := range addrs {
		if i == 2 {
			continue
		}
		if _, ok := tbl.Find(a); !ok {
			t.Fatalf("entry %x lost after deleting unrelated entry", a)
		}
	}
}
