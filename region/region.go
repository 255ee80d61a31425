// Package region implements the large-allocation registry: an
// open-addressed hash table mapping every live mmap'd allocation's base
// address back to its size and guard size, since (unlike small slab slots)
// nothing about a large pointer's own bytes records that information.
package region

import (
	"fmt"

	"github.com/kichangya/hardened-malloc/internal/xmutex"
)

// Info is one live large allocation's registry entry.
type Info struct {
	Addr      uintptr
	Size      uint64
	GuardSize uint64
}

const initialTableSize = 256

// Table is the region registry: a double-buffered, open-addressed hash
// table. Growth ping-pongs between two pre-reserved backing arrays so a
// grow never has to allocate fresh address space (max table size is
// bounded and both buffers are reserved at that capacity up front).
type Table struct {
	mu *xmutex.Mutex

	buffers  [2][]Info
	active   int
	total    int
	free     int
	maxSize  int
}

// NewTable reserves both ping-pong buffers at maxEntries capacity and
// commits the first initialTableSize entries of buffer 0.
func NewTable(maxEntries int) (*Table, error) {
	if maxEntries < initialTableSize {
		maxEntries = initialTableSize
	}
	t := &Table{
		mu:      xmutex.New("region-table"),
		maxSize: maxEntries,
		total:   initialTableSize,
		free:    initialTableSize,
	}
	t.buffers[0] = make([]Info, initialTableSize, maxEntries)
	t.buffers[1] = make([]Info, 0, maxEntries)
	return t, nil
}

func (t *Table) active_() []Info {
	return t.buffers[t.active]
}

// hashPage mixes a page-shifted address through successive byte-range
// folds of the page index.
func hashPage(p uintptr) uint64 {
	u := uint64(p) >> 12
	sum := u
	sum = (sum << 7) - sum + (u >> 16)
	sum = (sum << 7) - sum + (u >> 32)
	sum = (sum << 7) - sum + (u >> 48)
	return sum
}

// Insert records a new live allocation. Grows the table first if the load
// factor has crossed 1/4 free.
func (t *Table) Insert(addr uintptr, size, guardSize uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.free*4 < t.total {
		if err := t.grow(); err != nil {
			return err
		}
	}

	buf := t.active_()
	mask := uint64(t.total - 1)
	index := hashPage(addr) & mask
	for buf[index].Addr != 0 {
		index = (index - 1) & mask
	}
	buf[index] = Info{Addr: addr, Size: size, GuardSize: guardSize}
	t.free--
	return nil
}

// Find looks up a live allocation by its exact base address.
func (t *Table) Find(addr uintptr) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(addr)
}

func (t *Table) find(addr uintptr) (Info, bool) {
	buf := t.active_()
	mask := uint64(t.total - 1)
	index := hashPage(addr) & mask
	for buf[index].Addr != addr && buf[index].Addr != 0 {
		index = (index - 1) & mask
	}
	if buf[index].Addr == addr {
		return buf[index], true
	}
	return Info{}, false
}

// Delete removes the live allocation at addr, if present, and re-links any
// entries whose probe sequence depended on the slot being occupied
// (backward-shift deletion).
func (t *Table) Delete(addr uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := t.active_()
	mask := uint64(t.total - 1)
	i := hashPage(addr) & mask
	for buf[i].Addr != addr {
		if buf[i].Addr == 0 {
			return false
		}
		i = (i - 1) & mask
	}

	t.free++
	for {
		buf[i] = Info{}
		j := i
		for {
			i = (i - 1) & mask
			if buf[i].Addr == 0 {
				return true
			}
			r := hashPage(buf[i].Addr) & mask
			if (i <= r && r < j) || (r < j && j < i) || (j < i && i <= r) {
				continue
			}
			buf[j] = buf[i]
			break
		}
	}
}

// UpdateSize rewrites the size field of an existing entry in place, used
// when a realloc keeps the same page-rounded footprint.
func (t *Table) UpdateSize(addr uintptr, size uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := t.active_()
	mask := uint64(t.total - 1)
	index := hashPage(addr) & mask
	for buf[index].Addr != addr && buf[index].Addr != 0 {
		index = (index - 1) & mask
	}
	if buf[index].Addr != addr {
		return false
	}
	buf[index].Size = size
	return true
}

// grow doubles the table into the dormant buffer, rehashing every live
// entry. The vacated buffer is left in place, ready for the next
// ping-pong swap the next time the table needs to grow again.
func (t *Table) grow() error {
	newTotal := t.total * 2
	if newTotal > t.maxSize {
		return fmt.Errorf("region: table at maximum size (%d entries)", t.maxSize)
	}

	oldBuf := t.active_()
	newIdx := 1 - t.active
	newBuf := t.buffers[newIdx]
	if cap(newBuf) < newTotal {
		return fmt.Errorf("region: dormant buffer too small to grow into")
	}
	newBuf = newBuf[:newTotal]
	for i := range newBuf {
		newBuf[i] = Info{}
	}

	mask := uint64(newTotal - 1)
	for i := 0; i < t.total; i++ {
		q := oldBuf[i]
		if q.Addr == 0 {
			continue
		}
		index := hashPage(q.Addr) & mask
		for newBuf[index].Addr != 0 {
			index = (index - 1) & mask
		}
		newBuf[index] = q
	}

	t.buffers[newIdx] = newBuf
	t.free += t.total
	t.total = newTotal
	t.active = newIdx
	return nil
}
