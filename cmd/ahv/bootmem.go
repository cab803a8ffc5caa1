package main

import (
	"fmt"
	"unsafe"

	"example.com/ahv/internal/mmu"
)

// pageTablePageSize is the page-table granule every Descriptor in this
// core uses (internal/mmu.PageSize, restated here since main deliberately
// keeps no import-cycle-prone dependency on mmu's internal layout beyond
// the Memory interface itself).
const pageTablePageSize = mmu.PageSize

// bumpMemory is the production mmu.Memory: a bump allocator over a
// physical range the boot stub reserves for page tables, read and
// written directly through unsafe.Pointer rather than through
// internal/mapper's windows -- those windows are themselves built on top
// of a stage-1 Descriptor, so the Descriptor backing the hypervisor's own
// address space cannot depend on them without a cycle. This relies on
// the boot stub handing over a physical range that is identity-mapped
// (VA == PA) for the hypervisor's own low memory, the same assumption
// mapper.New's hvPhysStart/hvPhysEnd bound already makes about the
// hypervisor's own physical image.
type bumpMemory struct {
	base, limit uint64
	next        uint64
	free        []uint64 // reclaimed table addresses, most-recently-freed first
}

// newBumpMemory reserves [base, base+nbytes) for page-table allocation.
// nbytes must be a multiple of pageTablePageSize.
func newBumpMemory(base, nbytes uint64) (*bumpMemory, error) {
	if nbytes == 0 || nbytes%pageTablePageSize != 0 {
		return nil, fmt.Errorf("ahv: page-table region size %#x is not a multiple of %#x", nbytes, pageTablePageSize)
	}
	return &bumpMemory{base: base, limit: base + nbytes, next: base}, nil
}

func (m *bumpMemory) ReadEntry(phys uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(phys)))
}

func (m *bumpMemory) WriteEntry(phys uint64, v uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(phys))) = v
}

func (m *bumpMemory) AllocTable() uint64 {
	var addr uint64
	if n := len(m.free); n > 0 {
		addr = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		if m.next >= m.limit {
			panic("ahv: page-table bump region exhausted")
		}
		addr = m.next
		m.next += pageTablePageSize
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), pageTablePageSize)
	for i := range raw {
		raw[i] = 0
	}
	return addr
}

func (m *bumpMemory) FreeTable(phys uint64) {
	m.free = append(m.free, phys)
}

// allocContiguous bump-allocates nbytes (rounded up to a page) without
// consulting the free list, so a multi-page caller (a secondary-core
// bring-up stack) always gets one contiguous run rather than whatever
// scattered pages FreeTable happened to return.
func (m *bumpMemory) allocContiguous(nbytes uint64) uint64 {
	n := (nbytes + pageTablePageSize - 1) &^ (pageTablePageSize - 1)
	if m.next+n > m.limit {
		panic("ahv: page-table bump region exhausted")
	}
	addr := m.next
	m.next += n
	raw := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
	for i := range raw {
		raw[i] = 0
	}
	return addr
}

// unsafeByteSlice views n bytes of physical memory starting at phys as a
// []byte, under the same identity-mapped-low-memory assumption bumpMemory
// itself relies on. Used for the one-shot, boot-time-only allocations
// (secondary-core stacks) that don't go through mapper.Mapper's windows.
func unsafeByteSlice(phys uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(phys))), n)
}
