// Package mapper implements component C: mapmem/unmapmem over a pair of
// rolling hypervisor virtual-address windows, one page-granule and one
// 2MiB-block-granule, each backed by the stage-1 descriptor from
// internal/mmu. Grounded on spec.md section 4.C and on the reference
// project's guest-memory window bookkeeping in virtual_machine.go
// (NewVirtualMachine's rolling allocation idea, translated from a host
// mmap region into hypervisor VA-window scanning).
package mapper

import (
	"fmt"

	"example.com/ahv/internal/bplustree"
	"example.com/ahv/internal/mmu"
)

// Mapper owns the two rolling windows and the stage-1 descriptor they
// are mapped through.
type Mapper struct {
	st1 *mmu.Descriptor

	pages  *window
	blocks *window

	hvPhysStart, hvPhysEnd uint64 // the hypervisor's own physical image, see MapMem
}

type window struct {
	base, size uint64
	granule    uint64
	next       uint64
	active     *bplustree.Tree // allocated ranges, keyed by VA
}

func newWindow(base, size, granule uint64) *window {
	return &window{base: base, size: size, granule: granule, next: base, active: bplustree.New()}
}

// New creates a Mapper over the given hypervisor virtual windows. pageBase
// and pageWindowSize describe the 4KiB-granule window, blockBase/blockWindowSize the
// 2MiB-granule window; both must be granule-aligned and non-overlapping.
// hvPhysStart/hvPhysEnd bound the hypervisor's own physical image, used to
// reject writable mappings that alias hypervisor memory (see MapMem).
func New(st1 *mmu.Descriptor, pageBase, pageWindowSize, blockBase, blockWindowSize, hvPhysStart, hvPhysEnd uint64) *Mapper {
	return &Mapper{
		st1:         st1,
		pages:       newWindow(pageBase, pageWindowSize, mmu.PageSize),
		blocks:      newWindow(blockBase, blockWindowSize, mmu.BlockSize2M),
		hvPhysStart: hvPhysStart,
		hvPhysEnd:   hvPhysEnd,
	}
}

// Mapping is the handle MapMem returns; UnmapMem consumes it.
type Mapping struct {
	va, length uint64
	w          *window
}

// MapMem maps length bytes of physical memory at phys into hypervisor
// virtual address space and returns the resulting VA. The request is
// page-aligned first. The 2MiB window is used iff phys and the aligned
// length permit a 2MiB-granule placement (phys and length both
// 2MiB-aligned and length >= 2MiB); otherwise the 4KiB window is used.
//
// If the mapping targets the hypervisor's own physical image and flags
// requests write access, MapMem fails: with the CanFail flag set it
// returns an error, otherwise it panics, per spec.md section 4.C.
func (m *Mapper) MapMem(phys, length uint64, flags mmu.Flag) (uint64, error) {
	if length == 0 {
		return 0, errZeroLength
	}
	aligned := alignUp(length, mmu.PageSize)

	if flags&mmu.Write != 0 && rangesOverlap(phys, phys+aligned, m.hvPhysStart, m.hvPhysEnd) {
		if flags&mmu.CanFail != 0 {
			return 0, errWriteIntoHypervisorMemory
		}
		panic("mapper: write mapping of hypervisor memory requested without CANFAIL")
	}

	w := m.pages
	granule := uint64(mmu.PageSize)
	if phys%mmu.BlockSize2M == 0 && aligned%mmu.BlockSize2M == 0 && aligned >= mmu.BlockSize2M {
		w = m.blocks
		granule = mmu.BlockSize2M
	}

	va, err := w.allocate(aligned, granule)
	if err != nil {
		return 0, err
	}

	if err := m.st1.Map(va, phys, aligned, flags); err != nil {
		w.active.Delete(va)
		return 0, fmt.Errorf("mapper: map %#x -> %#x/%#x: %w", va, phys, aligned, err)
	}
	return va, nil
}

// UnmapMem releases the mapping previously returned by MapMem.
func (m *Mapper) UnmapMem(va, length uint64) error {
	aligned := alignUp(length, mmu.PageSize)
	w := m.pages
	if item, ok := m.blocks.active.Get(va); ok && item.End-va >= aligned {
		w = m.blocks
	}
	if err := m.st1.Unmap(va, aligned); err != nil {
		return err
	}
	w.active.Delete(va)
	return nil
}

// allocate scans the window forward from its rolling cursor for a
// granule-aligned span of the requested length that does not overlap any
// currently active mapping, wrapping at the end of the window. A second
// wrap without finding room means the window is exhausted; spec.md
// section 4.C calls for a panic rather than a spurious error in that
// case, since it represents an unrecoverable hypervisor VA-space leak or
// misconfiguration rather than a caller mistake.
func (w *window) allocate(length, granule uint64) (uint64, error) {
	if length > w.size {
		return 0, errWindowTooSmall
	}

	cursor := alignUp(w.next, granule)
	wraps := 0
	for {
		if cursor+length > w.base+w.size {
			cursor = w.base
			wraps++
			if wraps >= 2 {
				panic("mapper: virtual window exhausted (second wrap with no free span)")
			}
		}
		if !w.active.Overlaps(cursor, cursor+length) {
			w.active.Insert(bplustree.Item{Start: cursor, End: cursor + length})
			w.next = cursor + length
			return cursor, nil
		}
		// Skip past whatever covers or starts inside this span.
		if it, ok := w.active.FindCovering(cursor); ok {
			cursor = alignUp(it.End, granule)
		} else {
			cursor += granule
		}
	}
}

func alignUp(v, granule uint64) uint64 {
	return (v + granule - 1) &^ (granule - 1)
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}
