package main

import (
	"fmt"
	"log"
	"unsafe"

	"example.com/ahv/internal/gic"
	"example.com/ahv/internal/mapper"
	"example.com/ahv/internal/mmu"
)

// Real GITS MMIO register offsets and command-ring index bit layout,
// matching original_source/core/aarch64/gic.c's GITS_CTLR_BASE block and
// CWRITER_IDX_*/CREADR_IDX_*/CREADR_STALL macros -- the same constants
// its_wiring.go uses for the guest-facing virtual register block, here
// applied to the physical GITS control frame.
const (
	gitsRegCTLR    = 0x0
	gitsRegCWRITER = 0x88
	gitsRegCREADR  = 0x90
	gitsSize       = 64 * 1024

	hostCWRITERIdxMask  = 0x7FFF
	hostCWRITERIdxShift = 5
	hostCREADRIdxMask   = 0x7FFF
	hostCREADRIdxShift  = 5
	hostCREADRStall     = uint64(1)
)

// mmioHostRing is gic.Shadow's HostRing against the real GIC ITS: a
// command ring bump-allocated out of a reserved physical region, and the
// real GITS_CWRITER/GITS_CREADR registers reached through mapper.Mapper,
// matching dres_reg_alloc/dres_reg_read64/dres_reg_write64's role over
// the physical GITS_CTLR_BASE MMIO window in the reference.
type mmioHostRing struct {
	mem      *mapper.Mapper
	ctrlPhys uint64 // physical base of the real GITS control frame

	ringBase, ringLimit uint64 // reserved physical region for ring allocation
	ringNext            uint64

	ringPhys  uint64
	ringDepth uint64
	tail      uint64
}

// newMMIOHostRing reserves [ringBase, ringBase+ringRegionBytes) for ITS
// command-ring allocation and talks to the real GITS control frame at
// ctrlPhys (gitsSize bytes, per GITS_SIZE).
func newMMIOHostRing(mem *mapper.Mapper, ctrlPhys, ringBase, ringRegionBytes uint64) *mmioHostRing {
	return &mmioHostRing{
		mem:       mem,
		ctrlPhys:  ctrlPhys,
		ringBase:  ringBase,
		ringLimit: ringBase + ringRegionBytes,
		ringNext:  ringBase,
	}
}

func (h *mmioHostRing) unmap(va, length uint64) {
	if err := h.mem.UnmapMem(va, length); err != nil {
		log.Printf("ahv: unmapping GITS window at %#x: %v", va, err)
	}
}

func (h *mmioHostRing) readReg(off uint64) (uint64, error) {
	va, err := h.mem.MapMem(h.ctrlPhys+off, 8, mmu.FlagUC)
	if err != nil {
		return 0, fmt.Errorf("ahv: mapping GITS register at offset %#x: %w", off, err)
	}
	defer h.unmap(va, 8)
	return *(*uint64)(unsafe.Pointer(uintptr(va))), nil
}

func (h *mmioHostRing) writeReg(off uint64, v uint64) error {
	va, err := h.mem.MapMem(h.ctrlPhys+off, 8, mmu.Write|mmu.FlagUC)
	if err != nil {
		return fmt.Errorf("ahv: mapping GITS register at offset %#x for write: %w", off, err)
	}
	defer h.unmap(va, 8)
	*(*uint64)(unsafe.Pointer(uintptr(va))) = v
	return nil
}

// AllocRing bump-allocates nbytes of the reserved ring region, zeroes it,
// and records it as the current host ring.
func (h *mmioHostRing) AllocRing(nbytes uint64) (uint64, error) {
	if h.ringNext+nbytes > h.ringLimit {
		return 0, fmt.Errorf("ahv: ITS command-ring region exhausted requesting %#x bytes", nbytes)
	}
	phys := h.ringNext
	h.ringNext += nbytes

	va, err := h.mem.MapMem(phys, nbytes, mmu.Write|mmu.FlagUC)
	if err != nil {
		return 0, fmt.Errorf("ahv: mapping new ITS ring at %#x: %w", phys, err)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), nbytes)
	for i := range raw {
		raw[i] = 0
	}
	h.unmap(va, nbytes)

	h.ringPhys = phys
	h.ringDepth = nbytes / itsCmdSize
	h.tail = 0
	return phys, nil
}

// WriteCBASER installs raw into the real GITS_CBASER.
func (h *mmioHostRing) WriteCBASER(raw uint64) {
	if err := h.writeReg(gitsCBASEROff, raw); err != nil {
		panic(err)
	}
}

// Submit writes cmds into the host ring starting at the current tail and
// advances the real GITS_CWRITER, mirroring its_submit_cmds's ring-write-
// then-CWRITER-write sequence (including its "don't run the tail into the
// head" guard, here simplified to "don't wrap past a full ring" since this
// shadow submits one guest batch at a time under Shadow's own semaphore).
func (h *mmioHostRing) Submit(cmds []gic.Cmd) (int, error) {
	if h.ringDepth == 0 {
		return 0, fmt.Errorf("ahv: ITS command submitted before a ring was allocated")
	}
	n := len(cmds)
	if uint64(n) > h.ringDepth {
		return 0, fmt.Errorf("ahv: batch of %d commands exceeds ring depth %d", n, h.ringDepth)
	}

	for i, cmd := range cmds {
		idx := (h.tail + uint64(i)) % h.ringDepth
		if err := h.writeCmd(idx, cmd); err != nil {
			return i, err
		}
	}
	h.tail = (h.tail + uint64(n)) % h.ringDepth

	raw := (h.tail & hostCWRITERIdxMask) << hostCWRITERIdxShift
	if err := h.writeReg(gitsRegCWRITER, raw); err != nil {
		return n, err
	}
	return n, nil
}

func (h *mmioHostRing) writeCmd(idx uint64, cmd gic.Cmd) error {
	phys := h.ringPhys + idx*itsCmdSize
	va, err := h.mem.MapMem(phys, itsCmdSize, mmu.Write|mmu.FlagUC)
	if err != nil {
		return fmt.Errorf("ahv: mapping ITS ring slot at %#x: %w", phys, err)
	}
	defer h.unmap(va, itsCmdSize)

	raw := unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(va))), len(cmd))
	for i, qw := range cmd {
		raw[i] = qw
	}
	return nil
}

// ReadCREADR reads the real GITS_CREADR.
func (h *mmioHostRing) ReadCREADR() (uint64, bool, error) {
	v, err := h.readReg(gitsRegCREADR)
	if err != nil {
		return 0, false, err
	}
	idx := (v >> hostCREADRIdxShift) & hostCREADRIdxMask
	return idx, v&hostCREADRStall != 0, nil
}
