// Package emu implements component E: the access emulator invoked by
// the trap dispatcher on a stage-2 translation-fault data abort. It
// decodes the one faulting AArch64 load/store instruction, computes the
// effective guest-virtual address, and forwards the access to the MMIO
// registry (component D), falling back to a direct guest-memory access
// when no handler claims it.
//
// Grounded on original_source/core/aarch64/acc_emu.c (the five signature
// masks, vaddr_from_rn, do_access/do_store/do_load, the pre/post-index
// base-register commit, the prefetch no-op cases, the FP register spill
// around a vector access).
package emu

// RegisterFile is the subset of a trapped guest's saved state the
// emulator reads and writes: the 31 general registers by index, the two
// banked stack pointers, and the faulting PC. internal/trap's frame type
// satisfies this without emu needing to import internal/trap.
type RegisterFile interface {
	GPR(n int) uint64
	SetGPR(n int, v uint64)
	SPEL0() uint64
	SetSPEL0(v uint64)
	SPEL1() uint64
	SetSPEL1(v uint64)
	ELR() uint64
	SetELR(v uint64)
}

func vaddrFromRn(regs RegisterFile, rn uint32, el int) uint64 {
	if rn == 31 {
		if el == 1 {
			return regs.SPEL1()
		}
		return regs.SPEL0()
	}
	return regs.GPR(int(rn))
}
