package aarch64

// defined in asm_arm64.s — one MRS/MSR pair per list-register index,
// since ICH_LRn_EL2 are sixteen distinct registers rather than one
// register selected by an operand.
func readICHLR0() uint64
func writeICHLR0(uint64)
func readICHLR1() uint64
func writeICHLR1(uint64)
func readICHLR2() uint64
func writeICHLR2(uint64)
func readICHLR3() uint64
func writeICHLR3(uint64)
func readICHLR4() uint64
func writeICHLR4(uint64)
func readICHLR5() uint64
func writeICHLR5(uint64)
func readICHLR6() uint64
func writeICHLR6(uint64)
func readICHLR7() uint64
func writeICHLR7(uint64)
func readICHLR8() uint64
func writeICHLR8(uint64)
func readICHLR9() uint64
func writeICHLR9(uint64)
func readICHLR10() uint64
func writeICHLR10(uint64)
func readICHLR11() uint64
func writeICHLR11(uint64)
func readICHLR12() uint64
func writeICHLR12(uint64)
func readICHLR13() uint64
func writeICHLR13(uint64)
func readICHLR14() uint64
func writeICHLR14(uint64)
func readICHLR15() uint64
func writeICHLR15(uint64)

var lrReaders = [16]func() uint64{
	readICHLR0, readICHLR1, readICHLR2, readICHLR3,
	readICHLR4, readICHLR5, readICHLR6, readICHLR7,
	readICHLR8, readICHLR9, readICHLR10, readICHLR11,
	readICHLR12, readICHLR13, readICHLR14, readICHLR15,
}

var lrWriters = [16]func(uint64){
	writeICHLR0, writeICHLR1, writeICHLR2, writeICHLR3,
	writeICHLR4, writeICHLR5, writeICHLR6, writeICHLR7,
	writeICHLR8, writeICHLR9, writeICHLR10, writeICHLR11,
	writeICHLR12, writeICHLR13, writeICHLR14, writeICHLR15,
}

// ReadListRegister returns the raw value of ICH_LRn_EL2, n in [0,16).
func ReadListRegister(n int) uint64 {
	return lrReaders[n]()
}

// WriteListRegister writes ICH_LRn_EL2, n in [0,16).
func WriteListRegister(n int, v uint64) {
	lrWriters[n](v)
}

// ICH_ELRSR_EL2 read, one bit per LR marking it empty.
//
// defined in asm_arm64.s
func readICHELRSREL2() uint64

// EmptyListRegisters returns the ELRSR bitmask: bit n set means LR n is
// currently empty and free for allocation.
func EmptyListRegisters() uint64 { return readICHELRSREL2() }

// ERET drops to the guest at ELR_EL2/SPSR_EL2. Never returns.
func ERET() { eret() }

// ERETWithX0 loads ctxID into x0 then drops to the guest at ELR_EL2/
// SPSR_EL2, for the secondary-core bring-up path that hands a PSCI
// CPU_ON context id to the guest across the EL2->EL1 transition. Never
// returns.
func ERETWithX0(ctxID uint64) { eretWithX0(ctxID) }

// WaitForInterrupt issues WFI.
func WaitForInterrupt() { wfi() }
