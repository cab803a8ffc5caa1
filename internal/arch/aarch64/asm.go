// Package aarch64 wraps the AArch64 instructions and system registers the
// core needs direct access to: barriers, TLB invalidation, ERET, and the
// curated set of EL1/EL2 system registers named throughout spec.md. None of
// these have a meaningful pure-Go implementation, so each is declared here
// without a body and backed by hand-written assembly in asm_arm64.s, the
// same pattern usbarmory/tamago's arm64 package uses for flush_tlb and
// set_ttbr0.
package aarch64

// defined in asm_arm64.s
func dsbISH()
func dsbISHST()
func isb()

// defined in asm_arm64.s
func tlbiVMALLE1IS()
func tlbiVAE2IS(va uint64)
func tlbiIPAS2E1IS(ipa uint64)
func tlbiALLE1IS()

// eret drops from EL2 to the exception level and PC recorded in ELR_EL2/
// SPSR_EL2. Never returns to its caller; execution resumes wherever the
// guest's saved state points.
//
// defined in asm_arm64.s
func eret()
func eretWithX0(ctxID uint64)

// SMCCall issues the real `smc #0` instruction with the SMCCC64
// fast-call register set (x0-x7) loaded from args and overwrites args
// with the post-call values. Used by the SMC interposer to forward a
// trapped call to firmware transparently.
//
// defined in asm_arm64.s
func SMCCall(args *[8]uint64)

// wfi issues the WFI instruction, used by the trap dispatcher's WFx class
// handler after it has advanced PC past the trapping instruction so the
// physical core actually idles until the next interrupt.
//
// defined in asm_arm64.s
func wfi()

// readMPIDR, readCurrentEL and the named system-register accessors below
// are all MRS/MSR pairs. Registers outside the Go assembler's recognized
// system-register allowlist are encoded with raw WORD directives in
// asm_arm64.s, the same technique the Go runtime itself uses for
// privileged registers it needs but the assembler doesn't name.

// defined in asm_arm64.s
func readMPIDREL1() uint64
func readCurrentEL() uint64

func readHCREL2() uint64
func writeHCREL2(v uint64)

func readESREL2() uint64
func readELREL2() uint64
func writeELREL2(v uint64)
func readSPSREL2() uint64
func writeSPSREL2(v uint64)
func readFAREL2() uint64

func readSPEL1() uint64
func writeSPEL1(v uint64)

func readTPIDREL2() uint64
func writeTPIDREL2(v uint64)

func readVBAREL2() uint64
func writeVBAREL2(v uint64)

func readSCTLREL1() uint64
func writeSCTLREL1(v uint64)
func readTCREL1() uint64
func writeTCREL1(v uint64)
func readTTBR0EL1() uint64
func writeTTBR0EL1(v uint64)
func readMAIREL1() uint64
func writeMAIREL1(v uint64)
func readESREL1() uint64
func writeESREL1(v uint64)
func writeFAREL1(v uint64)
func readCPACREL1() uint64
func writeCPACREL1(v uint64)
func readTPIDREL1() uint64
func writeTPIDREL1(v uint64)
func readVBAREL1() uint64
func writeVBAREL1(v uint64)

func readIDAA64PFR0EL1() uint64
func readIDAA64MMFR0EL1() uint64

func readMIDREL1() uint64
func readREVIDREL1() uint64
func readIDAA64PFR1EL1() uint64
func readIDAA64ZFR0EL1() uint64
func readIDAA64DFR0EL1() uint64
func readIDAA64DFR1EL1() uint64
func readIDAA64AFR0EL1() uint64
func readIDAA64AFR1EL1() uint64
func readIDAA64ISAR0EL1() uint64
func readIDAA64ISAR1EL1() uint64
func readIDAA64ISAR2EL1() uint64
func readIDAA64MMFR1EL1() uint64
func readIDAA64MMFR2EL1() uint64

func readCNTHCTLEL2() uint64
func writeCNTHCTLEL2(v uint64)

func readICCSREEL2() uint64
func writeICCSREEL2(v uint64)
func readICHVTREL2() uint64
func readICHHCREL2() uint64
func writeICHHCREL2(v uint64)
func readICHMISREL2() uint64

// GIC CPU interface (EL1) and ICH hypervisor control register pairs, used
// by the virtual GIC's per-CPU bring-up and interrupt-acknowledge path.
func readICCPMREL1() uint64
func writeICCPMREL1(v uint64)
func readICCBPR0EL1() uint64
func writeICCBPR0EL1(v uint64)
func readICCBPR1EL1() uint64
func writeICCBPR1EL1(v uint64)
func readICCCTLREL1() uint64
func writeICCCTLREL1(v uint64)
func readICCIGRPEN0EL1() uint64
func writeICCIGRPEN0EL1(v uint64)
func readICCIGRPEN1EL1() uint64
func writeICCIGRPEN1EL1(v uint64)
func readICCIAR0EL1() uint64
func readICCIAR1EL1() uint64
func writeICCEOIR0EL1(v uint64)
func writeICCEOIR1EL1(v uint64)
func writeICCDIREL1(v uint64)
func readICCRPREL1() uint64
func readICHVMCREL2() uint64
func writeICHVMCREL2(v uint64)

// SGI-generation registers: write-only, no read form on the architecture.
func writeICCSGI0REL1(v uint64)
func writeICCSGI1REL1(v uint64)
func writeICCASGI1REL1(v uint64)
